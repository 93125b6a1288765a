package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"notifybot/domain"
	"notifybot/obs"
	"notifybot/redislock"
	"notifybot/streamq"
)

// Worker runs staging off the file-event stream. The per-job lock guards
// against a duplicate enqueue racing across worker replicas; the inflight
// channel bounds concurrent downloads per pod.
type Worker struct {
	ctl      *Controller
	lock     *redislock.Client
	lockTTL  time.Duration
	lockKick time.Duration
	inflight chan struct{}
	tmpRoot  string
}

func NewWorker(ctl *Controller, lock *redislock.Client, tmpRoot string) *Worker {
	maxInflight := readEnvIntDefault("NOTIFY_MAX_INFLIGHT", 4)
	if maxInflight <= 0 {
		maxInflight = 1
	}
	lockTTL := readEnvDurationSecondsDefault("NOTIFY_STAGE_LOCK_TTL_SECONDS", 10*time.Minute)
	lockKick := readEnvDurationSecondsDefault("NOTIFY_STAGE_LOCK_REFRESH_SECONDS", 30*time.Second)
	if lockKick <= 0 {
		lockKick = 30 * time.Second
	}
	return &Worker{
		ctl:      ctl,
		lock:     lock,
		lockTTL:  lockTTL,
		lockKick: lockKick,
		inflight: make(chan struct{}, maxInflight),
		tmpRoot:  tmpRoot,
	}
}

func (w *Worker) acquireInflight() {
	if w == nil || w.inflight == nil {
		return
	}
	w.inflight <- struct{}{}
}

func (w *Worker) releaseInflight() {
	if w == nil || w.inflight == nil {
		return
	}
	select {
	case <-w.inflight:
	default:
	}
}

func (w *Worker) Process(ctx context.Context, ev streamq.FileEvent) error {
	w.acquireInflight()
	defer w.releaseInflight()

	if w == nil || w.ctl == nil {
		return errors.New("worker not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	err := w.process(ctx, ev)
	obs.RecordWorkerJob("stage", start, err)
	return err
}

func (w *Worker) process(ctx context.Context, ev streamq.FileEvent) error {
	if w.lock == nil {
		return w.ctl.Stage(ctx, ev)
	}

	jobID := domain.JobIDForFile(ev.FileID)
	token, err := redislock.Token()
	if err != nil {
		return err
	}
	lockKey := w.lock.Key(jobID)
	ok, err := w.lock.Acquire(ctx, lockKey, token, w.lockTTL)
	if err != nil {
		// transient: keep pending
		return err
	}
	if !ok {
		// Likely a duplicate enqueue; ACK and move on.
		return streamq.Terminal(fmt.Errorf("job locked: %s", lockKey))
	}
	defer func() {
		_, _ = w.lock.Release(context.Background(), lockKey, token)
	}()

	stopKick := make(chan struct{})
	defer close(stopKick)
	go func() {
		t := time.NewTicker(w.lockKick)
		defer t.Stop()
		for {
			select {
			case <-stopKick:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := w.lock.Refresh(context.Background(), lockKey, token, w.lockTTL); err != nil {
					log.Printf("lock refresh failed job=%s: %v", jobID, err)
				}
			}
		}
	}()

	return w.ctl.Stage(ctx, ev)
}

// RunJanitor removes job temp dirs older than maxAge. A job that old has
// long since expired from the store, so its artifact is an orphan.
func (w *Worker) RunJanitor(ctx context.Context, every, maxAge time.Duration) {
	if w == nil || w.tmpRoot == "" || every <= 0 || maxAge <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.sweepOnce(maxAge)
		}
	}
}

func (w *Worker) sweepOnce(maxAge time.Duration) {
	root := filepath.Join(w.tmpRoot, "notify_jobs")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("janitor remove failed dir=%s: %v", dir, err)
		} else {
			log.Printf("janitor removed stale job dir %s", dir)
		}
	}
}
