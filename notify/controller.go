// Package notify owns the job lifecycle: staging an uploaded payroll file
// behind a confirmation prompt, dispatching on confirm, discarding on cancel,
// and correlating acknowledgment reactions back to recipients.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"notifybot/chat"
	"notifybot/dispatch"
	"notifybot/domain"
	"notifybot/ossstore"
	"notifybot/redislock"
	"notifybot/report"
	"notifybot/store"
	"notifybot/streamq"
	"notifybot/tabular"
	"notifybot/track"
)

// ChatAPI is everything the controller needs from the chat platform.
// *chat.Client satisfies it; tests substitute a fake.
type ChatAPI interface {
	FileInfo(ctx context.Context, fileID string) (*chat.FileMeta, error)
	DownloadFile(ctx context.Context, url, destPath string) error
	PostMessage(ctx context.Context, channel, text string) (string, error)
	UpdateMessage(ctx context.Context, channel, ts, text string) error
	OpenModal(ctx context.Context, triggerToken, title, body string) error
}

// Controller is the only component that creates or deletes job entries.
// Confirm and cancel take a per-job lock so the read-check-act-delete
// sequence is atomic: at most one dispatch ever happens per job.
type Controller struct {
	store     store.NotifyJobStore
	tracker   track.SentTracker
	processed track.ProcessedSet
	chat      ChatAPI
	lock      *redislock.Client
	oss       *ossstore.Store

	tmpRoot      string
	adminChannel string
	previewRows  int
	lockTTL      time.Duration

	// In-process fallback serialization per job id, also held alongside the
	// redis lock so two handlers in the same pod never race on one job.
	// Entries are refcounted and dropped once the last holder releases, so
	// the map stays bounded by in-flight actions, not job history.
	localMu    sync.Mutex
	localLocks map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

func NewController(st store.NotifyJobStore, tracker track.SentTracker, processed track.ProcessedSet, api ChatAPI, lock *redislock.Client, oss *ossstore.Store, tmpRoot string) *Controller {
	previewRows := readEnvIntDefault("NOTIFY_PREVIEW_ROWS", 10)
	lockTTL := readEnvDurationSecondsDefault("NOTIFY_JOB_LOCK_TTL_SECONDS", 10*time.Minute)
	return &Controller{
		store:        st,
		tracker:      tracker,
		processed:    processed,
		chat:         api,
		lock:         lock,
		oss:          oss,
		tmpRoot:      strings.TrimSpace(tmpRoot),
		adminChannel: strings.TrimSpace(os.Getenv("NOTIFY_ADMIN_CHANNEL")),
		previewRows:  previewRows,
		lockTTL:      lockTTL,
		localLocks:   make(map[string]*jobLock),
	}
}

// Stage handles one file-shared signal: download, parse, persist the job and
// post the confirmation prompt. A nil or Terminal return means the signal is
// done (ACK); any other error keeps it pending for redelivery.
func (c *Controller) Stage(ctx context.Context, ev streamq.FileEvent) error {
	fileID := strings.TrimSpace(ev.FileID)
	if fileID == "" {
		return streamq.Terminal(errors.New("fileID empty"))
	}
	if c.processed != nil {
		if done, err := c.processed.Contains(ctx, fileID); err == nil && done {
			// Re-delivered signal for an artifact already dispatched.
			return nil
		}
	}
	jobID := domain.JobIDForFile(fileID)
	if _, ok, err := c.store.Get(jobID); err != nil {
		// transient: keep pending, the consumer will redeliver
		return err
	} else if ok {
		// A job for this artifact is already staged and awaiting its
		// confirm or cancel; no duplicate job, no duplicate prompt.
		return nil
	}

	meta, err := c.chat.FileInfo(ctx, fileID)
	if err != nil {
		// transient: keep pending, the consumer will redeliver
		return err
	}
	if !isTabular(meta) {
		// Non-tabular uploads are ignored silently, not errored.
		return nil
	}

	jobDir := filepath.Join(c.tmpRoot, "notify_jobs", jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	localPath := filepath.Join(jobDir, safeBaseName(meta.Name))

	if err := c.chat.DownloadFile(ctx, meta.DownloadURL, localPath); err != nil {
		c.notify(ctx, ev.ChannelID, fmt.Sprintf("Could not download %s: %v", displayFileName(meta), err))
		_ = os.RemoveAll(jobDir)
		return streamq.Terminal(err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		_ = os.RemoveAll(jobDir)
		return streamq.Terminal(err)
	}
	rows, err := tabular.ReadRecipients(f)
	_ = f.Close()
	if err != nil {
		msg := fmt.Sprintf("Could not parse %s: %v", displayFileName(meta), err)
		if tabular.IsMissingColumns(err) {
			msg = fmt.Sprintf("Could not process %s: %v", displayFileName(meta), err)
		}
		c.notify(ctx, ev.ChannelID, msg)
		_ = os.RemoveAll(jobDir)
		return streamq.Terminal(err)
	}
	if len(rows) == 0 {
		c.notify(ctx, ev.ChannelID, fmt.Sprintf("%s contains no recipient rows; nothing to stage.", displayFileName(meta)))
		_ = os.RemoveAll(jobDir)
		return streamq.Terminal(errors.New("no recipient rows"))
	}

	// Best-effort mirror: staging works without OSS, the artifact is then
	// only reachable from this pod's temp dir.
	ossKey := ""
	if c.oss.Enabled() {
		key := c.oss.ObjectKeyForInput(jobID, meta.Name)
		if err := c.oss.PutFileFromPath(key, localPath, "text/csv"); err != nil {
			log.Printf("mirror artifact to oss failed job=%s: %v", jobID, err)
		} else {
			ossKey = key
		}
	}

	prompt := fmt.Sprintf("%s staged: %d recipients. <@%s>, confirm to send the notifications or cancel to discard.",
		displayFileName(meta), len(rows), strings.TrimSpace(ev.UserID))
	promptTS, err := c.chat.PostMessage(ctx, ev.ChannelID, prompt)
	if err != nil {
		// transient: keep pending so the prompt still reaches the channel
		_ = os.RemoveAll(jobDir)
		return err
	}

	job := &domain.NotifyJob{
		ID:             jobID,
		Status:         domain.JobStatusStaged,
		CreatedAt:      time.Now(),
		ChannelID:      strings.TrimSpace(ev.ChannelID),
		UserID:         strings.TrimSpace(ev.UserID),
		FileID:         fileID,
		FileName:       strings.TrimSpace(meta.Name),
		LocalPath:      localPath,
		ArtifactOSSKey: ossKey,
		PromptTS:       promptTS,
		Rows:           rows,
	}
	if err := c.store.Create(job); err != nil {
		c.notify(ctx, ev.ChannelID, fmt.Sprintf("Could not stage %s: %v", displayFileName(meta), err))
		_ = os.RemoveAll(jobDir)
		return streamq.Terminal(err)
	}
	return nil
}

// Confirm transitions staged → dispatching → completed. Absent job, wrong
// acting user or wrong state are no-ops; once dispatch starts, cleanup of the
// job entry and its temp artifact is unconditional.
func (c *Controller) Confirm(ctx context.Context, jobID, actingUser, triggerToken string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil
	}
	unlock, err := c.lockJob(ctx, jobID)
	if err != nil {
		return err
	}
	if unlock == nil {
		// another handler holds the job; their outcome wins
		return nil
	}
	defer unlock()

	job, ok, err := c.store.Get(jobID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if !c.authorized(ctx, job, actingUser, triggerToken) {
		return nil
	}
	if job.Status != domain.JobStatusStaged {
		return nil
	}

	_, _, _ = c.store.Update(jobID, func(j *domain.NotifyJob) {
		j.Status = domain.JobStatusDispatching
	})
	defer c.cleanupJob(job)

	c.updatePrompt(ctx, job, "Sending notifications...")

	rep := dispatch.New(c.chat, c.tracker).Run(ctx, job)
	summary := rep.Summary()
	if link := c.exportOutcomes(ctx, job, rep); link != "" {
		summary += " Outcome report: " + link
	}
	c.updatePrompt(ctx, job, summary)

	if c.processed != nil {
		if err := c.processed.Mark(ctx, job.FileID); err != nil {
			log.Printf("mark processed failed file=%s: %v", job.FileID, err)
		}
	}
	return nil
}

// Cancel transitions staged → cancelled: no row is ever sent and the file is
// not marked processed, so re-uploading the same artifact stages a new job.
func (c *Controller) Cancel(ctx context.Context, jobID, actingUser, triggerToken string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil
	}
	unlock, err := c.lockJob(ctx, jobID)
	if err != nil {
		return err
	}
	if unlock == nil {
		return nil
	}
	defer unlock()

	job, ok, err := c.store.Get(jobID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if !c.authorized(ctx, job, actingUser, triggerToken) {
		return nil
	}
	if job.Status != domain.JobStatusStaged {
		return nil
	}

	defer c.cleanupJob(job)
	c.updatePrompt(ctx, job, "Notification job cancelled. Nothing was sent.")
	return nil
}

// Preview opens a modal listing the first rows of the staged file. Failures
// are logged, never escalated: a missed preview never blocks the pipeline.
func (c *Controller) Preview(ctx context.Context, jobID, triggerToken string) {
	job, ok, err := c.store.Get(strings.TrimSpace(jobID))
	if err != nil || !ok {
		return
	}
	n := c.previewRows
	if n <= 0 || n > len(job.Rows) {
		n = len(job.Rows)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d recipients total. First %d:\n", len(job.Rows), n)
	for _, row := range job.Rows[:n] {
		fmt.Fprintf(&b, "%s  %s  %s\n", row.EmployeeID, row.Name, row.Amount)
	}
	if err := c.chat.OpenModal(ctx, triggerToken, displayName(job), b.String()); err != nil {
		log.Printf("preview modal failed job=%s: %v", job.ID, err)
	}
}

// HandleReaction correlates a checkmark reaction back to the it-was-sent-to
// recipient. The entry is consumed on success, so the notice fires exactly
// once per message.
func (c *Controller) HandleReaction(ctx context.Context, reaction, messageTS, reactingUser string) error {
	if strings.TrimSpace(reaction) != "white_check_mark" {
		return nil
	}
	if c.tracker == nil {
		return nil
	}
	entry, ok, err := c.tracker.Resolve(ctx, messageTS, reactingUser)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	channel := c.adminChannel
	if channel == "" {
		channel = entry.ChannelID
	}
	if channel == "" {
		return nil
	}
	name := strings.TrimSpace(entry.Name)
	if name == "" {
		name = entry.EmployeeID
	}
	if _, err := c.chat.PostMessage(ctx, channel, fmt.Sprintf("%s acknowledged their payroll notification.", name)); err != nil {
		log.Printf("ack notice failed ts=%s: %v", messageTS, err)
	}
	return nil
}

func (c *Controller) authorized(ctx context.Context, job *domain.NotifyJob, actingUser, triggerToken string) bool {
	if strings.TrimSpace(actingUser) == strings.TrimSpace(job.UserID) {
		return true
	}
	body := fmt.Sprintf("Only <@%s> can confirm or cancel this job.", job.UserID)
	if strings.TrimSpace(triggerToken) != "" {
		if err := c.chat.OpenModal(ctx, triggerToken, "Not allowed", body); err == nil {
			return false
		}
		log.Printf("access-denied modal failed job=%s: falling back to channel notice", job.ID)
	}
	c.notify(ctx, job.ChannelID, body)
	return false
}

// cleanupJob removes the job entry and its temp artifact. Deleting an absent
// entry or directory is a no-op, so calling it on every exit path is safe.
func (c *Controller) cleanupJob(job *domain.NotifyJob) {
	if job == nil {
		return
	}
	if err := c.store.Delete(job.ID); err != nil {
		log.Printf("delete job failed job=%s: %v", job.ID, err)
	}
	if strings.TrimSpace(job.LocalPath) != "" {
		_ = os.RemoveAll(filepath.Dir(job.LocalPath))
	}
}

// exportOutcomes writes the per-row outcome workbook next to the artifact,
// uploads it and returns a signed URL. Everything here is best-effort: a
// missing workbook only shortens the report message.
func (c *Controller) exportOutcomes(ctx context.Context, job *domain.NotifyJob, rep *dispatch.Report) string {
	if rep == nil || !c.oss.Enabled() || strings.TrimSpace(job.LocalPath) == "" {
		return ""
	}
	outPath := filepath.Join(filepath.Dir(job.LocalPath), "outcomes.xlsx")
	if err := report.GenerateOutcomeXLSX(rep.Outcomes, outPath); err != nil {
		log.Printf("generate outcome workbook failed job=%s: %v", job.ID, err)
		return ""
	}
	key := c.oss.ObjectKeyForReport(job.ID)
	if err := c.oss.PutReportFile(key, outPath); err != nil {
		log.Printf("upload outcome workbook failed job=%s: %v", job.ID, err)
		return ""
	}
	signed, err := c.oss.SignDownloadURL(key, "outcomes.xlsx")
	if err != nil {
		log.Printf("sign outcome workbook url failed job=%s: %v", job.ID, err)
		return ""
	}
	return signed
}

func (c *Controller) updatePrompt(ctx context.Context, job *domain.NotifyJob, text string) {
	if strings.TrimSpace(job.PromptTS) == "" {
		c.notify(ctx, job.ChannelID, text)
		return
	}
	if err := c.chat.UpdateMessage(ctx, job.ChannelID, job.PromptTS, text); err != nil {
		log.Printf("update prompt failed job=%s: %v", job.ID, err)
		c.notify(ctx, job.ChannelID, text)
	}
}

func (c *Controller) notify(ctx context.Context, channel, text string) {
	if strings.TrimSpace(channel) == "" {
		return
	}
	if _, err := c.chat.PostMessage(ctx, channel, text); err != nil {
		log.Printf("channel notice failed channel=%s: %v", channel, err)
	}
}

// lockJob serializes handlers for one job id. Returns a nil unlock when the
// distributed lock is held elsewhere (caller should no-op).
func (c *Controller) lockJob(ctx context.Context, jobID string) (func(), error) {
	l := c.localAcquire(jobID)
	l.mu.Lock()
	unlockLocal := func() {
		l.mu.Unlock()
		c.localRelease(jobID, l)
	}
	if c.lock == nil {
		return unlockLocal, nil
	}
	token, err := redislock.Token()
	if err != nil {
		unlockLocal()
		return nil, err
	}
	key := c.lock.Key(jobID)
	ok, err := c.lock.Acquire(ctx, key, token, c.lockTTL)
	if err != nil {
		unlockLocal()
		return nil, err
	}
	if !ok {
		unlockLocal()
		return nil, nil
	}
	return func() {
		_, _ = c.lock.Release(context.Background(), key, token)
		unlockLocal()
	}, nil
}

func (c *Controller) localAcquire(jobID string) *jobLock {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	l, ok := c.localLocks[jobID]
	if !ok {
		l = &jobLock{}
		c.localLocks[jobID] = l
	}
	l.refs++
	return l
}

func (c *Controller) localRelease(jobID string, l *jobLock) {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	l.refs--
	if l.refs <= 0 {
		delete(c.localLocks, jobID)
	}
}

func isTabular(meta *chat.FileMeta) bool {
	if meta == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(meta.Filetype)) {
	case "csv", "tsv", "text":
		return true
	}
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(meta.Name)))
	return ext == ".csv" || ext == ".tsv" || ext == ".txt"
}

func displayFileName(meta *chat.FileMeta) string {
	if meta == nil || strings.TrimSpace(meta.Name) == "" {
		return "the uploaded file"
	}
	return strings.TrimSpace(meta.Name)
}

func displayName(job *domain.NotifyJob) string {
	if job == nil || strings.TrimSpace(job.FileName) == "" {
		return "Staged recipients"
	}
	return strings.TrimSpace(job.FileName)
}

func safeBaseName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "upload.csv"
	}
	return filepath.Base(strings.ReplaceAll(name, "\\", "/"))
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func readEnvDurationSecondsDefault(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}
