package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"notifybot/domain"
)

// NotifyJobStore is the shared state store for staged notification jobs.
//
// Only the lifecycle controller creates or deletes entries. A missing entry
// means "no job" — already confirmed, cancelled, expired, or never staged —
// and callers treat that as a no-op, not an error. Create overwrites any
// existing entry for the same id (last write wins on re-staging).
type NotifyJobStore interface {
	Create(job *domain.NotifyJob) error
	Get(id string) (*domain.NotifyJob, bool, error)
	Update(id string, fn func(j *domain.NotifyJob)) (*domain.NotifyJob, bool, error)
	Delete(id string) error
}

type InMemoryNotifyJobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.NotifyJob
}

func NewInMemoryNotifyJobStore() *InMemoryNotifyJobStore {
	return &InMemoryNotifyJobStore{jobs: make(map[string]*domain.NotifyJob)}
}

func (s *InMemoryNotifyJobStore) Create(job *domain.NotifyJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job/id empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *InMemoryNotifyJobStore) Get(id string) (*domain.NotifyJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j == nil {
		return nil, false, nil
	}
	// Return a copy to avoid accidental mutation/data races outside the lock.
	cp := *j
	return &cp, true, nil
}

func (s *InMemoryNotifyJobStore) Update(id string, fn func(j *domain.NotifyJob)) (*domain.NotifyJob, bool, error) {
	if fn == nil {
		return nil, false, errors.New("update fn nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, nil
	}
	fn(j)
	cp := *j
	return &cp, true, nil
}

func (s *InMemoryNotifyJobStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// jobRecord is the persisted shape. Unlike the in-memory copy it includes the
// artifact locations so the worker and receiver pods see the same job.
type jobRecord struct {
	ID        string           `json:"id"`
	Status    domain.JobStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`

	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`

	FileID         string `json:"fileId"`
	FileName       string `json:"fileName"`
	LocalPath      string `json:"localPath,omitempty"`
	ArtifactOSSKey string `json:"artifactOssKey,omitempty"`

	PromptTS string       `json:"promptTs,omitempty"`
	Rows     []domain.Row `json:"rows"`
}

func recordFromJob(j *domain.NotifyJob) jobRecord {
	if j == nil {
		return jobRecord{}
	}
	return jobRecord{
		ID:             j.ID,
		Status:         j.Status,
		CreatedAt:      j.CreatedAt,
		ChannelID:      j.ChannelID,
		UserID:         j.UserID,
		FileID:         j.FileID,
		FileName:       j.FileName,
		LocalPath:      j.LocalPath,
		ArtifactOSSKey: j.ArtifactOSSKey,
		PromptTS:       j.PromptTS,
		Rows:           j.Rows,
	}
}

func jobFromRecord(r jobRecord) *domain.NotifyJob {
	return &domain.NotifyJob{
		ID:             r.ID,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
		ChannelID:      r.ChannelID,
		UserID:         r.UserID,
		FileID:         r.FileID,
		FileName:       r.FileName,
		LocalPath:      r.LocalPath,
		ArtifactOSSKey: r.ArtifactOSSKey,
		PromptTS:       r.PromptTS,
		Rows:           r.Rows,
	}
}

type RedisNotifyJobStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func readRedisDB() int {
	raw := strings.TrimSpace(os.Getenv("REDIS_DB"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// JobTTL is both the persistence window and the staged-job expiration: a job
// nobody confirms or cancels simply ages out of redis.
func JobTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("NOTIFY_JOB_TTL_SECONDS"))
	if raw == "" {
		return 12 * time.Hour
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(n) * time.Second
}

func NewRedisNotifyJobStore(addr, password string) (*RedisNotifyJobStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("REDIS_ADDR empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(password),
		DB:       readRedisDB(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("notify job store: redis enabled addr=%s db=%d ttl=%s", addr, readRedisDB(), JobTTL())

	return &RedisNotifyJobStore{
		rdb:       rdb,
		keyPrefix: "pn:notifyjob:",
		ttl:       JobTTL(),
	}, nil
}

// NewRedisNotifyJobStoreWithClient wraps an existing client (tests, shared pools).
func NewRedisNotifyJobStoreWithClient(rdb *redis.Client, ttl time.Duration) *RedisNotifyJobStore {
	if ttl <= 0 {
		ttl = JobTTL()
	}
	return &RedisNotifyJobStore{rdb: rdb, keyPrefix: "pn:notifyjob:", ttl: ttl}
}

func (s *RedisNotifyJobStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisNotifyJobStore) Create(job *domain.NotifyJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job/id empty")
	}
	b, err := json.Marshal(recordFromJob(job))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Plain SET: re-staging the same artifact overwrites the previous entry.
	return s.rdb.Set(ctx, s.key(job.ID), b, s.ttl).Err()
}

func (s *RedisNotifyJobStore) Get(id string) (*domain.NotifyJob, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec jobRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, err
	}
	return jobFromRecord(rec), true, nil
}

func (s *RedisNotifyJobStore) Update(id string, fn func(j *domain.NotifyJob)) (*domain.NotifyJob, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn nil")
	}

	key := s.key(id)

	var out *domain.NotifyJob
	var ok bool

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			var rec jobRecord
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				return err
			}
			j := jobFromRecord(rec)
			fn(j)
			out = j
			ok = true

			nb, err := json.Marshal(recordFromJob(j))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis update retry exceeded")
}

func (s *RedisNotifyJobStore) Delete(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Deleting an already-absent entry is a no-op by design.
	return s.rdb.Del(ctx, s.key(id)).Err()
}
