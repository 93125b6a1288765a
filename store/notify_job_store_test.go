package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"notifybot/domain"
)

func newTestRedisStore(t *testing.T) (*RedisNotifyJobStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisNotifyJobStoreWithClient(rdb, time.Hour), mr
}

func sampleJob(id string) *domain.NotifyJob {
	return &domain.NotifyJob{
		ID:        id,
		Status:    domain.JobStatusStaged,
		CreatedAt: time.Now().UTC(),
		ChannelID: "C1",
		UserID:    "U1",
		FileID:    "F1",
		FileName:  "payroll.csv",
		Rows: []domain.Row{
			{EmployeeID: "E1", Name: "Alice", Amount: "5000", Absences: "0", HolidaysWorked: "2"},
		},
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s, _ := newTestRedisStore(t)

	if err := s.Create(sampleJob("job_F1")); err != nil {
		t.Fatalf("Create err=%v", err)
	}
	j, ok, err := s.Get("job_F1")
	if err != nil || !ok {
		t.Fatalf("Get ok=%v err=%v", ok, err)
	}
	if j.UserID != "U1" || len(j.Rows) != 1 || j.Rows[0].Name != "Alice" {
		t.Fatalf("unexpected job: %+v", j)
	}
}

func TestRedisStoreGetAbsent(t *testing.T) {
	s, _ := newTestRedisStore(t)
	_, ok, err := s.Get("job_missing")
	if err != nil || ok {
		t.Fatalf("expected absent, ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreCreateOverwrites(t *testing.T) {
	s, _ := newTestRedisStore(t)
	first := sampleJob("job_F1")
	first.UserID = "U1"
	if err := s.Create(first); err != nil {
		t.Fatal(err)
	}
	second := sampleJob("job_F1")
	second.UserID = "U2"
	if err := s.Create(second); err != nil {
		t.Fatal(err)
	}
	j, ok, _ := s.Get("job_F1")
	if !ok || j.UserID != "U2" {
		t.Fatalf("last write should win: %+v", j)
	}
}

func TestRedisStoreUpdateAndDelete(t *testing.T) {
	s, _ := newTestRedisStore(t)
	if err := s.Create(sampleJob("job_F1")); err != nil {
		t.Fatal(err)
	}

	j, ok, err := s.Update("job_F1", func(j *domain.NotifyJob) {
		j.Status = domain.JobStatusDispatching
		j.PromptTS = "171717.001"
	})
	if err != nil || !ok {
		t.Fatalf("Update ok=%v err=%v", ok, err)
	}
	if j.Status != domain.JobStatusDispatching || j.PromptTS != "171717.001" {
		t.Fatalf("unexpected updated job: %+v", j)
	}

	if err := s.Delete("job_F1"); err != nil {
		t.Fatalf("Delete err=%v", err)
	}
	if _, ok, _ := s.Get("job_F1"); ok {
		t.Fatalf("job should be gone")
	}
	// Deleting an absent entry is a no-op.
	if err := s.Delete("job_F1"); err != nil {
		t.Fatalf("second Delete err=%v", err)
	}
}

func TestRedisStoreUpdateAbsent(t *testing.T) {
	s, _ := newTestRedisStore(t)
	_, ok, err := s.Update("job_missing", func(j *domain.NotifyJob) { j.Status = domain.JobStatusCompleted })
	if err != nil || ok {
		t.Fatalf("expected absent update no-op, ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreEntriesExpire(t *testing.T) {
	s, mr := newTestRedisStore(t)
	if err := s.Create(sampleJob("job_F1")); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Hour)
	if _, ok, _ := s.Get("job_F1"); ok {
		t.Fatalf("staged job should have expired")
	}
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryNotifyJobStore()
	if err := s.Create(sampleJob("job_F1")); err != nil {
		t.Fatal(err)
	}
	j, ok, _ := s.Get("job_F1")
	if !ok || j.FileID != "F1" {
		t.Fatalf("unexpected job: %+v", j)
	}
	// Returned copy must not alias the stored job.
	j.UserID = "U9"
	j2, _, _ := s.Get("job_F1")
	if j2.UserID != "U1" {
		t.Fatalf("Get must return a copy")
	}
	if err := s.Delete("job_F1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get("job_F1"); ok {
		t.Fatalf("job should be gone")
	}
}
