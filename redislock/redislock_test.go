package redislock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLock(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, "pn:lock:notifyjob:")
}

func TestAcquireIsExclusive(t *testing.T) {
	c := newTestLock(t)
	ctx := context.Background()
	key := c.Key("job_F1")

	tok1, err := Token()
	if err != nil {
		t.Fatal(err)
	}
	ok, err := c.Acquire(ctx, key, tok1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire ok=%v err=%v", ok, err)
	}

	tok2, _ := Token()
	ok, err = c.Acquire(ctx, key, tok2, time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire should fail, ok=%v err=%v", ok, err)
	}
}

func TestReleaseOnlyWithOwnToken(t *testing.T) {
	c := newTestLock(t)
	ctx := context.Background()
	key := c.Key("job_F1")

	tok1, _ := Token()
	if ok, _ := c.Acquire(ctx, key, tok1, time.Minute); !ok {
		t.Fatalf("acquire failed")
	}

	// Foreign token must not release the lock.
	tok2, _ := Token()
	if ok, _ := c.Release(ctx, key, tok2); ok {
		t.Fatalf("foreign token released the lock")
	}
	if ok, _ := c.Release(ctx, key, tok1); !ok {
		t.Fatalf("owner token failed to release")
	}

	// Lock is free again.
	if ok, _ := c.Acquire(ctx, key, tok2, time.Minute); !ok {
		t.Fatalf("reacquire after release failed")
	}
}

func TestRefresh(t *testing.T) {
	c := newTestLock(t)
	ctx := context.Background()
	key := c.Key("job_F1")

	tok, _ := Token()
	if ok, _ := c.Acquire(ctx, key, tok, time.Minute); !ok {
		t.Fatalf("acquire failed")
	}
	if ok, err := c.Refresh(ctx, key, tok, time.Minute); err != nil || !ok {
		t.Fatalf("refresh ok=%v err=%v", ok, err)
	}
	other, _ := Token()
	if ok, _ := c.Refresh(ctx, key, other, time.Minute); ok {
		t.Fatalf("foreign token refreshed the lock")
	}
}
