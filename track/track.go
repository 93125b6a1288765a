// Package track owns the two expiring key-value sets around dispatch:
// sent-message acknowledgment entries and the processed-artifact set used
// for duplicate suppression. Both are bounded by the same TTL window.
package track

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is the value stored per outbound message: who the notification was
// addressed to, and where the acknowledgment notice should fall back to.
type Entry struct {
	EmployeeID string `json:"employeeId"`
	Name       string `json:"name"`
	ChannelID  string `json:"channelId"`
}

// SentTracker maps outbound message identifiers to their intended recipient.
//
// Resolve succeeds only when the reacting user matches the stored recipient;
// on success the entry is consumed (deleted) so a second identical reaction
// is a no-op. Expired entries behave as absent.
type SentTracker interface {
	Record(ctx context.Context, messageTS string, e Entry) error
	Resolve(ctx context.Context, messageTS, reactingUser string) (Entry, bool, error)
}

// ProcessedSet records artifact identifiers that have been fully dispatched,
// so a re-delivered file-shared signal for the same artifact is ignored.
type ProcessedSet interface {
	Mark(ctx context.Context, fileID string) error
	Contains(ctx context.Context, fileID string) (bool, error)
}

// TrackTTL bounds the lifetime of ack entries and processed markers.
func TrackTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("NOTIFY_TRACK_TTL_SECONDS"))
	if raw == "" {
		return 12 * time.Hour
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(n) * time.Second
}

// --- Redis implementations ---

// consumeScript deletes the key only if it still holds the exact value the
// caller just read, so concurrent duplicate reactions consume at most once.
var consumeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

type RedisSentTracker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSentTracker(rdb *redis.Client, ttl time.Duration) *RedisSentTracker {
	if ttl <= 0 {
		ttl = TrackTTL()
	}
	return &RedisSentTracker{rdb: rdb, prefix: "pn:sent:", ttl: ttl}
}

func (t *RedisSentTracker) key(ts string) string { return t.prefix + strings.TrimSpace(ts) }

func (t *RedisSentTracker) Record(ctx context.Context, messageTS string, e Entry) error {
	if t == nil || t.rdb == nil {
		return errors.New("sent tracker not initialized")
	}
	messageTS = strings.TrimSpace(messageTS)
	if messageTS == "" || strings.TrimSpace(e.EmployeeID) == "" {
		return errors.New("messageTS/recipient empty")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return t.rdb.Set(ctx, t.key(messageTS), b, t.ttl).Err()
}

func (t *RedisSentTracker) Resolve(ctx context.Context, messageTS, reactingUser string) (Entry, bool, error) {
	if t == nil || t.rdb == nil {
		return Entry{}, false, errors.New("sent tracker not initialized")
	}
	messageTS = strings.TrimSpace(messageTS)
	reactingUser = strings.TrimSpace(reactingUser)
	if messageTS == "" || reactingUser == "" {
		return Entry{}, false, nil
	}
	key := t.key(messageTS)
	val, err := t.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return Entry{}, false, err
	}
	// Only the addressed recipient's acknowledgment counts; a mismatch
	// leaves the entry untouched.
	if e.EmployeeID != reactingUser {
		return Entry{}, false, nil
	}
	n, err := consumeScript.Run(ctx, t.rdb, []string{key}, val).Int64()
	if err != nil {
		return Entry{}, false, err
	}
	if n != 1 {
		// Lost the race to a concurrent identical reaction.
		return Entry{}, false, nil
	}
	return e, true, nil
}

type RedisProcessedSet struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisProcessedSet(rdb *redis.Client, ttl time.Duration) *RedisProcessedSet {
	if ttl <= 0 {
		ttl = TrackTTL()
	}
	return &RedisProcessedSet{rdb: rdb, prefix: "pn:processed:", ttl: ttl}
}

func (p *RedisProcessedSet) key(fileID string) string { return p.prefix + strings.TrimSpace(fileID) }

func (p *RedisProcessedSet) Mark(ctx context.Context, fileID string) error {
	if p == nil || p.rdb == nil {
		return errors.New("processed set not initialized")
	}
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return errors.New("fileID empty")
	}
	return p.rdb.SetNX(ctx, p.key(fileID), "1", p.ttl).Err()
}

func (p *RedisProcessedSet) Contains(ctx context.Context, fileID string) (bool, error) {
	if p == nil || p.rdb == nil {
		return false, errors.New("processed set not initialized")
	}
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return false, nil
	}
	n, err := p.rdb.Exists(ctx, p.key(fileID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- In-memory implementations (single-process runs and tests) ---

type memEntry struct {
	entry    Entry
	expireAt time.Time
}

type MemorySentTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memEntry
}

func NewMemorySentTracker(ttl time.Duration) *MemorySentTracker {
	if ttl <= 0 {
		ttl = TrackTTL()
	}
	return &MemorySentTracker{ttl: ttl, entries: make(map[string]memEntry)}
}

func (t *MemorySentTracker) Record(ctx context.Context, messageTS string, e Entry) error {
	messageTS = strings.TrimSpace(messageTS)
	if messageTS == "" || strings.TrimSpace(e.EmployeeID) == "" {
		return errors.New("messageTS/recipient empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()
	t.entries[messageTS] = memEntry{entry: e, expireAt: time.Now().Add(t.ttl)}
	return nil
}

func (t *MemorySentTracker) Resolve(ctx context.Context, messageTS, reactingUser string) (Entry, bool, error) {
	messageTS = strings.TrimSpace(messageTS)
	reactingUser = strings.TrimSpace(reactingUser)
	t.mu.Lock()
	defer t.mu.Unlock()
	me, ok := t.entries[messageTS]
	if !ok || time.Now().After(me.expireAt) {
		delete(t.entries, messageTS)
		return Entry{}, false, nil
	}
	if me.entry.EmployeeID != reactingUser {
		return Entry{}, false, nil
	}
	delete(t.entries, messageTS)
	return me.entry, true, nil
}

// sweepLocked drops expired entries opportunistically on writes, bounding
// memory without a dedicated timer per entry.
func (t *MemorySentTracker) sweepLocked() {
	now := time.Now()
	for k, v := range t.entries {
		if now.After(v.expireAt) {
			delete(t.entries, k)
		}
	}
}

type MemoryProcessedSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	marks map[string]time.Time
}

func NewMemoryProcessedSet(ttl time.Duration) *MemoryProcessedSet {
	if ttl <= 0 {
		ttl = TrackTTL()
	}
	return &MemoryProcessedSet{ttl: ttl, marks: make(map[string]time.Time)}
}

func (p *MemoryProcessedSet) Mark(ctx context.Context, fileID string) error {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return errors.New("fileID empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for k, exp := range p.marks {
		if now.After(exp) {
			delete(p.marks, k)
		}
	}
	if _, ok := p.marks[fileID]; !ok {
		p.marks[fileID] = now.Add(p.ttl)
	}
	return nil
}

func (p *MemoryProcessedSet) Contains(ctx context.Context, fileID string) (bool, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.marks[fileID]
	if !ok {
		return false, nil
	}
	if time.Now().After(exp) {
		delete(p.marks, fileID)
		return false, nil
	}
	return true, nil
}
