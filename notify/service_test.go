package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"notifybot/streamq"
)

type fakeQueue struct {
	mu     sync.Mutex
	events []streamq.FileEvent
	err    error
}

func (q *fakeQueue) Enqueue(ctx context.Context, ev streamq.FileEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, ev)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeQueue, *fakeChat) {
	t.Helper()
	fc := newFakeChat()
	ctl, _, _ := newTestController(t, fc)
	q := &fakeQueue{}
	mux := http.NewServeMux()
	NewService(ctl, q).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, q, fc
}

func TestEventsFileSharedEnqueues(t *testing.T) {
	srv, q, _ := newTestServer(t)

	body := `{"type":"event_callback","event":{"type":"file_shared","file_id":"F1","channel_id":"C1","user_id":"UX"}}`
	resp, err := http.Post(srv.URL+"/chat/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) != 1 || q.events[0].FileID != "F1" || q.events[0].UserID != "UX" {
		t.Fatalf("events=%v", q.events)
	}
}

func TestEventsURLVerificationEchoesChallenge(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{"type":"url_verification","challenge":"ch-123"}`
	resp, err := http.Post(srv.URL+"/chat/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	if !strings.Contains(string(buf[:n]), "ch-123") {
		t.Fatalf("body=%q", string(buf[:n]))
	}
}

func TestActionsUnknownActionRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{"action_id":"explode","job_id":"job_x","user_id":"UX"}`
	resp, err := http.Post(srv.URL+"/chat/actions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestActionsConfirmAbsentJobStillOK(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{"action_id":"confirm","job_id":"job_missing","user_id":"UX"}`
	resp, err := http.Post(srv.URL+"/chat/actions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestEventsMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/chat/events")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
