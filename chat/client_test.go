package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestPostMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["channel"] != "C1" {
			t.Errorf("unexpected channel %v", body["channel"])
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "ts": "1717.001"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	ts, err := c.PostMessage(context.Background(), "C1", "hello")
	if err != nil {
		t.Fatalf("PostMessage err=%v", err)
	}
	if ts != "1717.001" {
		t.Fatalf("ts=%q", ts)
	}
}

func TestPostMessageAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "error": "channel_not_found"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	if _, err := c.PostMessage(context.Background(), "C1", "hello"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFileInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok": true,
			"file": map[string]interface{}{
				"id":                   "F1",
				"name":                 "payroll.csv",
				"filetype":             "csv",
				"url_private_download": "https://files.example/f1",
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	meta, err := c.FileInfo(context.Background(), "F1")
	if err != nil {
		t.Fatalf("FileInfo err=%v", err)
	}
	if meta.Filetype != "csv" || meta.DownloadURL == "" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
}

func TestDownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		_, _ = w.Write([]byte("employee_id,name\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	dest := filepath.Join(t.TempDir(), "jobs", "f1.csv")
	if err := c.DownloadFile(context.Background(), srv.URL+"/f1", dest); err != nil {
		t.Fatalf("DownloadFile err=%v", err)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "employee_id,name\n" {
		t.Fatalf("unexpected content %q", b)
	}
}

func TestDownloadFileNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	dest := filepath.Join(t.TempDir(), "f1.csv")
	if err := c.DownloadFile(context.Background(), srv.URL+"/f1", dest); err == nil {
		t.Fatalf("expected error on 403")
	}
}

func TestUpdateMessage(t *testing.T) {
	var gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotTS, _ = body["ts"].(string)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	if err := c.UpdateMessage(context.Background(), "C1", "1717.001", "updated"); err != nil {
		t.Fatalf("UpdateMessage err=%v", err)
	}
	if gotTS != "1717.001" {
		t.Fatalf("ts not sent, got %q", gotTS)
	}
}
