// Package chat is the boundary client for the chat platform: file metadata,
// authenticated downloads, message post/update and modal presentation. The
// core pipeline only ever talks to the platform through this package.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Client struct {
	apiBase string
	token   string
	hc      *http.Client
}

// NewFromEnv builds a client from CHAT_API_BASE / CHAT_BOT_TOKEN.
func NewFromEnv() (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(os.Getenv("CHAT_API_BASE")), "/")
	token := strings.TrimSpace(os.Getenv("CHAT_BOT_TOKEN"))
	if base == "" {
		return nil, errors.New("CHAT_API_BASE empty")
	}
	if token == "" {
		return nil, errors.New("CHAT_BOT_TOKEN empty")
	}
	return New(base, token), nil
}

func New(apiBase, token string) *Client {
	return &Client{
		apiBase: strings.TrimRight(strings.TrimSpace(apiBase), "/"),
		token:   strings.TrimSpace(token),
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
}

// FileMeta is the subset of artifact metadata the pipeline cares about.
type FileMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Filetype    string `json:"filetype"`
	DownloadURL string `json:"url_private_download"`
}

type apiEnvelope struct {
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
	TS    string    `json:"ts,omitempty"`
	File  *FileMeta `json:"file,omitempty"`
}

// FileInfo fetches the declared type and download locator for an artifact.
func (c *Client) FileInfo(ctx context.Context, fileID string) (*FileMeta, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, errors.New("fileID empty")
	}
	var env apiEnvelope
	if err := c.call(ctx, "files.info", map[string]interface{}{"file": fileID}, &env); err != nil {
		return nil, err
	}
	if env.File == nil {
		return nil, errors.New("files.info: empty file payload")
	}
	return env.File, nil
}

// DownloadFile streams the artifact behind url into destPath using the bot
// bearer credential. Non-2xx responses are fatal for the staging attempt.
func (c *Client) DownloadFile(ctx context.Context, url, destPath string) error {
	if c == nil || c.hc == nil {
		return errors.New("chat client not initialized")
	}
	url = strings.TrimSpace(url)
	destPath = strings.TrimSpace(destPath)
	if url == "" || destPath == "" {
		return errors.New("url/destPath empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download failed: status %d", resp.StatusCode)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(f, resp.Body)
	return err
}

// PostMessage sends text to a channel or user and returns the platform
// message identifier.
func (c *Client) PostMessage(ctx context.Context, channel, text string) (string, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return "", errors.New("channel empty")
	}
	var env apiEnvelope
	err := c.call(ctx, "chat.postMessage", map[string]interface{}{
		"channel": channel,
		"text":    text,
	}, &env)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(env.TS) == "" {
		return "", errors.New("chat.postMessage: empty ts")
	}
	return env.TS, nil
}

// UpdateMessage replaces a previously sent message in place.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	channel = strings.TrimSpace(channel)
	ts = strings.TrimSpace(ts)
	if channel == "" || ts == "" {
		return errors.New("channel/ts empty")
	}
	var env apiEnvelope
	return c.call(ctx, "chat.update", map[string]interface{}{
		"channel": channel,
		"ts":      ts,
		"text":    text,
	}, &env)
}

// OpenModal opens a transient view off a trigger token. Callers log failures
// instead of escalating them: a missed modal never blocks the pipeline.
func (c *Client) OpenModal(ctx context.Context, triggerToken, title, body string) error {
	triggerToken = strings.TrimSpace(triggerToken)
	if triggerToken == "" {
		return errors.New("trigger token empty")
	}
	var env apiEnvelope
	return c.call(ctx, "views.open", map[string]interface{}{
		"trigger_id": triggerToken,
		"title":      title,
		"text":       body,
	}, &env)
}

func (c *Client) call(ctx context.Context, method string, payload map[string]interface{}, out *apiEnvelope) error {
	if c == nil || c.hc == nil {
		return errors.New("chat client not initialized")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !out.OK {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Errorf("%s: %s", method, msg)
	}
	return nil
}
