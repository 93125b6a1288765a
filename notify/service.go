package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"notifybot/streamq"
)

// Service is the thin HTTP boundary in front of the controller: it decodes
// platform callbacks and hands them off. File-shared signals go through the
// stream queue so staging runs on the worker; actions and reactions are
// handled in-process.
type Service struct {
	ctl   *Controller
	queue streamq.FileEventQueue
}

func NewService(ctl *Controller, queue streamq.FileEventQueue) *Service {
	return &Service{ctl: ctl, queue: queue}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/chat/events", s.handleEvents)
	mux.HandleFunc("/chat/actions", s.handleActions)
}

type inboundEvent struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge,omitempty"`
	Event     struct {
		Type      string `json:"type"`
		FileID    string `json:"file_id"`
		ChannelID string `json:"channel_id"`
		UserID    string `json:"user_id"`
		Reaction  string `json:"reaction"`
		User      string `json:"user"`
		Item      struct {
			TS string `json:"ts"`
		} `json:"item"`
	} `json:"event"`
}

type inboundAction struct {
	ActionID     string `json:"action_id"`
	JobID        string `json:"job_id"`
	UserID       string `json:"user_id"`
	TriggerToken string `json:"trigger_id"`
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ev inboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	// Endpoint ownership handshake.
	if strings.EqualFold(ev.Type, "url_verification") {
		writeJSON(w, http.StatusOK, map[string]interface{}{"challenge": ev.Challenge})
		return
	}

	switch ev.Event.Type {
	case "file_shared":
		if s.queue == nil {
			http.Error(w, "queue not configured", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		err := s.queue.Enqueue(ctx, streamq.FileEvent{
			FileID:    ev.Event.FileID,
			ChannelID: ev.Event.ChannelID,
			UserID:    ev.Event.UserID,
		})
		if err != nil {
			http.Error(w, "enqueue failed", http.StatusBadGateway)
			return
		}
	case "reaction_added":
		// Errors here are transient store hiccups; the platform's retry of
		// the whole event would double-handle everything else, so log only.
		if err := s.ctl.HandleReaction(r.Context(), ev.Event.Reaction, ev.Event.Item.TS, ev.Event.User); err != nil {
			log.Printf("handle reaction failed ts=%s: %v", ev.Event.Item.TS, err)
		}
	default:
		// other event types are none of our business
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Service) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var act inboundAction
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	var err error
	switch strings.TrimSpace(act.ActionID) {
	case "confirm":
		err = s.ctl.Confirm(r.Context(), act.JobID, act.UserID, act.TriggerToken)
	case "cancel":
		err = s.ctl.Cancel(r.Context(), act.JobID, act.UserID, act.TriggerToken)
	case "preview":
		s.ctl.Preview(r.Context(), act.JobID, act.TriggerToken)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
