package api

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mockmate-ai/mockmate/session"
)

// Voice provider event types.
const (
	voiceEventCallStarted = "call.started"
	voiceEventCallEnded   = "call.ended"
)

type voiceEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	CallID string `json:"call_id"`
}

// handleVoiceEvents receives call lifecycle signals from the voice provider
// and drives the session tracker. Authentication is a shared secret header;
// the provider cannot hold user bearer tokens.
func (s *Server) handleVoiceEvents(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Webhook-Secret")
	if secret == "" || !hmac.Equal([]byte(secret), []byte(s.voiceSecret)) {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var ev voiceEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ev.UserID == "" || ev.CallID == "" {
		writeError(w, http.StatusBadRequest, "user_id and call_id are required")
		return
	}

	switch ev.Type {
	case voiceEventCallStarted:
		err := s.tracker.Start(r.Context(), ev.UserID, ev.CallID)
		switch {
		case errors.Is(err, session.ErrInsufficientBalance):
			// Tell the provider to refuse the call; this is not a delivery failure.
			writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "reason": "insufficient_balance"})
			return
		case errors.Is(err, session.ErrCallActive):
			writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "reason": "call_active"})
			return
		case err != nil:
			s.logger.Error("voice event: start failed", "user_id", ev.UserID, "call_id", ev.CallID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to start call")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})

	case voiceEventCallEnded:
		err := s.tracker.End(r.Context(), ev.UserID)
		if err != nil && !errors.Is(err, session.ErrNoActiveCall) {
			s.logger.Error("voice event: end failed", "user_id", ev.UserID, "call_id", ev.CallID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to end call")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})

	default:
		// Unknown event kinds are acknowledged so the provider stops retrying.
		s.logger.Info("voice event ignored", "type", ev.Type)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}
