package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mockmate-ai/mockmate/session"
	"github.com/mockmate-ai/mockmate/store"
)

var callWSUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	// Clients only send pings and close frames on this socket.
	callWSMaxClientMessage = 1024
	callWSPushInterval     = time.Second
	callWSWriteTimeout     = 5 * time.Second
)

// callTick is one frame of the in-call HUD stream.
type callTick struct {
	session.Snapshot
	RemainingMinutes int  `json:"remaining_minutes"`
	Unlimited        bool `json:"unlimited"`
	Ended            bool `json:"ended,omitempty"`
}

// handleCallWS streams the live call snapshot and remaining balance once per
// second. The stream closes when the call ends, locally or via depletion.
func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on WebSocket dials, so the token also
	// travels as a query parameter.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = r.Header.Get("Authorization")
		if strings.HasPrefix(tokenStr, "Bearer ") {
			tokenStr = tokenStr[7:]
		}
	}
	if tokenStr == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := callWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("call ws: upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(callWSMaxClientMessage)

	s.logger.Info("call ws: connected", "user", identity.Username)

	// Reader goroutine detects client disconnect.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(callWSPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			s.logger.Info("call ws: disconnected", "user", identity.Username)
			return
		case <-ticker.C:
			tick, ok := s.buildCallTick(r, identity.UserID)
			_ = conn.SetWriteDeadline(time.Now().Add(callWSWriteTimeout))
			if err := conn.WriteJSON(tick); err != nil {
				return
			}
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
				return
			}
		}
	}
}

// buildCallTick assembles one stream frame. ok is false once the call is gone,
// which ends the stream after a final frame flagged Ended.
func (s *Server) buildCallTick(r *http.Request, userID string) (callTick, bool) {
	snap, active := s.tracker.Snapshot(userID)
	tick := callTick{Snapshot: snap}

	if !active {
		tick.Ended = true
		return tick, false
	}

	acct, err := s.wallet.Balance(r.Context(), userID)
	if err == nil {
		if acct.WalletMinutes == store.LegacyUnlimited {
			tick.Unlimited = true
		} else {
			tick.RemainingMinutes = acct.WalletMinutes
		}
	}
	return tick, true
}
