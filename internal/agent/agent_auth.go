package agent

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/usehatch/hatch/internal/audit"
	"github.com/usehatch/hatch/internal/security"
	ws "github.com/usehatch/hatch/internal/websocket"
)

// handleAuthenticate verifies a client's token under the rate limiter.
// Failures are audited with request context only; the credential value
// never reaches the log.
func (a *Agent) handleAuthenticate(msg *ws.Message) {
	var payload struct {
		Token    string `json:"token"`
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		a.sendError("bad_request", "unparseable authenticate payload")
		return
	}

	clientID := payload.ClientID
	if clientID == "" {
		clientID = msg.ClientID
	}
	if clientID == "" {
		a.sendError("bad_request", "authenticate requires a client id")
		return
	}

	if err := a.limiter.Check(clientID); err != nil {
		var rl *security.ErrRateLimited
		if errors.As(err, &rl) {
			a.auditor.Log(audit.Event{
				Type:   audit.EventRateLimited,
				Level:  audit.LevelWarning,
				UserID: msg.UserID,
				Detail: map[string]string{
					"client_id":      clientID,
					"retry_after_ms": fmt.Sprintf("%d", rl.RetryAfter.Milliseconds()),
				},
			})
			a.authResult(clientID, false, fmt.Sprintf("rate limited, retry in %s", rl.RetryAfter.Round(time.Second)))
			return
		}
		a.authResult(clientID, false, "authentication unavailable")
		return
	}

	expected := a.cfg.GetToken(a.cfg.RelayURL)
	if expected == "" || subtle.ConstantTimeCompare([]byte(payload.Token), []byte(expected)) != 1 {
		a.limiter.RecordFailure(clientID)
		a.auditor.Log(audit.Event{
			Type:   audit.EventAuthFailure,
			Level:  audit.LevelWarning,
			UserID: msg.UserID,
			Detail: map[string]string{
				"client_id": clientID,
				"relay":     a.cfg.RelayURL,
			},
		})
		a.authResult(clientID, false, "invalid token")
		return
	}

	a.limiter.RecordSuccess(clientID)
	a.authedMu.Lock()
	a.authed[clientID] = true
	a.authedMu.Unlock()

	a.auditor.Log(audit.Event{
		Type:   audit.EventAuthSuccess,
		Level:  audit.LevelInfo,
		UserID: msg.UserID,
		Detail: map[string]string{"client_id": clientID},
	})
	log.Printf("🔓 Client %s authenticated", clientID)
	a.authResult(clientID, true, "")
}

func (a *Agent) authResult(clientID string, ok bool, reason string) {
	a.send(ws.MessageTypeAuthResult, map[string]any{
		"client_id": clientID,
		"ok":        ok,
		"reason":    reason,
	})
}

// isAuthenticated reports whether the client passed token auth.
func (a *Agent) isAuthenticated(clientID string) bool {
	a.authedMu.RLock()
	defer a.authedMu.RUnlock()
	return a.authed[clientID]
}

// requireAuth is the guard every privileged handler calls first.
func (a *Agent) requireAuth(msg *ws.Message) bool {
	if a.isAuthenticated(msg.ClientID) {
		return true
	}
	a.sendError("unauthorized", "authenticate first")
	return false
}
