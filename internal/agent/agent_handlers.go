package agent

import (
	"encoding/json"
	"log"

	ws "github.com/usehatch/hatch/internal/websocket"
)

// handleMessage routes incoming relay messages to the right handler.
func (a *Agent) handleMessage(msg *ws.Message) {
	// Skip logging for high-frequency messages to reduce noise
	if msg.Type != ws.MessageTypePresence {
		log.Printf("Handling message of type: %s", msg.Type)
	}

	switch msg.Type {
	case ws.MessageTypeAuthenticate:
		a.handleAuthenticate(msg)

	// Session lifecycle
	case ws.MessageTypeCreateSession:
		a.handleCreateSession(msg)
	case ws.MessageTypePauseSession:
		a.handlePauseSession(msg)
	case ws.MessageTypeResumeSession:
		a.handleResumeSession(msg)
	case ws.MessageTypeCompleteSession:
		a.handleCompleteSession(msg)
	case ws.MessageTypeListSessions:
		a.handleListSessions(msg)
	case ws.MessageTypeResetSession:
		a.handleResetSession(msg)

	// Execution
	case ws.MessageTypeExecute:
		a.handleExecute(msg)
	case ws.MessageTypeInterrupt:
		a.handleInterrupt(msg)

	case ws.MessageTypeListAdapters:
		a.handleListAdapters(msg)

	// System messages
	case ws.MessageTypeError:
		a.handleErrorMessage(msg)
	case ws.MessageTypePresence:
		a.handlePresenceUpdate(msg)

	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}

// handleErrorMessage handles error messages from the relay server.
func (a *Agent) handleErrorMessage(msg *ws.Message) {
	var payload struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Printf("⚠️ Received error from relay (unparseable payload): %s", string(msg.Payload))
		return
	}

	errorMsg := payload.Error
	if errorMsg == "" {
		errorMsg = payload.Message
	}
	log.Printf("⚠️ Error from relay server: %s (code: %s)", errorMsg, payload.Code)
}

// handlePresenceUpdate tracks whether any web client is listening.
func (a *Agent) handlePresenceUpdate(msg *ws.Message) {
	var payload struct {
		DeviceType string `json:"device_type"`
		Online     bool   `json:"online"`
	}

	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Printf("⚠️ Failed to parse presence payload: %v", err)
		return
	}

	if payload.DeviceType != "web" {
		return
	}

	a.presenceMu.Lock()
	changed := a.webOnline != payload.Online
	a.webOnline = payload.Online
	a.presenceMu.Unlock()

	if changed {
		if payload.Online {
			log.Println("🌐 Web client connected")
		} else {
			log.Println("🌐 Web client disconnected")
		}
	}
}

// hasActiveClients reports whether any client is listening for output.
func (a *Agent) hasActiveClients() bool {
	a.presenceMu.RLock()
	defer a.presenceMu.RUnlock()
	return a.webOnline
}

// send marshals a payload and sends it to the relay.
func (a *Agent) send(msgType ws.MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("⚠️ Failed to marshal %s payload: %v", msgType, err)
		return
	}

	err = a.wsClient.SendMessage(&ws.Message{
		UserID:     a.cfg.UserID,
		DeviceType: "desktop",
		Type:       msgType,
		Payload:    data,
	})
	if err != nil {
		log.Printf("⚠️ Failed to send %s: %v", msgType, err)
	}
}

// sendError reports an operation failure back to the requesting client.
func (a *Agent) sendError(code, message string) {
	a.send(ws.MessageTypeError, map[string]string{
		"code":  code,
		"error": message,
	})
}
