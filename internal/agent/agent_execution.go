package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/usehatch/hatch/internal/adapter"
	"github.com/usehatch/hatch/internal/security"
	ws "github.com/usehatch/hatch/internal/websocket"
)

// handleExecute runs a command through an adapter under the session's
// security context and fans the output stream out as relay messages.
func (a *Agent) handleExecute(msg *ws.Message) {
	if !a.requireAuth(msg) {
		return
	}

	var payload struct {
		SessionID   string `json:"session_id"`
		Adapter     string `json:"adapter"`
		Command     string `json:"command"`
		WorkingDir  string `json:"working_dir"`
		TimeoutMS   int    `json:"timeout_ms"`
		Interactive bool   `json:"interactive"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		a.sendError("bad_request", "unparseable execute payload")
		return
	}

	sec, ok := a.contexts.GetSessionSecurity(payload.SessionID)
	if !ok {
		a.sendError("unknown_session", "no security context for session "+payload.SessionID)
		return
	}
	if !sec.Has(security.PermSessionExecute) {
		a.sendError("forbidden", "session lacks session:execute")
		return
	}

	a.tracker.Touch(sec.SessionID, sec.UserID, "", sec.DangerousMode)
	if err := a.tracker.Authorize(sec.SessionID, security.ActionExecute); err != nil {
		var blocked *security.ErrSessionBlocked
		if errors.As(err, &blocked) {
			a.sendError("session_blocked", blocked.Error())
			return
		}
		a.sendError("forbidden", err.Error())
		return
	}

	ad, ok := a.registry.Get(payload.Adapter)
	if !ok {
		a.sendError("unknown_adapter", "adapter not registered: "+payload.Adapter)
		return
	}

	workDir := payload.WorkingDir
	if s, ok := a.sessions.Get(payload.SessionID); ok && workDir == "" {
		workDir = s.WorkingPath()
	}

	opts := adapter.ExecuteOptions{
		WorkingDirectory: workDir,
		Interactive:      payload.Interactive,
		Security:         sec,
	}
	if payload.TimeoutMS > 0 {
		opts.Timeout = time.Duration(payload.TimeoutMS) * time.Millisecond
	}

	handle, err := ad.Execute(context.Background(), payload.Command, opts)
	if err != nil {
		log.Printf("❌ Execute failed (%s): %v", payload.Adapter, err)
		a.sendError("execute_failed", err.Error())
		return
	}

	a.trackProcess(payload.SessionID, handle)
	a.sessions.MarkActive(payload.SessionID)

	a.send(ws.MessageTypeProcessStarted, map[string]any{
		"session_id": payload.SessionID,
		"handle_id":  handle.ID,
		"pid":        handle.PID,
		"adapter":    handle.AdapterName,
	})

	go a.streamToClients(ad, payload.SessionID, handle)
}

// streamToClients drains the process's output channel into relay
// messages. The channel is always drained to completion even with no
// listeners; only the sends are skipped.
func (a *Agent) streamToClients(ad adapter.Adapter, sessionID string, handle *adapter.ProcessHandle) {
	chunks, err := ad.StreamOutput(handle)
	if err != nil {
		log.Printf("⚠️ Stream unavailable for %s: %v", handle.ID, err)
		return
	}

	for chunk := range chunks {
		if !a.hasActiveClients() {
			continue
		}
		a.send(ws.MessageTypeOutputChunk, map[string]any{
			"session_id": sessionID,
			"handle_id":  handle.ID,
			"kind":       chunk.Kind,
			"data":       chunk.Data,
			"timestamp":  chunk.Timestamp,
			"metadata":   chunk.Metadata,
		})
	}

	a.untrackProcess(sessionID, handle.ID)
	a.send(ws.MessageTypeProcessExited, map[string]any{
		"session_id": sessionID,
		"handle_id":  handle.ID,
	})
}

// handleInterrupt terminates a tracked process. Unknown handles are a
// quiet no-op, matching the adapter contract.
func (a *Agent) handleInterrupt(msg *ws.Message) {
	if !a.requireAuth(msg) {
		return
	}

	var payload struct {
		SessionID string `json:"session_id"`
		HandleID  string `json:"handle_id"`
		Adapter   string `json:"adapter"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		a.sendError("bad_request", "unparseable interrupt payload")
		return
	}

	ad, ok := a.registry.Get(payload.Adapter)
	if !ok {
		a.sendError("unknown_adapter", "adapter not registered: "+payload.Adapter)
		return
	}

	handle := a.findProcess(payload.SessionID, payload.HandleID)
	if handle == nil {
		handle = &adapter.ProcessHandle{ID: payload.HandleID, AdapterName: payload.Adapter}
	}

	if err := ad.Interrupt(context.Background(), handle); err != nil {
		a.sendError("interrupt_failed", err.Error())
		return
	}
	a.untrackProcess(payload.SessionID, payload.HandleID)
}

func (a *Agent) trackProcess(sessionID string, handle *adapter.ProcessHandle) {
	a.procsMu.Lock()
	a.procs[sessionID] = append(a.procs[sessionID], handle)
	a.procsMu.Unlock()
}

func (a *Agent) untrackProcess(sessionID, handleID string) {
	a.procsMu.Lock()
	defer a.procsMu.Unlock()
	handles := a.procs[sessionID]
	for i, h := range handles {
		if h.ID == handleID {
			a.procs[sessionID] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(a.procs[sessionID]) == 0 {
		delete(a.procs, sessionID)
	}
}

func (a *Agent) findProcess(sessionID, handleID string) *adapter.ProcessHandle {
	a.procsMu.Lock()
	defer a.procsMu.Unlock()
	for _, h := range a.procs[sessionID] {
		if h.ID == handleID {
			return h
		}
	}
	return nil
}

// interruptSessionProcesses stops every live process belonging to a
// session, used by pause and complete.
func (a *Agent) interruptSessionProcesses(sessionID string) {
	a.procsMu.Lock()
	handles := append([]*adapter.ProcessHandle(nil), a.procs[sessionID]...)
	delete(a.procs, sessionID)
	a.procsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, h := range handles {
		if ad, ok := a.registry.Get(h.AdapterName); ok {
			ad.Interrupt(ctx, h)
		}
	}
}
