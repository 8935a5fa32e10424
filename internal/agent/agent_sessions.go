package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/usehatch/hatch/internal/adapter"
	"github.com/usehatch/hatch/internal/audit"
	"github.com/usehatch/hatch/internal/security"
	ws "github.com/usehatch/hatch/internal/websocket"
)

// handleCreateSession makes a session record (with its worktree when
// the project is a git repo) and publishes its security context.
func (a *Agent) handleCreateSession(msg *ws.Message) {
	if !a.requireAuth(msg) {
		return
	}

	var payload struct {
		Name            string   `json:"name"`
		ProjectPath     string   `json:"project_path"`
		Description     string   `json:"description"`
		Adapter         string   `json:"adapter"`
		CreateProject   bool     `json:"create_project"`
		Permissions     []string `json:"permissions"`
		DangerousMode   bool     `json:"dangerous_mode"`
		AllowedPaths    []string `json:"allowed_paths"`
		DeniedPaths     []string `json:"denied_paths"`
		AllowedCommands []string `json:"allowed_commands"`
		BlockedCommands []string `json:"blocked_commands"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		a.sendError("bad_request", "unparseable create_session payload")
		return
	}

	perms := payload.Permissions
	if len(perms) == 0 {
		perms = defaultPermissions()
	}

	if payload.CreateProject {
		if err := a.createProject(payload.Adapter, payload.ProjectPath, perms); err != nil {
			a.sendError("create_failed", err.Error())
			return
		}
	}

	s, err := a.sessions.Create(payload.Name, msg.UserID, payload.ProjectPath, payload.Description)
	if err != nil {
		a.sendError("create_failed", err.Error())
		return
	}

	sec, err := a.contexts.InitializeSession(security.SessionParams{
		SessionID:              s.ID,
		UserID:                 msg.UserID,
		Permissions:            perms,
		DangerousModePreferred: payload.DangerousMode,
		Restrictions: security.Restrictions{
			AllowedPaths:    payload.AllowedPaths,
			DeniedPaths:     payload.DeniedPaths,
			AllowedCommands: payload.AllowedCommands,
			BlockedCommands: payload.BlockedCommands,
		},
		AuditEnabled: true,
	})
	if err != nil {
		a.sendError("create_failed", err.Error())
		return
	}

	a.tracker.Touch(sec.SessionID, sec.UserID, "", sec.DangerousMode)
	if a.extWatch != nil {
		a.extWatch.MarkOwned(s.ID)
	}

	a.send(ws.MessageTypeSessionCreated, map[string]any{
		"session_id":     s.ID,
		"name":           s.Name,
		"working_path":   s.WorkingPath(),
		"branch":         s.BranchName,
		"dangerous_mode": sec.DangerousMode,
	})
}

// createProject scaffolds a new project directory through the named
// adapter. Project creation is an optional adapter capability, so it is
// checked with a type assertion here rather than on the core interface.
func (a *Agent) createProject(adapterName, projectPath string, perms []string) error {
	if !slices.Contains(perms, string(security.PermProjectCreate)) {
		return fmt.Errorf("creating a project requires the %s permission", security.PermProjectCreate)
	}

	ad, ok := a.registry.Get(adapterName)
	if !ok {
		return fmt.Errorf("unknown adapter: %s", adapterName)
	}
	pc, ok := ad.(adapter.ProjectCreator)
	if !ok {
		return fmt.Errorf("adapter %s cannot create projects", adapterName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return pc.CreateProject(ctx, projectPath)
}

// defaultPermissions is the grant for sessions that do not ask for a
// specific set. Notably absent: session:dangerous and system:admin.
func defaultPermissions() []string {
	return []string{
		string(security.PermProjectRead),
		string(security.PermProjectWrite),
		string(security.PermSessionCreate),
		string(security.PermSessionExecute),
		string(security.PermAdapterUse),
	}
}

func (a *Agent) handlePauseSession(msg *ws.Message) {
	if !a.requireAuth(msg) {
		return
	}
	sessionID, ok := a.sessionIDFrom(msg)
	if !ok {
		return
	}

	a.interruptSessionProcesses(sessionID)
	if err := a.sessions.Pause(sessionID); err != nil {
		a.sendError("pause_failed", err.Error())
	}
}

func (a *Agent) handleResumeSession(msg *ws.Message) {
	if !a.requireAuth(msg) {
		return
	}
	sessionID, ok := a.sessionIDFrom(msg)
	if !ok {
		return
	}

	if err := a.sessions.Resume(sessionID); err != nil {
		a.sendError("resume_failed", err.Error())
	}
}

func (a *Agent) handleCompleteSession(msg *ws.Message) {
	if !a.requireAuth(msg) {
		return
	}

	var payload struct {
		SessionID     string `json:"session_id"`
		Merge         bool   `json:"merge"`
		CommitMessage string `json:"commit_message"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		a.sendError("bad_request", "unparseable complete_session payload")
		return
	}

	a.interruptSessionProcesses(payload.SessionID)
	if err := a.sessions.Complete(payload.SessionID, payload.Merge, payload.CommitMessage); err != nil {
		a.sendError("complete_failed", err.Error())
		return
	}
	a.contexts.DropSession(payload.SessionID)
}

func (a *Agent) handleListSessions(msg *ws.Message) {
	if !a.requireAuth(msg) {
		return
	}

	type entry struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		ProjectPath  string `json:"project_path"`
		Status       string `json:"status"`
		WorkingPath  string `json:"working_path"`
		RiskScore    int    `json:"risk_score"`
		TrackerState string `json:"tracker_state"`
	}

	var out []entry
	for _, s := range a.sessions.List() {
		out = append(out, entry{
			ID:           s.ID,
			Name:         s.Name,
			ProjectPath:  s.ProjectPath,
			Status:       string(s.Status),
			WorkingPath:  s.WorkingPath(),
			RiskScore:    a.tracker.RiskScore(s.ID),
			TrackerState: string(a.tracker.State(s.ID)),
		})
	}

	a.send(ws.MessageTypeSessionsList, map[string]any{"sessions": out})
}

// handleResetSession is the administrative unblock. It requires the
// requesting session to hold system:admin; blocking never expires on
// its own.
func (a *Agent) handleResetSession(msg *ws.Message) {
	if !a.requireAuth(msg) {
		return
	}

	var payload struct {
		SessionID      string `json:"session_id"`       // session to reset
		AdminSessionID string `json:"admin_session_id"` // requester's session
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		a.sendError("bad_request", "unparseable reset_session payload")
		return
	}

	admin, ok := a.contexts.GetSessionSecurity(payload.AdminSessionID)
	if !ok || !admin.Has(security.PermSystemAdmin) {
		a.auditor.Log(audit.Event{
			Type:      audit.EventAuthFailure,
			Level:     audit.LevelWarning,
			SessionID: payload.SessionID,
			UserID:    msg.UserID,
			Detail: map[string]string{
				"operation": "reset_session",
				"reason":    "missing system:admin",
			},
		})
		a.sendError("forbidden", "reset_session requires system:admin")
		return
	}

	a.tracker.Reset(payload.SessionID)
	log.Printf("🔓 Session %s reset by admin %s", payload.SessionID, admin.UserID)
}

func (a *Agent) handleListAdapters(msg *ws.Message) {
	if !a.requireAuth(msg) {
		return
	}

	type entry struct {
		Name         string   `json:"name"`
		Version      string   `json:"version"`
		Capabilities []string `json:"capabilities"`
	}

	var out []entry
	for _, ad := range a.registry.List() {
		out = append(out, entry{
			Name:         ad.Name(),
			Version:      ad.Version(),
			Capabilities: ad.Capabilities(),
		})
	}

	a.send(ws.MessageTypeAdaptersList, map[string]any{"adapters": out})
}

// sessionIDFrom extracts the one field the simple lifecycle handlers
// need.
func (a *Agent) sessionIDFrom(msg *ws.Message) (string, bool) {
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SessionID == "" {
		a.sendError("bad_request", "missing session_id")
		return "", false
	}
	return payload.SessionID, true
}
