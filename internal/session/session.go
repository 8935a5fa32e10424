// Package session manages session records and their isolated git
// worktrees.
package session

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/usehatch/hatch/internal/audit"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Session is one working session against a project.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	UserID       string    `json:"user_id"`
	ProjectPath  string    `json:"project_path"`
	Description  string    `json:"description,omitempty"`
	Status       Status    `json:"status"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	BranchName   string    `json:"branch_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// WorkingPath is where the session's adapter processes should run: the
// isolated worktree when one exists, the project itself otherwise.
func (s *Session) WorkingPath() string {
	if s.WorktreePath != "" {
		return s.WorktreePath
	}
	return s.ProjectPath
}

// Manager owns the session table and worktree lifecycle.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	worktrees *WorktreeManager
	auditor   *audit.Logger
}

// NewManager creates a manager using baseWorktreeDir for session
// worktrees.
func NewManager(baseWorktreeDir string, auditor *audit.Logger) *Manager {
	return &Manager{
		sessions:  make(map[string]*Session),
		worktrees: NewWorktreeManager(baseWorktreeDir),
		auditor:   auditor,
	}
}

// Create makes a new session. Git projects get an isolated worktree on a
// session branch; worktree failure degrades to working in the project
// directly rather than failing the session.
func (m *Manager) Create(name, userID, projectPath, description string) (*Session, error) {
	if name == "" || projectPath == "" {
		return nil, fmt.Errorf("session name and project path are required")
	}

	now := time.Now().UTC()
	s := &Session{
		ID:          uuid.New().String(),
		Name:        name,
		UserID:      userID,
		ProjectPath: projectPath,
		Description: description,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if IsGitRepo(projectPath) {
		worktreePath, branch, err := m.worktrees.Create(projectPath, s.ID)
		if err != nil {
			log.Printf("⚠️  Failed to create worktree for session %s: %v", s.ID, err)
		} else {
			s.WorktreePath = worktreePath
			s.BranchName = branch
		}
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.auditor != nil {
		m.auditor.Log(audit.Event{
			Type:      audit.EventSessionCreated,
			Level:     audit.LevelInfo,
			SessionID: s.ID,
			UserID:    userID,
			Detail: map[string]string{
				"name":         name,
				"project_path": projectPath,
				"worktree":     s.WorktreePath,
			},
		})
	}

	log.Printf("📂 Session %s created for %s", s.ID, projectPath)
	return s.copy(), nil
}

// Get returns a copy of the session, or false.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.copy(), true
}

// List returns all sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MarkActive transitions the session to ACTIVE and refreshes its
// timestamp.
func (m *Manager) MarkActive(sessionID string) error {
	return m.setStatus(sessionID, StatusActive)
}

// Pause transitions the session to PAUSED. The caller is responsible for
// stopping adapter processes.
func (m *Manager) Pause(sessionID string) error {
	return m.setStatus(sessionID, StatusPaused)
}

// Resume transitions a paused session back to ACTIVE.
func (m *Manager) Resume(sessionID string) error {
	return m.setStatus(sessionID, StatusActive)
}

// Complete transitions the session to COMPLETED, squash-merging the
// session branch when requested and removing the worktree.
func (m *Manager) Complete(sessionID string, merge bool, commitMessage string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session not found: %s", sessionID)
	}
	worktree, project := s.WorktreePath, s.ProjectPath
	s.Status = StatusCompleted
	s.UpdatedAt = time.Now().UTC()
	userID := s.UserID
	m.mu.Unlock()

	if worktree != "" {
		if merge {
			if commitMessage == "" {
				commitMessage = fmt.Sprintf("Session %s changes", sessionID)
			}
			if err := m.worktrees.SquashMerge(project, worktree, commitMessage); err != nil {
				return err
			}
		}
		if err := m.worktrees.Remove(project, worktree); err != nil {
			return err
		}
	}

	if m.auditor != nil {
		m.auditor.Log(audit.Event{
			Type:      audit.EventSessionCompleted,
			Level:     audit.LevelInfo,
			SessionID: sessionID,
			UserID:    userID,
			Detail:    map[string]string{"merged": fmt.Sprintf("%v", merge)},
		})
	}
	return nil
}

func (m *Manager) setStatus(sessionID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Session) copy() *Session {
	out := *s
	return &out
}
