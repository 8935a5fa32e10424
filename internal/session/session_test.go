package session

import (
	"testing"

	"github.com/usehatch/hatch/internal/audit"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), audit.NewLogger(nil))
}

func TestCreateWithoutGitFallsBackToProjectPath(t *testing.T) {
	m := newTestManager(t)
	project := t.TempDir() // plain directory, not a git repo

	s, err := m.Create("fix-login", "u1", project, "fix the login bug")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if s.ID == "" {
		t.Error("session missing id")
	}
	if s.Status != StatusCreated {
		t.Errorf("status = %s, want created", s.Status)
	}
	if s.WorktreePath != "" {
		t.Errorf("non-git project got a worktree: %s", s.WorktreePath)
	}
	if s.WorkingPath() != project {
		t.Errorf("WorkingPath = %s, want project path", s.WorkingPath())
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Create("task", "u1", t.TempDir(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.MarkActive(s.ID); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	if got, _ := m.Get(s.ID); got.Status != StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}

	if err := m.Pause(s.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got, _ := m.Get(s.ID); got.Status != StatusPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}

	if err := m.Resume(s.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if err := m.Complete(s.ID, false, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got, _ := m.Get(s.ID); got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestUnknownSessionOperationsError(t *testing.T) {
	m := newTestManager(t)

	if _, ok := m.Get("nope"); ok {
		t.Error("unknown session reported present")
	}
	if err := m.Pause("nope"); err == nil {
		t.Error("Pause on unknown session succeeded")
	}
	if err := m.Complete("nope", false, ""); err == nil {
		t.Error("Complete on unknown session succeeded")
	}
}

func TestListReturnsCopiesSorted(t *testing.T) {
	m := newTestManager(t)

	s1, _ := m.Create("b-task", "u1", t.TempDir(), "")
	m.Create("a-task", "u1", t.TempDir(), "")

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("List() has %d sessions, want 2", len(list))
	}

	// Mutating a returned record must not touch the manager's copy.
	for _, s := range list {
		if s.ID == s1.ID {
			s.Name = "hacked"
		}
	}
	if got, _ := m.Get(s1.ID); got.Name != "b-task" {
		t.Error("mutation of listed session leaked into the manager")
	}
}
