package session

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WorktreeManager creates and removes per-session git worktrees so each
// session's changes live on an isolated `session/<id>` branch.
type WorktreeManager struct {
	baseDir string
}

// NewWorktreeManager creates a manager rooted at baseDir.
func NewWorktreeManager(baseDir string) *WorktreeManager {
	return &WorktreeManager{baseDir: baseDir}
}

// IsGitRepo reports whether the project has a .git directory.
func IsGitRepo(projectPath string) bool {
	info, err := os.Stat(filepath.Join(projectPath, ".git"))
	return err == nil && info.IsDir()
}

// Create makes a worktree for the session on branch session/<id>,
// branched from the project's main branch. Returns the worktree path and
// branch name.
func (m *WorktreeManager) Create(projectPath, sessionID string) (string, string, error) {
	if !IsGitRepo(projectPath) {
		return "", "", fmt.Errorf("not a git repository: %s", projectPath)
	}

	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return "", "", fmt.Errorf("create worktree base dir: %w", err)
	}

	worktreePath := filepath.Join(m.baseDir, "session-"+sessionID)
	branch := "session/" + sessionID
	base := m.mainBranch(projectPath)

	// Create the branch if it doesn't exist yet.
	if _, err := runGit(projectPath, "rev-parse", "--verify", branch); err != nil {
		if _, err := runGit(projectPath, "branch", branch, base); err != nil {
			return "", "", fmt.Errorf("create branch %s: %w", branch, err)
		}
	}

	if _, err := runGit(projectPath, "worktree", "add", worktreePath, branch); err != nil {
		return "", "", fmt.Errorf("create worktree: %w", err)
	}

	log.Printf("🌿 Created worktree %s on branch %s", worktreePath, branch)
	return worktreePath, branch, nil
}

// Remove deletes the session's worktree and, for session branches, the
// branch too.
func (m *WorktreeManager) Remove(projectPath, worktreePath string) error {
	branch, _ := worktreeBranch(worktreePath)

	if _, err := runGit(projectPath, "worktree", "remove", "--force", worktreePath); err != nil {
		log.Printf("⚠️  Failed to remove worktree %s: %v", worktreePath, err)
	}

	if strings.HasPrefix(branch, "session/") {
		if _, err := runGit(projectPath, "branch", "-D", branch); err != nil {
			log.Printf("⚠️  Failed to delete branch %s: %v", branch, err)
		}
	}
	return nil
}

// SquashMerge squashes the session branch's commits onto the project's
// main branch with the given message.
func (m *WorktreeManager) SquashMerge(projectPath, worktreePath, message string) error {
	branch, err := worktreeBranch(worktreePath)
	if err != nil {
		return err
	}
	main := m.mainBranch(projectPath)

	if _, err := runGit(projectPath, "checkout", main); err != nil {
		return fmt.Errorf("checkout %s: %w", main, err)
	}
	if _, err := runGit(projectPath, "merge", "--squash", branch); err != nil {
		return fmt.Errorf("squash merge %s: %w", branch, err)
	}
	if _, err := runGit(projectPath, "commit", "-m", message); err != nil {
		return fmt.Errorf("commit squash merge: %w", err)
	}

	log.Printf("🔀 Squash-merged %s into %s", branch, main)
	return nil
}

// mainBranch detects the project's main branch, defaulting to "main".
func (m *WorktreeManager) mainBranch(projectPath string) string {
	out, err := runGit(projectPath, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		if i := strings.LastIndex(out, "/"); i >= 0 {
			return out[i+1:]
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := runGit(projectPath, "rev-parse", "--verify", candidate); err == nil {
			return candidate
		}
	}
	return "main"
}

// worktreeBranch returns the branch checked out in the worktree.
func worktreeBranch(worktreePath string) (string, error) {
	out, err := runGit(worktreePath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve worktree branch: %w", err)
	}
	return out, nil
}

// runGit executes git in dir and returns trimmed stdout.
func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
