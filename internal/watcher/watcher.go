// Package watcher detects tool sessions started outside the daemon by
// monitoring the session directories the CLI tools write to (for example
// ~/.claude/projects). Externally-started sessions bypass the daemon's
// security gate, so each one is surfaced as an audit event.
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ExternalSession describes a session file found under a watched root.
type ExternalSession struct {
	SessionID    string    `json:"session_id"`
	Tool         string    `json:"tool"`
	ProjectPath  string    `json:"project_path"`
	FilePath     string    `json:"file_path"`
	LastActivity time.Time `json:"last_activity"`
}

// Callbacks for external session events.
type Callbacks struct {
	OnExternalSession func(s *ExternalSession)
	OnActivity        func(s *ExternalSession) // Debounced: file grew since last report
}

// Root is a directory to watch, tagged with the tool that owns it.
type Root struct {
	Tool string
	Path string
}

// DefaultRoots returns the session directories of the known tools.
func DefaultRoots() []Root {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []Root{
		{Tool: "claude-code", Path: filepath.Join(home, ".claude", "projects")},
		{Tool: "gemini-cli", Path: filepath.Join(home, ".gemini", "tmp")},
	}
}

// Watcher monitors tool session directories for sessions the daemon did
// not start itself.
type Watcher struct {
	roots     []Root
	fsWatcher *fsnotify.Watcher
	sessions  map[string]*ExternalSession
	sizes     map[string]int64
	callbacks Callbacks

	// Session IDs the daemon started itself; never reported as external.
	owned map[string]bool

	pollInterval   time.Duration
	updateDebounce time.Duration
	updateTimers   map[string]*time.Timer

	mu       sync.RWMutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a watcher over the given roots. Roots that do not exist
// yet are created so fsnotify can attach to them.
func New(roots []Root, callbacks Callbacks) (*Watcher, error) {
	w := &Watcher{
		roots:          roots,
		sessions:       make(map[string]*ExternalSession),
		sizes:          make(map[string]int64),
		callbacks:      callbacks,
		owned:          make(map[string]bool),
		pollInterval:   5 * time.Second,
		updateDebounce: 500 * time.Millisecond,
		updateTimers:   make(map[string]*time.Timer),
		stopChan:       make(chan struct{}),
	}

	for _, r := range roots {
		os.MkdirAll(r.Path, 0755)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️ fsnotify unavailable, using poll-only mode: %v", err)
	} else {
		w.fsWatcher = fsWatcher
		w.setupWatches()
	}

	return w, nil
}

// setupWatches adds fsnotify watches to each root and its existing
// project subdirectories.
func (w *Watcher) setupWatches() {
	if w.fsWatcher == nil {
		return
	}

	for _, r := range w.roots {
		if err := w.fsWatcher.Add(r.Path); err != nil {
			log.Printf("⚠️ Failed to watch %s: %v", r.Path, err)
			continue
		}
		entries, _ := os.ReadDir(r.Path)
		for _, entry := range entries {
			if entry.IsDir() {
				w.fsWatcher.Add(filepath.Join(r.Path, entry.Name()))
			}
		}
	}
}

// MarkOwned registers a session ID the daemon started itself so the
// watcher does not report it as external.
func (w *Watcher) MarkOwned(sessionID string) {
	w.mu.Lock()
	w.owned[sessionID] = true
	w.mu.Unlock()
}

// Start begins watching. The initial scan indexes existing sessions
// without reporting them; only sessions appearing afterwards count as
// external.
func (w *Watcher) Start() {
	w.scan(false)

	if w.fsWatcher != nil {
		w.wg.Add(1)
		go w.fsnotifyLoop()
	}

	// Polling is the backup path for filesystems fsnotify misses.
	w.wg.Add(1)
	go w.pollLoop()

	log.Printf("🔍 External session watcher started (%d roots, %d existing sessions)",
		len(w.roots), len(w.sessions))
}

// Stop stops the watcher and waits for its goroutines.
func (w *Watcher) Stop() {
	close(w.stopChan)
	if w.fsWatcher != nil {
		w.fsWatcher.Close()
	}
	w.mu.Lock()
	for _, timer := range w.updateTimers {
		timer.Stop()
	}
	w.mu.Unlock()
	w.wg.Wait()
	log.Println("🛑 External session watcher stopped")
}

func (w *Watcher) fsnotifyLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				if strings.HasSuffix(event.Name, ".jsonl") {
					w.handleFile(event.Name, true)
				} else if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.fsWatcher.Add(event.Name)
				}
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				if strings.HasSuffix(event.Name, ".jsonl") {
					w.handleGrowth(event.Name)
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️ fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.scan(true)
			w.checkGrowth()
		}
	}
}

// scan walks every root looking for session files. report controls
// whether newly-found files trigger the external-session callback.
func (w *Watcher) scan(report bool) {
	for _, r := range w.roots {
		entries, err := os.ReadDir(r.Path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			projDir := filepath.Join(r.Path, entry.Name())
			files, _ := os.ReadDir(projDir)
			for _, f := range files {
				if strings.HasSuffix(f.Name(), ".jsonl") {
					w.handleFile(filepath.Join(projDir, f.Name()), report)
				}
			}
		}
	}
}

// checkGrowth looks for tracked files that grew since the last poll.
func (w *Watcher) checkGrowth() {
	w.mu.RLock()
	paths := make([]string, 0, len(w.sizes))
	for p := range w.sizes {
		paths = append(paths, p)
	}
	w.mu.RUnlock()

	for _, p := range paths {
		w.handleGrowth(p)
	}
}

func (w *Watcher) handleFile(filePath string, report bool) {
	sessionID := extractSessionID(filePath)

	// Subagent files are internal tool bookkeeping, not user sessions.
	if strings.HasPrefix(sessionID, "agent-") {
		return
	}

	w.mu.Lock()
	if _, exists := w.sessions[sessionID]; exists {
		w.mu.Unlock()
		return
	}
	if w.owned[sessionID] {
		w.mu.Unlock()
		return
	}

	s := &ExternalSession{
		SessionID:   sessionID,
		Tool:        w.toolFor(filePath),
		ProjectPath: decodeProjectPath(filepath.Base(filepath.Dir(filePath))),
		FilePath:    filePath,
	}
	if info, err := os.Stat(filePath); err == nil {
		s.LastActivity = info.ModTime()
		w.sizes[filePath] = info.Size()
	} else {
		s.LastActivity = time.Now()
	}
	w.sessions[sessionID] = s
	cp := *s
	w.mu.Unlock()

	if report {
		log.Printf("👀 External %s session detected: %s (project %s)", cp.Tool, cp.SessionID, cp.ProjectPath)
		if w.callbacks.OnExternalSession != nil {
			go w.callbacks.OnExternalSession(&cp)
		}
	}
}

func (w *Watcher) handleGrowth(filePath string) {
	info, err := os.Stat(filePath)
	if err != nil {
		return
	}

	w.mu.Lock()
	last, tracked := w.sizes[filePath]
	if !tracked || info.Size() <= last {
		w.mu.Unlock()
		return
	}
	w.sizes[filePath] = info.Size()

	sessionID := extractSessionID(filePath)
	s, exists := w.sessions[sessionID]
	if !exists {
		w.mu.Unlock()
		return
	}
	s.LastActivity = time.Now()

	// Debounce: bursts of writes collapse to one activity callback.
	if timer, ok := w.updateTimers[sessionID]; ok {
		timer.Stop()
	}
	w.updateTimers[sessionID] = time.AfterFunc(w.updateDebounce, func() {
		w.fireActivity(sessionID)
	})
	w.mu.Unlock()
}

func (w *Watcher) fireActivity(sessionID string) {
	w.mu.Lock()
	s, exists := w.sessions[sessionID]
	if !exists {
		w.mu.Unlock()
		return
	}
	delete(w.updateTimers, sessionID)
	cp := *s
	w.mu.Unlock()

	if w.callbacks.OnActivity != nil {
		w.callbacks.OnActivity(&cp)
	}
}

// toolFor maps a session file back to the root that contains it.
func (w *Watcher) toolFor(filePath string) string {
	for _, r := range w.roots {
		if strings.HasPrefix(filePath, r.Path+string(filepath.Separator)) {
			return r.Tool
		}
	}
	return "unknown"
}

// Sessions returns a snapshot of all known external sessions.
func (w *Watcher) Sessions() []*ExternalSession {
	w.mu.RLock()
	defer w.mu.RUnlock()

	result := make([]*ExternalSession, 0, len(w.sessions))
	for _, s := range w.sessions {
		cp := *s
		result = append(result, &cp)
	}
	return result
}

func extractSessionID(filePath string) string {
	return strings.TrimSuffix(filepath.Base(filePath), ".jsonl")
}

func decodeProjectPath(encoded string) string {
	// -Users-jrk-myproject -> /Users/jrk/myproject
	if len(encoded) > 0 && encoded[0] == '-' {
		encoded = encoded[1:]
	}
	return "/" + strings.ReplaceAll(encoded, "-", "/")
}
