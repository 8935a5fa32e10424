// Package agent is the daemon orchestrator. It owns the adapter
// registry, the security subsystem, the session manager, and the relay
// connection, and routes client messages between them.
package agent

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/usehatch/hatch/internal/adapter"
	_ "github.com/usehatch/hatch/internal/adapter/adapters" // register built-in adapters
	"github.com/usehatch/hatch/internal/audit"
	"github.com/usehatch/hatch/internal/config"
	"github.com/usehatch/hatch/internal/security"
	"github.com/usehatch/hatch/internal/session"
	"github.com/usehatch/hatch/internal/watcher"
	ws "github.com/usehatch/hatch/internal/websocket"
)

// Agent wires the daemon's subsystems together.
type Agent struct {
	cfg      *config.Config
	wsClient *ws.Client

	registry *adapter.Registry
	contexts *security.ContextManager
	tracker  *security.Tracker
	limiter  *security.RateLimiter
	auditor  *audit.Logger
	sessions *session.Manager
	extWatch *watcher.Watcher

	// Clients that passed token auth this connection.
	authedMu sync.RWMutex
	authed   map[string]bool

	// Live process handles by session, so interrupt and shutdown can
	// find them.
	procsMu sync.Mutex
	procs   map[string][]*adapter.ProcessHandle // sessionID -> handles

	// Client presence (skip chunk broadcasts when nobody listens).
	presenceMu sync.RWMutex
	webOnline  bool

	isRunning bool
	stopChan  chan struct{}
}

// New creates an agent from the daemon config.
func New(dev bool) (*Agent, error) {
	cfg, err := config.Load(dev)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &Agent{
		cfg:      cfg,
		registry: adapter.NewRegistry(),
		contexts: security.NewContextManager(),
		authed:   make(map[string]bool),
		procs:    make(map[string][]*adapter.ProcessHandle),
		stopChan: make(chan struct{}),
	}, nil
}

// Start brings up all subsystems and blocks until shutdown.
func (a *Agent) Start() error {
	log.Println("🚀 Hatch daemon starting...")

	if err := a.initAudit(); err != nil {
		return err
	}

	trackerCfg := security.DefaultTrackerConfig()
	if a.cfg.TrackerInactivityMinutes > 0 {
		trackerCfg.InactivityTimeout = time.Duration(a.cfg.TrackerInactivityMinutes) * time.Minute
	}
	a.tracker = security.NewTracker(trackerCfg, a.auditor)
	a.limiter = security.NewRateLimiter(a.cfg.RateLimit.MaxAttempts, a.cfg.RateLimit.Window())
	a.sessions = session.NewManager(a.cfg.WorktreeDir, a.auditor)

	a.initAdapters()
	a.initSessionWatcher()

	if a.cfg.GetToken(a.cfg.RelayURL) == "" {
		return fmt.Errorf("no auth token configured for relay %s; set one in the config file", a.cfg.RelayURL)
	}

	if a.cfg.DeviceID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "desktop"
		}
		a.cfg.DeviceID = fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
		a.cfg.Save()
	}

	a.wsClient = ws.NewClient(
		a.cfg.RelayURL,
		a.cfg.GetToken(a.cfg.RelayURL),
		a.cfg.DeviceID,
		a.handleMessage,
	)
	go a.wsClient.ConnectWithRetry()

	go a.evictionLoop()

	a.isRunning = true
	log.Println("✅ Running - press Ctrl+C to stop")
	a.waitForShutdown()
	return nil
}

// initAudit opens the sqlite sink, falling back to jsonl when sqlite
// cannot be opened.
func (a *Agent) initAudit() error {
	sink, err := audit.NewSQLiteSink(a.cfg.AuditDBPath)
	if err != nil {
		log.Printf("⚠️ Audit sqlite sink unavailable (%v), falling back to jsonl", err)
		jsonlPath := a.cfg.AuditDBPath + ".jsonl"
		jsonl, jerr := audit.NewJSONLSink(jsonlPath)
		if jerr != nil {
			return fmt.Errorf("failed to open audit sink: %w", jerr)
		}
		a.auditor = audit.NewLogger(jsonl)
		return nil
	}
	a.auditor = audit.NewLogger(sink)
	return nil
}

// initAdapters constructs every compiled-in adapter, loads its config
// file if present, and registers the ones that initialize.
func (a *Agent) initAdapters() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, name := range adapter.Builtins() {
		ad, err := adapter.NewBuiltin(name)
		if err != nil {
			continue
		}

		cfg := adapter.Config{Name: name, Enabled: true}
		cfgPath := filepath.Join(a.cfg.AdapterConfigDir, name+".yaml")
		if loaded, err := adapter.LoadConfig(cfgPath); err == nil {
			cfg = loaded
		}
		if !cfg.Enabled {
			log.Printf("⏭️ Adapter %s disabled by config", name)
			continue
		}

		if err := ad.Initialize(ctx, cfg); err != nil {
			log.Printf("⚠️ Adapter %s unavailable: %v", name, err)
			continue
		}

		if sec, ok := ad.(interface {
			AttachSecurity(*security.Tracker, *audit.Logger)
		}); ok {
			sec.AttachSecurity(a.tracker, a.auditor)
		}

		if err := a.registry.Register(ad); err != nil {
			log.Printf("⚠️ Failed to register adapter %s: %v", name, err)
			continue
		}
		a.auditor.Log(audit.Event{
			Type:  audit.EventAdapterRegistered,
			Level: audit.LevelInfo,
			Detail: map[string]string{
				"adapter": name,
				"version": ad.Version(),
			},
		})
	}

	log.Printf("🔌 %d adapters registered", len(a.registry.List()))
}

// initSessionWatcher starts the external-session watcher. Sessions the
// tools start outside the daemon bypass the security gate and get an
// audit trail entry each.
func (a *Agent) initSessionWatcher() {
	w, err := watcher.New(watcher.DefaultRoots(), watcher.Callbacks{
		OnExternalSession: func(s *watcher.ExternalSession) {
			a.auditor.Log(audit.Event{
				Type:      audit.EventExternalSession,
				Level:     audit.LevelWarning,
				SessionID: s.SessionID,
				Detail: map[string]string{
					"tool":    s.Tool,
					"project": s.ProjectPath,
				},
			})
		},
	})
	if err != nil {
		log.Printf("⚠️ External session watcher unavailable: %v", err)
		return
	}
	a.extWatch = w
	a.extWatch.Start()
}

// evictionLoop periodically drops idle tracker entries. Blocked
// sessions are never evicted.
func (a *Agent) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			if n := a.tracker.EvictIdle(); n > 0 {
				log.Printf("🧹 Evicted %d idle sessions from tracker", n)
			}
		}
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM.
func (a *Agent) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal: %v", sig)

	a.Shutdown()
}

// Shutdown disposes every adapter's processes and closes subsystems.
// Safe to call more than once.
func (a *Agent) Shutdown() {
	if !a.isRunning {
		return
	}
	a.isRunning = false

	log.Println("Shutting down...")
	close(a.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, ad := range a.registry.List() {
		if err := ad.Dispose(ctx); err != nil {
			log.Printf("⚠️ Dispose %s: %v", ad.Name(), err)
		}
	}

	if a.extWatch != nil {
		a.extWatch.Stop()
	}
	if a.wsClient != nil {
		a.wsClient.Close()
	}
	if a.auditor != nil {
		a.auditor.Close()
	}
}
