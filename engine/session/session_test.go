package session

import (
	"testing"
	"time"

	"ember/config"
	"ember/engine/events"
	"ember/engine/isolate"
	"ember/engine/module"
	"ember/engine/runtime"
	"ember/engine/timeout"
	"ember/engine/vfs"
)

func newTestManager(t *testing.T, cfg config.Config) *Manager {
	t.Helper()
	cfg.StateDir = t.TempDir()
	bus := events.NewBus()
	pool := isolate.NewPool(1, 2, nil)
	timeouts := timeout.NewManager(cfg.WatchdogTickMs, cfg.MinDetectionMs, cfg.InfiniteLoopThreshold, cfg.WarningFraction, bus)
	v := vfs.New(cfg.DefaultQuotaBytes)
	resolver := module.NewResolver(v, true)
	eng := runtime.NewEngine(pool, timeouts, bus, v, resolver, cfg)
	m := NewManager(eng, v, nil, bus, cfg)
	t.Cleanup(func() {
		m.Stop()
		timeouts.Stop()
	})
	return m
}

func TestCreateGetDeleteSession(t *testing.T) {
	cfg := config.DefaultConfig()
	m := newTestManager(t, cfg)

	s := m.CreateSession(Options{})
	if s.id == "" {
		t.Fatal("expected a generated session id")
	}

	got, ok := m.GetSession(s.id)
	if !ok || got.id != s.id {
		t.Fatalf("GetSession(%s) = %v, %v", s.id, got, ok)
	}

	m.DeleteSession(s.id)
	if _, ok := m.GetSession(s.id); ok {
		t.Error("expected GetSession to report absence after DeleteSession")
	}
}

func TestSessionExpiryDeniesRun(t *testing.T) {
	cfg := config.DefaultConfig()
	m := newTestManager(t, cfg)

	s := m.CreateSession(Options{TTLMs: 1})
	time.Sleep(5 * time.Millisecond)

	if _, ok := m.GetSession(s.id); ok {
		t.Fatal("expected GetSession to report absence for an expired session")
	}

	result := m.Run(s.id, "1+1", RunOptions{})
	if result.Error == nil || result.Error.Kind != "SessionExpired" {
		t.Fatalf("Run on expired session: got %+v, want SessionExpired", result.Error)
	}
}

func TestMaxExecutionsReached(t *testing.T) {
	cfg := config.DefaultConfig()
	m := newTestManager(t, cfg)

	s := m.CreateSession(Options{MaxExecutions: 1})

	first := m.Run(s.id, "1+1", RunOptions{})
	if first.Error != nil {
		t.Fatalf("first run failed unexpectedly: %+v", first.Error)
	}

	second := m.Run(s.id, "1+1", RunOptions{})
	if second.Error == nil || second.Error.Kind != "MaxExecutionsReached" {
		t.Fatalf("second run: got %+v, want MaxExecutionsReached", second.Error)
	}
}

func TestSessionStateInjectedIntoSandbox(t *testing.T) {
	cfg := config.DefaultConfig()
	m := newTestManager(t, cfg)

	s := m.CreateSession(Options{})
	s.SetState("counter", 41)

	result := m.Run(s.id, "counter + 1", RunOptions{})
	if result.Error != nil {
		t.Fatalf("run failed: %+v", result.Error)
	}
	n, ok := result.Value.(float64)
	if !ok || n != 42 {
		t.Fatalf("result.Value = %v, want 42", result.Value)
	}
}

func TestClearStateRemovesKeys(t *testing.T) {
	cfg := config.DefaultConfig()
	m := newTestManager(t, cfg)

	s := m.CreateSession(Options{})
	s.SetState("a", 1)
	s.ClearState()

	if _, ok := s.GetState("a"); ok {
		t.Error("expected ClearState to remove previously set keys")
	}
}

func TestListSessionsExcludesExpired(t *testing.T) {
	cfg := config.DefaultConfig()
	m := newTestManager(t, cfg)

	live := m.CreateSession(Options{})
	expired := m.CreateSession(Options{TTLMs: 1})
	time.Sleep(5 * time.Millisecond)

	infos := m.ListSessions()
	var sawLive, sawExpired bool
	for _, info := range infos {
		if info.ID == live.id {
			sawLive = true
		}
		if info.ID == expired.id {
			sawExpired = true
		}
	}
	if !sawLive {
		t.Error("expected ListSessions to include the live session")
	}
	if sawExpired {
		t.Error("expected ListSessions to exclude the expired session")
	}
}
