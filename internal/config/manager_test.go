package config

import (
	"testing"
)

func TestRWMutexManagerGetReturnsClone(t *testing.T) {
	initial := &Config{General: General{LogLevel: "info"}}
	mgr := NewRWMutexManager(initial)

	got := mgr.Get()
	if got == nil {
		t.Fatal("expected initial config snapshot")
	}
	if got == initial {
		t.Fatal("expected manager to store a cloned config on bootstrap")
	}
	if got.General.LogLevel != "info" {
		t.Fatalf("unexpected initial log level: %q", got.General.LogLevel)
	}
}

func TestRWMutexManagerSetIsolatesCallerMutation(t *testing.T) {
	mgr := NewRWMutexManager(&Config{General: General{LogLevel: "info"}})

	next := &Config{General: General{LogLevel: "debug"}}
	mgr.Set(next)
	next.General.LogLevel = "error"

	updated := mgr.Get()
	if updated.General.LogLevel != "debug" {
		t.Fatalf("expected Set to snapshot its input, got %q", updated.General.LogLevel)
	}
}

func TestRWMutexManagerReload(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	mgr := NewRWMutexManager(nil)

	if err := mgr.Reload(path); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	cfg := mgr.Get()
	if cfg == nil {
		t.Fatal("expected config after reload")
	}
	if cfg.General.Workspace != "/tmp/gpec-test" {
		t.Fatalf("unexpected workspace after reload: %q", cfg.General.Workspace)
	}
}

func TestRWMutexManagerReloadRejectsEmptyPath(t *testing.T) {
	mgr := NewRWMutexManager(&Config{})
	if err := mgr.Reload(""); err == nil {
		t.Fatal("expected error for empty reload path")
	}
}

func TestNilManagerMethodsAreSafe(t *testing.T) {
	var mgr *RWMutexManager
	if got := mgr.Get(); got != nil {
		t.Fatalf("expected nil manager Get to return nil, got %+v", got)
	}
	mgr.Set(&Config{}) // must not panic
	if err := mgr.Reload("/tmp/x"); err == nil {
		t.Fatal("expected nil manager Reload to error")
	}
}
