package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/waypt/navcore/pkg"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig = %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q, want info", cfg.LogLevel)
	}
	if !cfg.PreferFused {
		t.Error("prefer_fused must default to true")
	}
	if cfg.PendingTimeoutS != 30 {
		t.Errorf("pending_timeout_s = %d, want 30", cfg.PendingTimeoutS)
	}
	if cfg.EngineURL == "" {
		t.Error("engine_url must have a default")
	}
	if len(cfg.NMEADevices) == 0 {
		t.Error("nmea_devices must have defaults")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "navcored.yaml")
	content := []byte("log_level: debug\nprefer_fused: false\nengine_timeout_s: 5\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig = %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", cfg.LogLevel)
	}
	if cfg.PreferFused {
		t.Error("prefer_fused must come from the file")
	}
	if cfg.EngineTimeoutS != 5 {
		t.Errorf("engine_timeout_s = %d, want 5", cfg.EngineTimeoutS)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore = %v", err)
	}

	if store.RouterKind() != pkg.RouterVehicle {
		t.Errorf("default router kind = %s, want vehicle", store.RouterKind())
	}
	if store.DisclaimerAccepted() {
		t.Error("disclaimer must default to not accepted")
	}

	if err := store.SetRouterKind(pkg.RouterBicycle); err != nil {
		t.Fatalf("SetRouterKind = %v", err)
	}
	if err := store.AcceptDisclaimer(); err != nil {
		t.Fatalf("AcceptDisclaimer = %v", err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	if reopened.RouterKind() != pkg.RouterBicycle {
		t.Errorf("persisted router kind = %s, want bicycle", reopened.RouterKind())
	}
	if !reopened.DisclaimerAccepted() {
		t.Error("persisted disclaimer must survive reopen")
	}
}
