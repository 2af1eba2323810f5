package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// TestDefaultConfig_Dialogue verifies the dialogue policy defaults
func TestDefaultConfig_Dialogue(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Dialogue.RelaxationCap != 3 {
		t.Errorf("RelaxationCap = %d, want 3", cfg.Dialogue.RelaxationCap)
	}
	if cfg.Dialogue.ClarifyThreshold != 20 {
		t.Errorf("ClarifyThreshold = %d, want 20", cfg.Dialogue.ClarifyThreshold)
	}
	if cfg.Dialogue.MaxRepeats != 2 {
		t.Errorf("MaxRepeats = %d, want 2", cfg.Dialogue.MaxRepeats)
	}
	if cfg.Dialogue.ConfirmBeforeClose {
		t.Error("ConfirmBeforeClose should be off by default")
	}
	if len(cfg.Dialogue.MultiValued) == 0 {
		t.Error("MultiValued should not be empty")
	}
}

// TestDefaultConfig_Resolver verifies resolver timeout and breaker defaults
func TestDefaultConfig_Resolver(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.ResolverTimeout(); got != 2*time.Second {
		t.Errorf("ResolverTimeout = %v, want 2s", got)
	}
	if cfg.Resolver.BreakerFailures == 0 {
		t.Error("BreakerFailures should not be zero")
	}
	if cfg.Resolver.CatalogPath != "" {
		t.Error("CatalogPath should be empty by default")
	}
}

// TestDefaultConfig_Gateway verifies gateway defaults
func TestDefaultConfig_Gateway(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Gateway.Workers == 0 {
		t.Error("Gateway workers should have default value")
	}
	if cfg.Gateway.PruneSchedule == "" {
		t.Error("Gateway prune schedule should have default value")
	}
	if got := cfg.IdleTimeout(); got != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want 30m", got)
	}
}

func TestDefaultConfig_StorePathExpandsHome(t *testing.T) {
	cfg := DefaultConfig()

	path := cfg.StorePath()
	if path == "" || path[0] == '~' {
		t.Errorf("StorePath should expand ~, got %q", path)
	}
	if filepath.Base(path) != "sessions.db" {
		t.Errorf("StorePath = %q, want sessions.db", path)
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestLoadConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Dialogue.ClarifyThreshold = 7
	cfg.Store.Driver = "memory"
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Dialogue.ClarifyThreshold != 7 {
		t.Errorf("ClarifyThreshold = %d, want 7", loaded.Dialogue.ClarifyThreshold)
	}
	if loaded.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", loaded.Store.Driver)
	}
	// untouched sections keep their defaults
	if loaded.Resolver.TimeoutMS != 2000 {
		t.Errorf("Resolver.TimeoutMS = %d, want 2000", loaded.Resolver.TimeoutMS)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("RECDM_DIALOGUE_CLARIFY_THRESHOLD", "12")
	t.Setenv("RECDM_DIALOGUE_CONFIRM_BEFORE_CLOSE", "true")
	t.Setenv("RECDM_DIALOGUE_MULTI_VALUED", "genre,mood")
	t.Setenv("RECDM_STORE_DRIVER", "memory")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Dialogue.ClarifyThreshold; got != 12 {
		t.Fatalf("expected env override threshold, got %d", got)
	}
	if !cfg.Dialogue.ConfirmBeforeClose {
		t.Fatal("expected env override confirm_before_close")
	}
	if got := cfg.Dialogue.MultiValued; len(got) != 2 || got[1] != "mood" {
		t.Fatalf("expected env override multi_valued, got %v", got)
	}
	if got := cfg.Store.Driver; got != "memory" {
		t.Fatalf("expected env override driver, got %q", got)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"log":{"level":"warn"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RECDM_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected env to win over file, got %q", cfg.Log.Level)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"malformed": `{"dialogue":`,
		"strategy":  `{"dialogue":{"relax_strategy":"random"}}`,
		"driver":    `{"store":{"driver":"postgres"}}`,
		"cap":       `{"dialogue":{"relaxation_cap":-1}}`,
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".json")
		if err := os.WriteFile(path, []byte(body), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
