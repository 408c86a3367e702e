package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"EDGEWAY_CONFIG", "EDGEWAY_PROFILE", "EDGEWAY_LOCAL_ENDPOINT", "EDGEWAY_REMOTE_ENDPOINT",
		"EDGEWAY_HTTP_ENABLE_SWAGGER", "EDGEWAY_QUEUE_DURABILITY", "EDGEWAY_QUEUE_POSTGRES_DSN",
	} {
		t.Setenv(name, "")
	}
}

func TestEdgeProfileIsTheDefault(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Profile != ProfileEdge || cfg.Queue.Durability != DurabilitySQLite {
		t.Fatalf("expected edge profile with sqlite, got %s/%s", cfg.Profile, cfg.Queue.Durability)
	}
	if cfg.Memory.BudgetBytes != 64<<20 || cfg.Drain.Concurrency != 4 || cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("unexpected edge defaults: %+v", cfg)
	}
	if cfg.Breaker.BaseCooldown != 5*time.Second || !cfg.HTTP.EnableSwagger {
		t.Fatalf("unexpected breaker or http defaults: %+v", cfg)
	}
}

func TestMCUProfileShrinksEverything(t *testing.T) {
	clearEnv(t)
	t.Setenv("EDGEWAY_PROFILE", "MCU")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Profile != ProfileMCU || cfg.Queue.Durability != DurabilityMemory {
		t.Fatalf("expected in-memory mcu profile, got %s/%s", cfg.Profile, cfg.Queue.Durability)
	}
	if cfg.Memory.BudgetBytes != 4<<20 || cfg.Queue.MaxEntries != 64 || cfg.Drain.Concurrency != 1 || cfg.HTTP.EnableSwagger {
		t.Fatalf("unexpected mcu defaults: %+v", cfg)
	}
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("EDGEWAY_MEMORY_BUDGET_BYTES", "1000")
	t.Setenv("EDGEWAY_DRAIN_INTERVAL", "250ms")
	t.Setenv("EDGEWAY_HTTP_ENABLE_SWAGGER", "off")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Memory.BudgetBytes != 1000 || cfg.Drain.Interval != 250*time.Millisecond || cfg.HTTP.EnableSwagger {
		t.Fatalf("expected overrides applied, got %+v", cfg)
	}
}

func TestFileDeclaresBackends(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "edgeway.yaml")
	content := `
profile: mcu
memory:
  budget_bytes: 2097152
backends:
  - name: phi
    kind: local
    endpoint: http://127.0.0.1:8081
    capacity: 1
    expected_latency: 4s
    offline_capable: true
  - name: cloud
    kind: remote
    endpoint: https://api.example.com
    api_key: secret
    capacity: 16
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Profile != ProfileMCU || cfg.Memory.BudgetBytes != 2<<20 {
		t.Fatalf("expected file values, got %s %d", cfg.Profile, cfg.Memory.BudgetBytes)
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(cfg.Backends))
	}
	phi := cfg.Backends[0]
	if phi.Name != "phi" || phi.ExpectedLatency != 4*time.Second || !phi.OfflineCapable {
		t.Fatalf("unexpected local backend: %+v", phi)
	}
	if cfg.Backends[1].APIKey != "secret" || cfg.Backends[1].Capacity != 16 {
		t.Fatalf("unexpected remote backend: %+v", cfg.Backends[1])
	}

	t.Setenv("EDGEWAY_CONFIG", path)
	viaEnv, err := Load("")
	if err != nil || len(viaEnv.Backends) != 2 {
		t.Fatalf("expected EDGEWAY_CONFIG to be read, got %d %v", len(viaEnv.Backends), err)
	}
}

func TestShortcutVariablesAddBackends(t *testing.T) {
	clearEnv(t)
	t.Setenv("EDGEWAY_LOCAL_ENDPOINT", "http://127.0.0.1:8081")
	t.Setenv("EDGEWAY_REMOTE_ENDPOINT", "https://api.example.com")
	t.Setenv("EDGEWAY_REMOTE_NAME", "openai")
	t.Setenv("EDGEWAY_REMOTE_OFFLINE_CAPABLE", "yes")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("expected 2 backends, got %+v", cfg.Backends)
	}
	local, remote := cfg.Backends[0], cfg.Backends[1]
	if local.Name != "local" || local.Kind != "local" || !local.OfflineCapable || local.Capacity != 1 {
		t.Fatalf("unexpected local shortcut: %+v", local)
	}
	if remote.Name != "openai" || remote.Kind != "remote" || !remote.OfflineCapable {
		t.Fatalf("unexpected remote shortcut: %+v", remote)
	}
}

func TestValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("EDGEWAY_PROFILE", "server")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "postgres_dsn") {
		t.Fatalf("expected missing dsn error, got %v", err)
	}

	t.Setenv("EDGEWAY_PROFILE", "mainframe")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "unknown profile") {
		t.Fatalf("expected unknown profile error, got %v", err)
	}

	cfg := Config{}
	cfg.Memory.BudgetBytes = 1
	cfg.Queue.Durability = DurabilityMemory
	cfg.Backends = []Backend{{Name: "a", Endpoint: "http://x"}, {Name: "a"}, {Endpoint: "http://y"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, fragment := range []string{"declared twice", "needs an endpoint", "name is required"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in %v", fragment, err)
		}
	}
}

func TestMissingFileIsAnError(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}
