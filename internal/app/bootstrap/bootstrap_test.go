package bootstrap

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
	"edgeway/internal/platform/config"
)

func TestBuildBackendsAppliesDefaults(t *testing.T) {
	registrations, err := BuildBackends([]config.Backend{
		{Name: "phi", Kind: "local", Endpoint: "http://127.0.0.1:8081", OfflineCapable: true},
		{Name: "cloud", Kind: "REMOTE", Endpoint: "https://api.example.com", Capacity: 8, ExpectedLatency: 2 * time.Second},
	})
	if err != nil {
		t.Fatalf("build backends: %v", err)
	}
	if len(registrations) != 2 {
		t.Fatalf("expected 2 registrations, got %d", len(registrations))
	}
	local := registrations[0].Descriptor
	if local.Kind != entities.BackendLocal || local.Capacity != 1 || !local.OfflineCapable {
		t.Fatalf("unexpected local descriptor: %+v", local)
	}
	remote := registrations[1].Descriptor
	if remote.Kind != entities.BackendRemote || remote.Capacity != 8 || remote.ExpectedLatency != 2*time.Second {
		t.Fatalf("unexpected remote descriptor: %+v", remote)
	}
	if registrations[0].Dispatcher == nil || registrations[1].Dispatcher == nil {
		t.Fatalf("expected dispatchers")
	}

	if _, err := BuildBackends([]config.Backend{{Name: "x", Kind: "quantum", Endpoint: "http://x"}}); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestBuildAPIWithInMemoryProfile(t *testing.T) {
	t.Setenv("EDGEWAY_CONFIG", "")
	t.Setenv("EDGEWAY_PROFILE", "mcu")
	t.Setenv("EDGEWAY_LOG_LEVEL", "error")
	t.Setenv("EDGEWAY_LOCAL_ENDPOINT", "http://127.0.0.1:1")
	t.Setenv("EDGEWAY_REMOTE_ENDPOINT", "")

	app, err := BuildAPI("")
	if err != nil {
		t.Fatalf("build api: %v", err)
	}
	defer app.Close()

	if app.gateway.Pool.Len() != 1 {
		t.Fatalf("expected the shortcut backend registered, got %d", app.gateway.Pool.Len())
	}
	gauges := GaugeSource(app.gateway)()
	if gauges.ResourceBudget != 4<<20 || len(gauges.Backends) != 1 || gauges.Backends[0].Circuit != "closed" {
		t.Fatalf("unexpected gauges: %+v", gauges)
	}
	if len(gauges.QueueDepth) != len(entities.Priorities) {
		t.Fatalf("expected a depth per priority, got %v", gauges.QueueDepth)
	}

	restored, err := app.gateway.Restore(context.Background())
	if err != nil || restored != 0 {
		t.Fatalf("expected empty restore, got %d %v", restored, err)
	}
}

func TestNewLoggerHonorsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "text", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "event", "probe")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "event=probe") {
		t.Fatalf("unexpected text log output: %q", out)
	}

	buf.Reset()
	NewLogger("", "", &buf).Info("json", "event", "probe")
	if !strings.Contains(buf.String(), `"event":"probe"`) {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}
}

func TestNormalizeAddr(t *testing.T) {
	cases := map[string]string{"": ":8080", "9090": ":9090", ":7000": ":7000", "0.0.0.0:80": "0.0.0.0:80"}
	for input, want := range cases {
		if got := normalizeAddr(input); got != want {
			t.Fatalf("normalizeAddr(%q): expected %q, got %q", input, want, got)
		}
	}
}
