package monitor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/convoy-dev/convoy/internal/registry"
	"github.com/convoy-dev/convoy/pkg/config"
)

func testMonitor(t *testing.T, srvURL string) *Monitor {
	t.Helper()

	u, err := url.Parse(srvURL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Agents: map[string]config.AgentConfig{
			"primary":   {Host: host, Port: port, Class: "core"},
			"checklist": {Host: host, Port: port, Class: "sync"},
		},
	}
	reg, err := registry.Load(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return New(Options{Registry: reg, Logger: zerolog.Nop()})
}

func TestProbeAll_RecordsHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("expected /health probe, got %s", r.URL.Path)
		}
		if !healthy.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	m := testMonitor(t, srv.URL)
	m.ProbeAll(context.Background())

	if !m.Healthy("primary") || !m.Healthy("checklist") {
		t.Errorf("expected both agents healthy, got %v", m.Snapshot())
	}

	healthy.Store(false)
	m.ProbeAll(context.Background())
	if m.Healthy("primary") {
		t.Error("expected primary unhealthy after 503")
	}
}

func TestProbeAll_UnreachableAgentIsDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	m := testMonitor(t, srv.URL)
	m.ProbeAll(context.Background())

	if m.Healthy("primary") {
		t.Error("unreachable agent must report unhealthy")
	}
}

func TestHealthy_UnknownAgent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	m := testMonitor(t, srv.URL)
	if m.Healthy("ghost") {
		t.Error("unknown agent must report unhealthy")
	}
}
