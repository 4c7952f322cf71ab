package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/convoy-dev/convoy/internal/client"
	"github.com/convoy-dev/convoy/internal/executor"
	"github.com/convoy-dev/convoy/internal/graph"
	"github.com/convoy-dev/convoy/internal/registry"
	"github.com/convoy-dev/convoy/pkg/cache"
	"github.com/convoy-dev/convoy/pkg/config"
	"github.com/convoy-dev/convoy/pkg/state"
)

// agentDoubles serves fake agent services from one listener, one path per
// agent.
type agentDoubles struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    map[string]int
}

func newAgentDoubles(t *testing.T) *agentDoubles {
	t.Helper()
	d := &agentDoubles{
		t:        t,
		handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[1:]
		d.mu.Lock()
		d.calls[name]++
		h := d.handlers[name]
		d.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		respond(w, map[string]any{"agent": name, "message_to_user": "ok"})
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func respond(w http.ResponseWriter, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (d *agentDoubles) handle(agent string, h http.HandlerFunc) {
	d.mu.Lock()
	d.handlers[agent] = h
	d.mu.Unlock()
}

func (d *agentDoubles) callCount(agent string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[agent]
}

func setupEngine(t *testing.T, d *agentDoubles) *Engine {
	t.Helper()
	return setupEngineWithDeps(t, d, map[string][]string{
		"nutrition": {"privacy", "followup"},
	})
}

// setupEngineWithDeps builds the full stack with the given agent dependency
// lists layered over the standard six-agent topology.
func setupEngineWithDeps(t *testing.T, d *agentDoubles, deps map[string][]string) *Engine {
	t.Helper()

	u, err := url.Parse(d.srv.URL)
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

	noRetries := 0
	agent := func(class string) config.AgentConfig {
		return config.AgentConfig{
			Host: host, Port: port, Class: class,
			MaxRetries: &noRetries,
		}
	}
	cfg := &config.Config{
		Agents: map[string]config.AgentConfig{
			"primary":   agent("core"),
			"checklist": agent("sync"),
			"privacy":   agent("sync"),
			"followup":  agent("sync"),
			"nutrition": agent("sync"),
			"history":   agent("async"),
		},
		TimeoutProfiles: map[string]config.TimeoutProfile{
			"default": {Connect: time.Second, Read: 2 * time.Second},
		},
	}
	// Paths default to /process; point each agent at its own path instead.
	for name, ac := range cfg.Agents {
		ac.Path = "/" + name
		ac.Dependencies = deps[name]
		cfg.Agents[name] = ac
	}

	reg, err := registry.Load(cfg)
	if err != nil {
		t.Fatal(err)
	}

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tier := cache.NewRedisTierFromClient(rc, "test:")
	t.Cleanup(func() { _ = tier.Close() })
	mgr := cache.NewManager(cache.ManagerOptions{LocalCapacity: 64, Redis: tier, Logger: zerolog.Nop()})

	store := state.NewStore(state.StoreOptions{Cache: mgr, Logger: zerolog.Nop()})
	t.Cleanup(store.Close)

	ex := executor.New(executor.Options{
		Registry: reg,
		Caller: client.New(client.Options{
			Registry:  reg,
			Logger:    zerolog.Nop(),
			BaseDelay: time.Millisecond,
		}),
		Cache:         mgr,
		Logger:        zerolog.Nop(),
		BatchDeadline: 5 * time.Second,
	})

	return New(Options{
		Registry: reg,
		Store:    store,
		Executor: ex,
		Logger:   zerolog.Nop(),
	})
}

func TestProcessTurn_NewConversationBootstraps(t *testing.T) {
	d := newAgentDoubles(t)
	d.handle("checklist", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{
			"checkpoints": []any{
				map[string]any{"name": "greeting", "label": "Greet the user"},
				map[string]any{"name": "symptoms", "label": "Collect symptoms", "expected_inputs": []any{"symptoms"}},
			},
		})
	})
	d.handle("primary", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{"message_to_user": "hello there"})
	})

	e := setupEngine(t, d)
	result, err := e.ProcessTurn(context.Background(), Query{ConversationID: "c1", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	if result.CurrentCheckpoint != "greeting" {
		t.Errorf("expected greeting current, got %q", result.CurrentCheckpoint)
	}
	if result.Message != "hello there" {
		t.Errorf("expected evaluator message, got %q", result.Message)
	}
	if d.callCount("checklist") != 1 {
		t.Errorf("expected one generator call, got %d", d.callCount("checklist"))
	}
}

func TestProcessTurn_GeneratorFailureFallsBack(t *testing.T) {
	d := newAgentDoubles(t)
	d.handle("checklist", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})

	e := setupEngine(t, d)
	result, err := e.ProcessTurn(context.Background(), Query{ConversationID: "c1", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if result.CurrentCheckpoint != "conversation" {
		t.Errorf("expected fallback checkpoint, got %q", result.CurrentCheckpoint)
	}
}

func TestProcessTurn_CheckpointAdvances(t *testing.T) {
	d := newAgentDoubles(t)
	d.handle("checklist", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{
			"checkpoints": []any{
				map[string]any{"name": "greeting", "label": "Greet"},
				map[string]any{"name": "symptoms", "label": "Symptoms"},
			},
		})
	})
	d.handle("primary", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{
			"checkpoint_complete": true,
			"collected_inputs":    map[string]any{"name": "Ada"},
			"message_to_user":     "nice to meet you",
		})
	})

	e := setupEngine(t, d)
	ctx := context.Background()

	result, err := e.ProcessTurn(ctx, Query{ConversationID: "c1", Text: "hi, I am Ada"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.CheckpointComplete {
		t.Fatal("expected checkpoint completion")
	}
	if result.CurrentCheckpoint != "symptoms" {
		t.Errorf("expected advance to symptoms, got %q", result.CurrentCheckpoint)
	}

	// The next turn picks up where the last one left off.
	second, err := e.ProcessTurn(ctx, Query{ConversationID: "c1", Text: "my head hurts"})
	if err != nil {
		t.Fatal(err)
	}
	if second.CurrentCheckpoint != "symptoms" && len(second.CompletedChecklists) == 0 {
		t.Errorf("conversation lost its progress: %+v", second)
	}
	if d.callCount("checklist") != 1 {
		t.Errorf("generator must only run for new conversations, got %d calls", d.callCount("checklist"))
	}
}

func TestProcessTurn_SyncAndAsyncResultsMerged(t *testing.T) {
	d := newAgentDoubles(t)
	d.handle("history", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{"summary": "first visit"})
	})

	e := setupEngine(t, d)
	ctx := context.Background()

	result, err := e.ProcessTurn(ctx, Query{
		ConversationID: "c1",
		Text:           "hi",
		Agents:         []string{"followup", "history"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.AgentResults["followup"] == nil || result.AgentResults["history"] == nil {
		t.Fatalf("expected results for both agents: %v", result.AgentResults)
	}

	// Both land in notifications once, then never again.
	names := map[string]bool{}
	for _, n := range result.Notifications {
		names[n.AgentName] = true
	}
	if !names["followup"] || !names["history"] {
		t.Errorf("expected both results surfaced, got %v", names)
	}

	second, err := e.ProcessTurn(ctx, Query{ConversationID: "c1", Text: "and now?"})
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Notifications) != 0 {
		t.Errorf("results must surface at most once, got %d again", len(second.Notifications))
	}
}

func TestProcessTurn_SupportChecklistMergedAndPinned(t *testing.T) {
	d := newAgentDoubles(t)
	d.handle("nutrition", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{"add_checklist": true})
	})
	d.handle("privacy", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{"add_checklist": true})
	})

	e := setupEngine(t, d)
	result, err := e.ProcessTurn(context.Background(), Query{
		ConversationID: "c1",
		Text:           "what should I eat?",
		Agents:         []string{"nutrition"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// nutrition's dependencies privacy and followup ran too.
	if result.AgentResults["privacy"] == nil || result.AgentResults["followup"] == nil {
		t.Fatalf("expected dependency results: %v", result.AgentResults)
	}

	st := e.store.GetOrCreate(context.Background(), "c1")
	labels := make([]string, 0, len(st.TaskStack))
	for _, task := range st.TaskStack {
		labels = append(labels, task.Label)
	}
	if len(labels) < 3 {
		t.Fatalf("expected main + support tasks, got %v", labels)
	}
	if labels[len(labels)-1] != "privacy" {
		t.Errorf("privacy must be pinned to the back, got %v", labels)
	}
}

func TestProcessTurn_DependencyCycleIsHardError(t *testing.T) {
	d := newAgentDoubles(t)
	e := setupEngineWithDeps(t, d, map[string][]string{
		"nutrition": {"privacy"},
		"privacy":   {"nutrition"},
	})

	_, err := e.ProcessTurn(context.Background(), Query{
		ConversationID: "c1",
		Text:           "what should I eat?",
		Agents:         []string{"nutrition"},
	})
	var cfgErr *graph.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error for dependency cycle, got %v", err)
	}
	if d.callCount("nutrition") != 0 || d.callCount("privacy") != 0 {
		t.Error("no cyclic agent may be called")
	}
}

func TestProcessTurn_EmptyTextRejected(t *testing.T) {
	d := newAgentDoubles(t)
	e := setupEngine(t, d)

	if _, err := e.ProcessTurn(context.Background(), Query{ConversationID: "c1"}); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestProcessTurn_AssignsConversationID(t *testing.T) {
	d := newAgentDoubles(t)
	e := setupEngine(t, d)

	result, err := e.ProcessTurn(context.Background(), Query{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if result.ConversationID == "" {
		t.Error("expected a generated conversation id")
	}
}
