package state

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/convoy-dev/convoy/pkg/cache"
)

// fakeBacking is an in-memory stand-in for the durable state service. It
// applies partial documents the way the real service does: field by field.
type fakeBacking struct {
	mu    sync.Mutex
	docs  map[string]map[string]json.RawMessage
	saves atomic.Int64
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{docs: make(map[string]map[string]json.RawMessage)}
}

func (f *fakeBacking) handler() http.Handler {
	mux := http.NewServeMux()
	get := func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		doc, ok := f.docs[r.URL.Query().Get("id")]
		f.mu.Unlock()
		if !ok {
			http.Error(w, `{"detail":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}
	post := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var partial map[string]json.RawMessage
		if err := json.Unmarshal(body, &partial); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var id string
		json.Unmarshal(partial["conversation_id"], &id)

		f.mu.Lock()
		doc, ok := f.docs[id]
		if !ok {
			doc = make(map[string]json.RawMessage)
			f.docs[id] = doc
		}
		for k, v := range partial {
			doc[k] = v
		}
		f.mu.Unlock()
		f.saves.Add(1)
		w.WriteHeader(http.StatusOK)
	}
	mux.HandleFunc("/conversation/state", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			get(w, r)
		case http.MethodPost:
			post(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func setupStore(t *testing.T) (*miniredis.Miniredis, *fakeBacking, *Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tier := cache.NewRedisTierFromClient(client, "test:")
	t.Cleanup(func() { _ = tier.Close() })

	backing := newFakeBacking()
	srv := httptest.NewServer(backing.handler())
	t.Cleanup(srv.Close)

	store := NewStore(StoreOptions{
		Cache: cache.NewManager(cache.ManagerOptions{
			LocalCapacity: 32,
			Redis:         tier,
			Logger:        zerolog.Nop(),
		}),
		Backing: NewBackingClient(srv.URL, 5*time.Second),
		Logger:  zerolog.Nop(),
		Workers: 2,
	})
	t.Cleanup(store.Close)
	return mr, backing, store
}

func TestStore_GetOrCreate_MissReturnsFreshState(t *testing.T) {
	_, _, store := setupStore(t)

	st := store.GetOrCreate(context.Background(), "nobody")
	if st == nil {
		t.Fatal("expected a state")
	}
	if !st.IsNew() {
		t.Error("full miss must produce a new conversation")
	}
	if st.ConversationID != "nobody" {
		t.Errorf("unexpected id: %s", st.ConversationID)
	}
}

func TestStore_SaveThenReload(t *testing.T) {
	_, _, store := setupStore(t)
	ctx := context.Background()

	st := store.GetOrCreate(ctx, "c1")
	st.SetTasks([]*Task{newTask("intake", "greeting", "symptoms")})
	st.MarkCheckpointComplete("greeting", nil)
	if err := store.Save(ctx, st, true); err != nil {
		t.Fatal(err)
	}

	loaded := store.GetOrCreate(ctx, "c1")
	if loaded.IsNew() {
		t.Fatal("expected persisted conversation")
	}
	cp := loaded.CurrentCheckpoint()
	if cp == nil || cp.Name != "symptoms" {
		t.Fatalf("expected symptoms current after reload, got %+v", cp)
	}
}

func TestStore_ReloadFromBackingWhenCacheGone(t *testing.T) {
	mr, _, store := setupStore(t)
	ctx := context.Background()

	st := store.GetOrCreate(ctx, "c1")
	st.SetTasks([]*Task{newTask("intake", "greeting")})
	st.AppendContext("hi", "hello")
	if err := store.Save(ctx, st, true); err != nil {
		t.Fatal(err)
	}

	// Wipe both cache tiers so the read has to hit the backing store.
	store.cache.Delete(ctx, store.cacheKey("c1"))
	mr.FlushAll()

	loaded := store.GetOrCreate(ctx, "c1")
	if loaded.IsNew() {
		t.Fatal("expected state from backing store")
	}
	if len(loaded.Context) != 2 {
		t.Errorf("context lost: %d entries", len(loaded.Context))
	}
	if loaded.CurrentCheckpoint() == nil {
		t.Error("task stack lost")
	}
}

func TestStore_BackingOutageStartsNewConversation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tier := cache.NewRedisTierFromClient(client, "test:")
	t.Cleanup(func() { _ = tier.Close() })

	// Point the backing client at a server that is already gone.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	store := NewStore(StoreOptions{
		Cache: cache.NewManager(cache.ManagerOptions{
			LocalCapacity: 8,
			Redis:         tier,
			Logger:        zerolog.Nop(),
		}),
		Backing: NewBackingClient(srv.URL, time.Second),
		Logger:  zerolog.Nop(),
	})
	t.Cleanup(store.Close)

	st := store.GetOrCreate(context.Background(), "c1")
	if st == nil || !st.IsNew() {
		t.Fatal("backing outage must degrade to a fresh conversation, not fail")
	}
}

func TestStore_SaveRateLimited(t *testing.T) {
	_, backing, store := setupStore(t)
	ctx := context.Background()

	st := store.GetOrCreate(ctx, "c1")
	st.AppendContext("q1", "a1")
	if err := store.Save(ctx, st, false); err != nil {
		t.Fatal(err)
	}

	// A second unforced save inside the interval is skipped.
	st.AppendContext("q2", "a2")
	if err := store.Save(ctx, st, false); err != nil {
		t.Fatal(err)
	}
	if got := backing.saves.Load(); got != 1 {
		t.Fatalf("expected 1 durable save, got %d", got)
	}
	if len(st.DirtyFields()) == 0 {
		t.Error("skipped save must keep fields dirty")
	}

	// Forcing bypasses the interval.
	if err := store.Save(ctx, st, true); err != nil {
		t.Fatal(err)
	}
	if got := backing.saves.Load(); got != 2 {
		t.Fatalf("expected 2 durable saves after force, got %d", got)
	}
	if len(st.DirtyFields()) != 0 {
		t.Errorf("successful save must clear dirty set, got %v", st.DirtyFields())
	}
}

func TestStore_SavePartialDocOnlyDirtyFields(t *testing.T) {
	_, backing, store := setupStore(t)
	ctx := context.Background()

	st := store.GetOrCreate(ctx, "c1")
	st.AppendContext("hi", "hello")
	if err := store.Save(ctx, st, true); err != nil {
		t.Fatal(err)
	}

	backing.mu.Lock()
	doc := backing.docs["c1"]
	backing.mu.Unlock()

	if _, ok := doc["context"]; !ok {
		t.Error("expected context in persisted doc")
	}
	if _, ok := doc["task_stack"]; ok {
		t.Error("clean task_stack must not be persisted")
	}
}

func TestStore_CleanStateSaveIsNoop(t *testing.T) {
	_, backing, store := setupStore(t)

	st := store.GetOrCreate(context.Background(), "c1")
	if err := store.Save(context.Background(), st, true); err != nil {
		t.Fatal(err)
	}
	if got := backing.saves.Load(); got != 0 {
		t.Errorf("expected no durable save for clean state, got %d", got)
	}
}

func TestStore_AcquireSerializesWriters(t *testing.T) {
	_, _, store := setupStore(t)

	var inSection atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := store.Acquire("c1")
			defer release()
			if n := inSection.Add(1); n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inSection.Add(-1)
		}()
	}
	wg.Wait()

	if maxSeen.Load() > 1 {
		t.Errorf("expected mutual exclusion, saw %d writers inside", maxSeen.Load())
	}
}

func TestStore_CloseDrainsQueuedSaves(t *testing.T) {
	_, backing, store := setupStore(t)
	ctx := context.Background()

	st := store.GetOrCreate(ctx, "c1")
	st.AppendContext("hi", "hello")
	if err := store.SaveAsync(ctx, st); err != nil {
		t.Fatal(err)
	}

	store.Close()
	if got := backing.saves.Load(); got != 1 {
		t.Errorf("expected queued save to flush on close, got %d", got)
	}

	st.AppendContext("again", "bye")
	if err := store.SaveAsync(ctx, st); err == nil {
		t.Error("expected error saving through a closed store")
	}
}

func TestStore_SaveAsyncImmediatelyReadable(t *testing.T) {
	_, _, store := setupStore(t)
	ctx := context.Background()

	st := store.GetOrCreate(ctx, "c1")
	st.AppendContext("hi", "hello")
	if err := store.SaveAsync(ctx, st); err != nil {
		t.Fatal(err)
	}

	// The cache tiers are written before SaveAsync returns; the durable write
	// may still be queued.
	loaded := store.GetOrCreate(ctx, "c1")
	if loaded.IsNew() {
		t.Fatal("expected the queued state to be readable right away")
	}
	if len(loaded.Context) != 2 {
		t.Errorf("context lost: %d entries", len(loaded.Context))
	}
}

func TestStore_AcquirePrunesReleasedLocks(t *testing.T) {
	_, _, store := setupStore(t)

	releaseA := store.Acquire("c1")
	releaseB := store.Acquire("c2")

	store.mu.Lock()
	held := len(store.locks)
	store.mu.Unlock()
	if held != 2 {
		t.Fatalf("expected 2 live lock entries, got %d", held)
	}

	releaseA()
	releaseB()

	store.mu.Lock()
	left := len(store.locks)
	store.mu.Unlock()
	if left != 0 {
		t.Errorf("released locks must be pruned, %d entries left", left)
	}
}
