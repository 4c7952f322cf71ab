package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoy-dev/convoy/pkg/cache"
	"github.com/convoy-dev/convoy/pkg/observability"
)

// saveInterval is the minimum spacing between unforced saves of the same
// conversation.
const saveInterval = 5 * time.Second

// ErrStoreClosed is returned when saving through a closed store.
var ErrStoreClosed = errors.New("state store is closed")

// Store loads and persists conversation state through the cache tiers and the
// durable backing service. Same-process writers for one conversation are
// serialized through Acquire.
type Store struct {
	cache   *cache.Manager
	backing *BackingClient
	metrics *observability.Metrics
	log     zerolog.Logger
	ttl     time.Duration

	mu    sync.Mutex
	locks map[string]*convLock

	jobs   chan *ConversationState
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// StoreOptions configures a Store. Backing may be nil when running without a
// durable tier (tests, local development).
type StoreOptions struct {
	Cache   *cache.Manager
	Backing *BackingClient
	Metrics *observability.Metrics
	Logger  zerolog.Logger
	// TTL bounds cached conversation documents (default 1h).
	TTL time.Duration
	// Workers sizes the background persistence pool (default 4).
	Workers int
	// QueueDepth bounds pending background saves (default 64).
	QueueDepth int
}

// NewStore creates a conversation state store and starts its persistence pool.
func NewStore(opts StoreOptions) *Store {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 64
	}

	s := &Store{
		cache:   opts.Cache,
		backing: opts.Backing,
		metrics: opts.Metrics,
		log:     opts.Logger,
		ttl:     ttl,
		locks:   make(map[string]*convLock),
		jobs:    make(chan *ConversationState, depth),
		closed:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.persistLoop()
	}
	return s
}

// convLock is a per-conversation mutex with a count of holders and waiters,
// so the entry can be pruned once nobody references it.
type convLock struct {
	mu   sync.Mutex
	refs int
}

// Acquire locks the conversation for the caller and returns the release
// function. Concurrent requests for the same conversation serialize here;
// different conversations proceed independently. The lock entry is removed
// once the last holder releases it.
func (s *Store) Acquire(conversationID string) func() {
	s.mu.Lock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &convLock{}
		s.locks[conversationID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			s.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(s.locks, conversationID)
			}
			s.mu.Unlock()
		})
	}
}

func (s *Store) cacheKey(conversationID string) string {
	return cache.Key("conv", conversationID)
}

// GetOrCreate loads conversation state: cache tiers first, then the backing
// store, then a fresh empty state. It never fails a request; a backing-store
// outage starts a new conversation with a warning.
func (s *Store) GetOrCreate(ctx context.Context, conversationID string) *ConversationState {
	if data, ok := s.cache.Get(ctx, s.cacheKey(conversationID)); ok {
		st, err := Unmarshal(data)
		if err == nil {
			return st
		}
		s.log.Warn().Err(err).Str("conversation_id", conversationID).
			Msg("discarding undecodable cached state")
	}

	if s.backing != nil {
		st, err := s.backing.FetchState(ctx, conversationID)
		switch {
		case err == nil:
			if data, merr := st.Marshal(); merr == nil {
				s.cache.Set(ctx, s.cacheKey(conversationID), data, s.ttl)
			}
			return st
		case errors.Is(err, ErrNotFound):
		default:
			s.log.Warn().Err(err).Str("conversation_id", conversationID).
				Msg("backing store unavailable, starting new conversation")
		}
	}

	return New(conversationID)
}

// Save persists the state: the full document into both cache tiers, and a
// partial document of dirty fields into the backing store. Unforced saves
// within 5s of the previous one skip the durable write and keep the fields
// dirty. A clean state is a no-op.
func (s *Store) Save(ctx context.Context, st *ConversationState, force bool) error {
	if len(st.dirty) == 0 {
		return nil
	}
	if err := s.writeCache(ctx, st); err != nil {
		return err
	}
	if !force && !st.lastSaved.IsZero() && time.Since(st.lastSaved) < saveInterval {
		return nil
	}
	return s.saveDurable(ctx, st)
}

// SaveAsync writes the cache tiers before returning, so subsequent reads in
// this process see the latest state, and hands the durable write to the
// background pool. When the queue is full the durable write runs inline so
// state is never silently dropped.
func (s *Store) SaveAsync(ctx context.Context, st *ConversationState) error {
	if len(st.dirty) == 0 {
		return nil
	}
	select {
	case <-s.closed:
		return ErrStoreClosed
	default:
	}

	if err := s.writeCache(ctx, st); err != nil {
		return err
	}
	if !st.lastSaved.IsZero() && time.Since(st.lastSaved) < saveInterval {
		return nil
	}

	select {
	case s.jobs <- st:
		return nil
	default:
		return s.saveDurable(ctx, st)
	}
}

// writeCache stores the full document in both cache tiers.
func (s *Store) writeCache(ctx context.Context, st *ConversationState) error {
	data, err := st.Marshal()
	if err != nil {
		return err
	}
	s.cache.Set(ctx, s.cacheKey(st.ConversationID), data, s.ttl)
	return nil
}

// saveDurable posts the dirty fields to the backing store and marks the state
// clean on success.
func (s *Store) saveDurable(ctx context.Context, st *ConversationState) error {
	if s.backing != nil {
		if err := s.backing.SaveState(ctx, st, st.DirtyFields()); err != nil {
			// The cache tiers hold the latest copy; keep the fields dirty so
			// the next save retries the durable write.
			s.log.Error().Err(err).Str("conversation_id", st.ConversationID).
				Msg("backing store save failed")
			return err
		}
	}

	st.clearDirty()
	st.lastSaved = time.Now()
	if s.metrics != nil {
		s.metrics.RecordStateSave()
	}
	return nil
}

func (s *Store) persistLoop() {
	defer s.wg.Done()
	for st := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		// saveDurable logs its own failures.
		_ = s.saveDurable(ctx, st)
		cancel()
	}
}

// Close stops accepting background saves and drains the queue.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.closed)
		close(s.jobs)
	})
	s.wg.Wait()
}
