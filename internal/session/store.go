package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/signvia/signflow/model"
)

// DefaultStorageKey is the key the serialized session is persisted under.
const DefaultStorageKey = "signflow.session"

// Store holds the current flow session in memory and mirrors every mutation
// into its KV. Reads are synchronous; mutations notify subscribers after the
// new state is persisted and swapped in, so a render never observes a
// half-applied patch.
type Store struct {
	mu      sync.RWMutex
	kv      KV
	key     string
	logger  *zap.Logger
	current *model.FlowSession

	subMu   sync.Mutex
	subs    map[int]func(*model.FlowSession)
	nextSub int
}

// Option configures a Store.
type Option func(*Store)

// WithStorageKey overrides the persistence key.
func WithStorageKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// WithLogger sets the store's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a Store over the given KV and loads any previously
// persisted session. A corrupt or unparseable record is treated as absent,
// not fatal: the record is dropped and the flow starts fresh.
func NewStore(kv KV, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		key:    DefaultStorageKey,
		logger: zap.NewNop(),
		subs:   make(map[int]func(*model.FlowSession)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.restore()
	return s
}

// restore loads the persisted session, if any.
func (s *Store) restore() {
	data, ok, err := s.kv.Get(s.key)
	if err != nil {
		s.logger.Warn("session: reading persisted state failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var sess model.FlowSession
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("session: persisted state is corrupt, discarding", zap.Error(err))
		_ = s.kv.Delete(s.key)
		return
	}
	if err := sess.Validate(); err != nil {
		s.logger.Warn("session: persisted state is invalid, discarding", zap.Error(err))
		_ = s.kv.Delete(s.key)
		return
	}
	s.current = &sess
}

// Current returns a copy of the current session, or nil when no flow is in
// progress.
func (s *Store) Current() *model.FlowSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Token returns the flow token of the current session and whether one exists.
func (s *Store) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.FlowToken == "" {
		return "", false
	}
	return s.current.FlowToken, true
}

// Replace installs a whole new session, persisting it and notifying
// subscribers. It is the mutation channel used after initiate.
func (s *Store) Replace(sess *model.FlowSession) error {
	if sess == nil {
		return fmt.Errorf("session: cannot replace with nil session")
	}
	if err := sess.Validate(); err != nil {
		return err
	}
	cp := sess.Clone()
	if err := s.persist(cp); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = cp
	s.mu.Unlock()
	s.notify(cp)
	return nil
}

// Patch applies fn to a copy of the current session, persists the result, and
// swaps it in atomically. It is the mutation channel used after a challenge
// verification response. Returns an error when no session exists.
func (s *Store) Patch(fn func(*model.FlowSession)) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return model.NewSessionNotFoundError()
	}
	next := s.current.Clone()
	fn(next)
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.current = next
	s.mu.Unlock()
	s.notify(next)
	return nil
}

// Clear removes the session from memory and storage and notifies subscribers
// with nil. Used on completion and abandonment.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	if err := s.kv.Delete(s.key); err != nil {
		return err
	}
	s.notify(nil)
	return nil
}

// Subscription is a handle to a change subscription. Cancel is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers fn to run after every mutation with a copy of the new
// session (nil after Clear). The returned handle must be cancelled when the
// observer goes away, so listeners cannot leak across step transitions.
func (s *Store) Subscribe(fn func(*model.FlowSession)) *Subscription {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return &Subscription{cancel: func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}}
}

// notify runs subscribers with their own copy of the session.
func (s *Store) notify(sess *model.FlowSession) {
	s.subMu.Lock()
	fns := make([]func(*model.FlowSession), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(sess.Clone())
	}
}

// persist serializes the session into the KV.
func (s *Store) persist(sess *model.FlowSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	return s.kv.Set(s.key, data)
}
