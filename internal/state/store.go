package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// #region store-struct
// Store holds the current state of one domain, a bounded append-only
// history of snapshots, and a set of named snapshots.
type Store struct {
	mu        sync.RWMutex
	cfg       Config
	clock     Clock
	current   State
	history   []StateSnapshot
	snapshots map[string]State

	// pending changes are delivered by a single dispatcher at a time, in
	// mutation order. Guarded by mu.
	pending     []Change
	dispatching bool

	lmu          sync.Mutex
	listeners    map[int]func(Change)
	nextListener int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for entry timestamps.
func WithClock(c Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// #endregion store-struct

// #region constructor
// New creates a store seeded with initial. The seed entry has origin system.
func New(initial State, cfg Config, opts ...Option) *Store {
	if cfg.MaxHistory < 0 {
		cfg.MaxHistory = 0
	}
	s := &Store{
		cfg:       cfg,
		clock:     time.Now,
		snapshots: make(map[string]State),
		listeners: make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current = initial.Clone()
	if s.current == nil {
		s.current = State{}
	}
	s.appendLocked(s.current, OriginSystem, nil)
	return s
}

// #endregion constructor

// #region update
// Update shallow-merges partial onto the current state and appends a history
// entry. An empty origin is recorded as OriginUser.
func (s *Store) Update(partial State, origin Origin) StateSnapshot {
	if origin == "" {
		origin = OriginUser
	}

	s.mu.Lock()
	prev := s.current
	s.current = prev.Merge(partial)
	entry := s.appendLocked(s.current, origin, nil)
	if s.cfg.AutoSnapshot && len(s.history)%AutoSnapshotEvery == 0 {
		name := fmt.Sprintf("auto-%d", entry.Timestamp.UnixMilli())
		s.snapshots[name] = s.current
	}
	ch := Change{
		Kind:       ChangeUpdate,
		Previous:   prev.Clone(),
		Current:    s.current.Clone(),
		Entry:      copyEntry(entry),
		Partial:    partial.Clone(),
		HistoryLen: len(s.history),
	}
	s.pending = append(s.pending, ch)
	s.mu.Unlock()

	s.dispatch()
	return copyEntry(entry)
}

// #endregion update

// #region revert
// RevertTo restores the state of the first history entry whose timestamp
// equals ts exactly, recording the revert as a new entry. Returns false and
// changes nothing when no entry matches.
func (s *Store) RevertTo(ts time.Time) bool {
	s.mu.Lock()
	idx := -1
	for i := range s.history {
		if s.history[i].Timestamp.Equal(ts) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	prev := s.current
	s.current = s.history[idx].State
	entry := s.appendLocked(s.current, OriginSystem, map[string]any{"revertedFrom": ts})
	ch := Change{
		Kind:       ChangeRevert,
		Previous:   prev.Clone(),
		Current:    s.current.Clone(),
		Entry:      copyEntry(entry),
		HistoryLen: len(s.history),
	}
	s.pending = append(s.pending, ch)
	s.mu.Unlock()

	s.dispatch()
	return true
}

// #endregion revert

// #region snapshots
// CreateSnapshot stores a copy of the current state under name, replacing
// any earlier snapshot with that name.
func (s *Store) CreateSnapshot(name string) {
	s.mu.Lock()
	s.snapshots[name] = s.current
	ch := Change{
		Kind:         ChangeSnapshot,
		Previous:     s.current.Clone(),
		Current:      s.current.Clone(),
		SnapshotName: name,
		HistoryLen:   len(s.history),
	}
	s.pending = append(s.pending, ch)
	s.mu.Unlock()

	s.dispatch()
}

// LoadSnapshot makes the named snapshot current and records the load as a
// history entry. Returns false when the name is unknown.
func (s *Store) LoadSnapshot(name string) bool {
	s.mu.Lock()
	snap, ok := s.snapshots[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	prev := s.current
	s.current = snap
	entry := s.appendLocked(s.current, OriginSystem, map[string]any{"loadedSnapshot": name})
	ch := Change{
		Kind:         ChangeLoad,
		Previous:     prev.Clone(),
		Current:      s.current.Clone(),
		Entry:        copyEntry(entry),
		SnapshotName: name,
		HistoryLen:   len(s.history),
	}
	s.pending = append(s.pending, ch)
	s.mu.Unlock()

	s.dispatch()
	return true
}

// Snapshot returns a copy of the named snapshot.
func (s *Store) Snapshot(name string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[name]
	if !ok {
		return nil, false
	}
	return snap.Clone(), true
}

// SnapshotNames lists named snapshots in lexical order.
func (s *Store) SnapshotNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.snapshots))
	for name := range s.snapshots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// #endregion snapshots

// #region purge
// PurgeHistoryBefore drops history entries strictly older than ts. The
// current state and named snapshots are untouched.
func (s *Store) PurgeHistoryBefore(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.history[:0]
	for _, e := range s.history {
		if !e.Timestamp.Before(ts) {
			kept = append(kept, e)
		}
	}
	clear(s.history[len(kept):])
	s.history = kept
}

// #endregion purge

// #region queries
// StateAtTime returns the state of the latest entry at or before ts. Entries
// are ordered by timestamp descending with ties kept in insertion order.
func (s *Store) StateAtTime(ts time.Time) (State, bool) {
	s.mu.RLock()
	sorted := make([]StateSnapshot, len(s.history))
	copy(sorted, s.history)
	s.mu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	for _, e := range sorted {
		if !e.Timestamp.After(ts) {
			return e.State.Clone(), true
		}
	}
	return nil, false
}

// Current returns a copy of the current state.
func (s *Store) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// History returns a copy of the retained history, oldest first.
func (s *Store) History() []StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StateSnapshot, len(s.history))
	for i, e := range s.history {
		out[i] = copyEntry(e)
	}
	return out
}

// Len returns the number of retained history entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// TimeSeries returns a full copy of the store's contents.
func (s *Store) TimeSeries() TimeSeries {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts := TimeSeries{
		Current:   s.current.Clone(),
		History:   make([]StateSnapshot, len(s.history)),
		Snapshots: make(map[string]State, len(s.snapshots)),
	}
	for i, e := range s.history {
		ts.History[i] = copyEntry(e)
	}
	for name, snap := range s.snapshots {
		ts.Snapshots[name] = snap.Clone()
	}
	return ts
}

// Config returns the store's retention settings.
func (s *Store) Config() Config {
	return s.cfg
}

// #endregion queries

// #region subscribe
// Subscribe registers fn for change notifications. Changes are delivered
// synchronously and in mutation order; a mutation made from inside fn is
// delivered after fn returns.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.lmu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

func (s *Store) dispatch() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	for len(s.pending) > 0 {
		ch := s.pending[0]
		s.pending[0] = Change{}
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.notify(ch)
		s.mu.Lock()
	}
	s.dispatching = false
	s.mu.Unlock()
}

func (s *Store) notify(ch Change) {
	s.lmu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// #endregion subscribe

// #region helpers
// appendLocked appends an entry for st and evicts from the front when over
// the cap. Caller holds mu (or is the constructor).
func (s *Store) appendLocked(st State, origin Origin, meta map[string]any) StateSnapshot {
	entry := StateSnapshot{
		ID:        uuid.New().String(),
		Timestamp: s.clock(),
		State:     st,
		Origin:    origin,
		Metadata:  meta,
	}
	s.history = append(s.history, entry)
	if s.cfg.MaxHistory > 0 && len(s.history) > s.cfg.MaxHistory {
		drop := len(s.history) - s.cfg.MaxHistory
		clear(s.history[:drop])
		s.history = s.history[drop:]
	}
	return entry
}

func copyEntry(e StateSnapshot) StateSnapshot {
	e.State = e.State.Clone()
	e.Metadata = cloneMeta(e.Metadata)
	return e
}

// #endregion helpers
