// Package entitytask tracks streaming AI task state per entity and routes
// runner events onto it. A Tracker produced by NewTracker owns one domain's
// store and controller; two domains never share state even over one bus.
package entitytask

import (
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/inkwell-labs/inkd/internal/domain"
)

// State is one entity's task-tracking record. S is the persistence result
// type recorded after a successful auto-save.
type State[S any] struct {
	Messages       []domain.ChatMessage     `json:"messages"`
	IsLoading      bool                     `json:"is_loading"`
	IsStreaming    bool                     `json:"is_streaming"`
	LatestResponse string                   `json:"latest_response"`
	TaskID         string                   `json:"task_id,omitempty"`
	Error          string                   `json:"error,omitempty"`
	IsSaving       bool                     `json:"is_saving"`
	LastSaveError  string                   `json:"last_save_error,omitempty"`
	LastSaved      *S                       `json:"last_saved,omitempty"`
	Settings       domain.InferenceSettings `json:"settings"`

	// SavingTaskID tags the in-flight auto-save with the task that produced
	// it so a stale save result cannot clobber newer state.
	SavingTaskID string `json:"-"`
}

// StoreOptions tunes a store. The zero value keeps every entity for the life
// of the process, which suits a bounded set of long-lived documents.
type StoreOptions struct {
	// MaxIdle bounds how many entities with no running task and no
	// listeners are retained; the least recently touched are dropped
	// beyond it. Zero means unbounded.
	MaxIdle int
}

// Store is an in-memory keyed state container with per-entity listeners.
// Updating entity A never notifies listeners registered for entity B.
type Store[S any] struct {
	mu        sync.Mutex
	entities  map[string]*State[S]
	listeners map[string]map[uint64]func()
	nextID    uint64

	// idle indexes eviction candidates when MaxIdle is set. Entities with
	// a running task or listeners are kept out of it.
	idle      *lru.Cache[string, struct{}]
	unpinning bool
}

// NewStore creates an empty store.
func NewStore[S any](opts StoreOptions) *Store[S] {
	s := &Store[S]{
		entities:  make(map[string]*State[S]),
		listeners: make(map[string]map[uint64]func()),
	}
	if opts.MaxIdle > 0 {
		// NewWithEvict only errors on a non-positive size. The callback
		// runs while s.mu is held by the caller that touched the index.
		s.idle, _ = lru.NewWithEvict(opts.MaxIdle, func(entityID string, _ struct{}) {
			if s.unpinning {
				return
			}
			delete(s.entities, entityID)
			delete(s.listeners, entityID)
		})
	}
	return s
}

// Get returns a copy of the entity's current state, creating defaults on
// first access.
func (s *Store[S]) Get(entityID string) State[S] {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(entityID)
	s.reindexLocked(entityID)
	return s.copyLocked(st)
}

// Update applies fn to the entity's state under the store lock, then
// synchronously notifies that entity's listeners.
func (s *Store[S]) Update(entityID string, fn func(*State[S])) {
	s.mu.Lock()
	st := s.ensureLocked(entityID)
	fn(st)
	listeners := s.callbacksLocked(entityID)
	s.reindexLocked(entityID)
	s.mu.Unlock()

	for _, l := range listeners {
		l()
	}
}

// TryUpdate applies fn and notifies listeners only when fn reports a
// change. It returns fn's verdict.
func (s *Store[S]) TryUpdate(entityID string, fn func(*State[S]) bool) bool {
	s.mu.Lock()
	st := s.ensureLocked(entityID)
	changed := fn(st)
	var listeners []func()
	if changed {
		listeners = s.callbacksLocked(entityID)
	}
	s.reindexLocked(entityID)
	s.mu.Unlock()

	for _, l := range listeners {
		l()
	}
	return changed
}

// Reset replaces the entity's state with defaults, lets fn apply overrides,
// and notifies listeners. In-flight work is untouched: reset never cancels.
func (s *Store[S]) Reset(entityID string, fn func(*State[S])) {
	s.mu.Lock()
	st := defaultState[S]()
	if fn != nil {
		fn(st)
	}
	s.entities[entityID] = st
	listeners := s.callbacksLocked(entityID)
	s.reindexLocked(entityID)
	s.mu.Unlock()

	for _, l := range listeners {
		l()
	}
}

// Subscribe registers a listener invoked after every Update or Reset for
// entityID. Removing the last listener keeps the entity's state so a
// re-mounted consumer sees prior progress.
func (s *Store[S]) Subscribe(entityID string, listener func()) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	set, ok := s.listeners[entityID]
	if !ok {
		set = make(map[uint64]func())
		s.listeners[entityID] = set
	}
	set[id] = listener
	s.reindexLocked(entityID)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		set, ok := s.listeners[entityID]
		if !ok {
			return
		}
		delete(set, id)
		if len(set) == 0 {
			delete(s.listeners, entityID)
		}
		s.reindexLocked(entityID)
	}
}

// Remove drops an entity's state and listeners entirely.
func (s *Store[S]) Remove(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, entityID)
	delete(s.listeners, entityID)
	if s.idle != nil {
		s.unpinning = true
		s.idle.Remove(entityID)
		s.unpinning = false
	}
}

// Len returns the number of tracked entities.
func (s *Store[S]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

func defaultState[S any]() *State[S] {
	return &State[S]{Messages: []domain.ChatMessage{}}
}

func (s *Store[S]) ensureLocked(entityID string) *State[S] {
	st, ok := s.entities[entityID]
	if !ok {
		st = defaultState[S]()
		s.entities[entityID] = st
	}
	return st
}

// copyLocked clones the state so callers can never mutate the stored record.
func (s *Store[S]) copyLocked(st *State[S]) State[S] {
	out := *st
	out.Messages = slices.Clone(st.Messages)
	return out
}

// callbacksLocked copies the entity's listener set so notification happens
// without the store lock held.
func (s *Store[S]) callbacksLocked(entityID string) []func() {
	set := s.listeners[entityID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(), 0, len(ids))
	for _, id := range ids {
		out = append(out, set[id])
	}
	return out
}

// reindexLocked repositions the entity in the idle index. Loading entities
// and entities with listeners are pinned; the rest age out oldest-first once
// the cap is exceeded.
func (s *Store[S]) reindexLocked(entityID string) {
	if s.idle == nil {
		return
	}
	st, ok := s.entities[entityID]
	if !ok {
		return
	}
	if st.IsLoading || st.TaskID != "" || st.IsSaving || len(s.listeners[entityID]) > 0 {
		s.unpinning = true
		s.idle.Remove(entityID)
		s.unpinning = false
		return
	}
	s.idle.Add(entityID, struct{}{})
}
