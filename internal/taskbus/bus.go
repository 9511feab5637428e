// Package taskbus demultiplexes the runner's multiplexed task event stream
// into per-task snapshots, notifies subscribers keyed by task id, and evicts
// terminal snapshots after a grace period.
package taskbus

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/inkwell-labs/inkd/internal/runner"
)

// Status is a task's lifecycle position as derived from runner events.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Terminal reports whether no further events are expected for this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Snapshot is the bus's current-best knowledge of one task.
// Content is the seed plus every delta received so far; StreamedContent is
// only the most recent delta.
type Snapshot struct {
	TaskID          string         `json:"task_id"`
	Status          Status         `json:"status"`
	StreamedContent string         `json:"streamed_content,omitempty"`
	Content         string         `json:"content,omitempty"`
	SeedContent     string         `json:"seed_content,omitempty"`
	Error           string         `json:"error,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

const defaultEvictDelay = 250 * time.Millisecond

// Options configures a Bus.
type Options struct {
	// EvictDelay is how long a terminal snapshot stays queryable after its
	// subscribers were notified. Zero selects the default.
	EvictDelay time.Duration
	// JournalSize bounds the diagnostics ring. Zero selects the default.
	JournalSize int
	Logger      *slog.Logger
}

// Bus owns the single subscription to the runner's event stream. Events for
// one task id are applied and delivered in arrival order; there is no
// cross-task ordering guarantee.
type Bus struct {
	src        runner.EventSource
	logger     *slog.Logger
	evictDelay time.Duration
	journal    *Journal

	mu        sync.Mutex
	attached  bool
	detach    func()
	snapshots map[string]*Snapshot
	subs      map[string]map[uint64]func(Snapshot)
	taps      map[uint64]func(runner.Event, Snapshot)
	evictions map[string]*time.Timer
	nextID    uint64
}

// New builds a Bus over src. A nil src is allowed: subscriptions still
// register and seeded snapshots stay readable, but no events will arrive.
func New(src runner.EventSource, opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	evictDelay := opts.EvictDelay
	if evictDelay <= 0 {
		evictDelay = defaultEvictDelay
	}
	return &Bus{
		src:        src,
		logger:     logger,
		evictDelay: evictDelay,
		journal:    NewJournal(opts.JournalSize),
		snapshots:  make(map[string]*Snapshot),
		subs:       make(map[string]map[uint64]func(Snapshot)),
		taps:       make(map[uint64]func(runner.Event, Snapshot)),
		evictions:  make(map[string]*time.Timer),
	}
}

// Subscribe registers fn to run on every event for taskID, with the updated
// snapshot. The first registration anywhere attaches the bus to its event
// source. The returned function removes only this callback.
func (b *Bus) Subscribe(taskID string, fn func(Snapshot)) func() {
	b.attach()

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	set, ok := b.subs[taskID]
	if !ok {
		set = make(map[uint64]func(Snapshot))
		b.subs[taskID] = set
	}
	set[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		set, ok := b.subs[taskID]
		if !ok {
			return
		}
		delete(set, id)
		if len(set) == 0 {
			delete(b.subs, taskID)
		}
	}
}

// SubscribeAll registers fn on the undivided event feed. Controllers use
// this to route events for every task they own through one callback.
func (b *Bus) SubscribeAll(fn func(runner.Event, Snapshot)) func() {
	b.attach()

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.taps[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.taps, id)
	}
}

// Snapshot returns the latest known snapshot for taskID. The second return
// is false when the task is unknown or already evicted.
func (b *Bus) Snapshot(taskID string) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapshots[taskID]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// Seed establishes the starting content for a task before streaming begins.
// Deltas that raced ahead of the seed are kept: the seed is prepended so the
// accumulated content remains seed-plus-deltas.
func (b *Bus) Seed(taskID, text string) {
	if taskID == "" {
		return
	}
	b.attach()

	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapshots[taskID]
	if !ok {
		snap = &Snapshot{TaskID: taskID, Status: StatusQueued}
		b.snapshots[taskID] = snap
	}
	snap.Content = text + snap.Content[len(snap.SeedContent):]
	snap.SeedContent = text
	snap.UpdatedAt = time.Now().UTC()
}

// Journal exposes the diagnostics ring of recent events.
func (b *Bus) Journal() *Journal {
	return b.journal
}

// Close detaches from the event source and stops pending evictions.
func (b *Bus) Close() {
	b.mu.Lock()
	detach := b.detach
	b.detach = nil
	for id, timer := range b.evictions {
		timer.Stop()
		delete(b.evictions, id)
	}
	b.mu.Unlock()

	if detach != nil {
		detach()
	}
}

// attach lazily establishes the single upstream subscription. Idempotent:
// later calls are no-ops regardless of how the first attempt went.
func (b *Bus) attach() {
	b.mu.Lock()
	if b.attached {
		b.mu.Unlock()
		return
	}
	b.attached = true
	src := b.src
	b.mu.Unlock()

	if src == nil {
		b.logger.Warn("[BUS] No event source wired, task events will not arrive")
		return
	}
	detach, err := src.Events(b.handleEvent)
	if err != nil {
		b.logger.Error("[BUS] Event source subscription failed", "error", err)
		return
	}
	b.mu.Lock()
	b.detach = detach
	b.mu.Unlock()
}

func (b *Bus) handleEvent(evt runner.Event) {
	if evt.TaskID == "" {
		b.logger.Debug("[BUS] Dropping event without task id", "type", evt.Type)
		return
	}

	b.mu.Lock()
	snap, tracked := b.snapshots[evt.TaskID]
	if !tracked {
		snap = &Snapshot{TaskID: evt.TaskID, Status: StatusQueued}
	}

	changed := applyEvent(snap, evt)

	rec := Record{
		TaskID:   evt.TaskID,
		Type:     string(evt.Type),
		DeltaLen: len(evt.Delta),
		At:       time.Now().UTC(),
	}
	if tracked || changed {
		rec.Status = string(snap.Status)
	}
	b.journal.Add(rec)

	// An event that changes nothing is journaled and dropped: it must not
	// create an entry for an untracked id or revive a pending eviction.
	if !changed {
		b.mu.Unlock()
		return
	}

	if !tracked {
		b.snapshots[evt.TaskID] = snap
	}
	// A state-changing event revives a snapshot pending eviction.
	if timer, ok := b.evictions[evt.TaskID]; ok {
		timer.Stop()
		delete(b.evictions, evt.TaskID)
	}

	copySnap := *snap
	subs := sortedCallbacks(b.subs[evt.TaskID])
	taps := sortedCallbacks(b.taps)
	b.mu.Unlock()

	// Subscribers run before eviction is scheduled so a terminal callback
	// can still read the snapshot synchronously.
	for _, fn := range subs {
		fn(copySnap)
	}
	for _, fn := range taps {
		fn(evt, copySnap)
	}

	if copySnap.Status.Terminal() {
		b.scheduleEviction(evt.TaskID)
	}
}

// applyEvent folds one runner event into the snapshot. It returns false for
// event types that carry no tracked state change, unknown ones included.
func applyEvent(snap *Snapshot, evt runner.Event) bool {
	switch evt.Type {
	case runner.EventQueued, runner.EventResumed:
		snap.Status = StatusQueued
	case runner.EventStarted, runner.EventProgress:
		snap.Status = StatusRunning
	case runner.EventStream:
		snap.Status = StatusRunning
		snap.StreamedContent = evt.Delta
		snap.Content += evt.Delta
	case runner.EventCompleted:
		snap.Status = StatusCompleted
		snap.Result = evt.Result
	case runner.EventError:
		snap.Status = StatusError
		snap.Error = evt.Message
	case runner.EventCancelled:
		snap.Status = StatusCancelled
	case runner.EventPaused:
		snap.Status = StatusPaused
	default:
		return false
	}
	snap.UpdatedAt = time.Now().UTC()
	return true
}

func (b *Bus) scheduleEviction(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapshots[taskID]
	if !ok || !snap.Status.Terminal() {
		return
	}
	if timer, ok := b.evictions[taskID]; ok {
		timer.Stop()
	}
	b.evictions[taskID] = time.AfterFunc(b.evictDelay, func() {
		b.evict(taskID)
	})
}

func (b *Bus) evict(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// A reviving event cancelled this eviction while the timer was firing.
	if _, ok := b.evictions[taskID]; !ok {
		return
	}
	delete(b.evictions, taskID)
	delete(b.snapshots, taskID)
	delete(b.subs, taskID)
	b.logger.Debug("[BUS] Evicted terminal snapshot", "task_id", taskID)
}

// sortedCallbacks copies a callback set in registration order so dispatch
// happens without the bus lock held.
func sortedCallbacks[T any](m map[uint64]T) []T {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
