package entitytask

import (
	"context"
	"log/slog"
	"time"

	"github.com/inkwell-labs/inkd/internal/domain"
	"github.com/inkwell-labs/inkd/internal/runner"
	"github.com/inkwell-labs/inkd/internal/taskbus"
)

// Deps are the shared collaborators a tracker plugs into. The bus and bridge
// are typically shared by every tracker in the process.
type Deps struct {
	Bus    *taskbus.Bus
	Bridge runner.Submitter
	Logger *slog.Logger
}

// Domain describes one kind of streaming operation: how a prompt becomes a
// runner submission, how a completed result is read back out, and what
// happens after completion. S is the domain's save artifact type.
type Domain[S any] struct {
	// Name labels log lines and must be unique per process.
	Name string

	// BuildSubmitInput turns a prompt plus the entity's current state into a
	// runner submission. Required.
	BuildSubmitInput func(entityID, prompt string, st State[S], opts SubmitOptions) runner.SubmitRequest

	// ExtractResultContent pulls the final text out of the runner's result
	// payload. Nil falls back to the conventional "content" field.
	ExtractResultContent func(result map[string]any) string

	// Save persists a completed operation. Nil disables auto-save; a nil
	// result with nil error skips the save without recording anything.
	Save func(ctx context.Context, entityID string, st State[S], content string) (*S, error)

	// OnCompleted observes the post-completion state, before auto-save.
	OnCompleted func(entityID string, st State[S])

	// RevertOnError restores the seed content as the latest response when a
	// task fails, for domains that transform existing text in place.
	RevertOnError bool

	// OpTimeout bounds one operation end to end. Zero disables the deadline.
	OpTimeout time.Duration

	// Store tunes the backing store; the zero value keeps every entity.
	Store StoreOptions
}

// Tracker is the per-domain entry point: a store of entity states plus the
// controller that drives them. Construct one per operation kind and share it
// across the process.
type Tracker[S any] struct {
	store      *Store[S]
	controller *Controller[S]
	ownsBus    bool
	bus        *taskbus.Bus
}

// NewTracker wires a domain against shared dependencies. A nil bus gets a
// private degraded one so submissions still record state; a nil logger uses
// the process default.
func NewTracker[S any](dom Domain[S], deps Deps) *Tracker[S] {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if dom.Name == "" {
		dom.Name = "default"
	}

	bus := deps.Bus
	ownsBus := false
	if bus == nil {
		bus = taskbus.New(nil, taskbus.Options{Logger: logger})
		ownsBus = true
	}

	store := NewStore[S](dom.Store)
	return &Tracker[S]{
		store:      store,
		controller: newController(store, bus, deps.Bridge, dom, logger),
		ownsBus:    ownsBus,
		bus:        bus,
	}
}

// Submit starts a task for the entity. Failures of a started task land in
// the entity's state; without a wired bridge the call is a no-op.
func (t *Tracker[S]) Submit(ctx context.Context, entityID, prompt string, opts SubmitOptions) {
	t.controller.Submit(ctx, entityID, prompt, opts)
}

// Cancel stops the entity's running task, if any.
func (t *Tracker[S]) Cancel(ctx context.Context, entityID string) {
	t.controller.Cancel(ctx, entityID)
}

// Clear resets the entity's state. A running task keeps routing into the
// fresh state.
func (t *Tracker[S]) Clear(entityID string) {
	t.controller.Clear(entityID)
}

// Remove cancels any running task and forgets the entity entirely.
func (t *Tracker[S]) Remove(ctx context.Context, entityID string) {
	t.controller.Cancel(ctx, entityID)
	t.store.Remove(entityID)
}

// State returns a copy of the entity's current state.
func (t *Tracker[S]) State(entityID string) State[S] {
	return t.store.Get(entityID)
}

// Subscribe registers fn to run after each state change for the entity and
// returns an unsubscribe func. Read the new state with State.
func (t *Tracker[S]) Subscribe(entityID string, fn func()) func() {
	return t.store.Subscribe(entityID, fn)
}

// Settings returns the entity's remembered inference settings.
func (t *Tracker[S]) Settings(entityID string) domain.InferenceSettings {
	return t.store.Get(entityID).Settings
}

// Len reports how many entities currently hold state.
func (t *Tracker[S]) Len() int {
	return t.store.Len()
}

// Close detaches the tracker from the bus and stops its timers. Entity state
// stays readable.
func (t *Tracker[S]) Close() {
	t.controller.close()
	if t.ownsBus {
		t.bus.Close()
	}
}
