package entitytask

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/inkwell-labs/inkd/internal/domain"
	"github.com/inkwell-labs/inkd/internal/runner"
	"github.com/inkwell-labs/inkd/internal/taskbus"
)

const saveTimeout = 15 * time.Second

// SubmitOptions carries the optional knobs of one submit call.
type SubmitOptions struct {
	// SystemPrompt overrides the domain's default system prompt.
	SystemPrompt string
	// Settings partially overrides the entity's remembered inference
	// settings; absent fields keep the previous choice.
	Settings domain.SettingsPatch
	// SeedContent is the original text the task transforms. It becomes the
	// stream's starting content so deltas append to it.
	SeedContent string
}

// taskRef ties an owned runner task back to its entity.
type taskRef struct {
	entityID string
	seed     string
}

// Controller glues one domain's store to the bus and the runner bridge. It
// submits and cancels tasks, routes events for owned task ids onto entity
// state, and runs the post-completion save step. Public operations never
// return errors: failures of a started task land in entity state for
// consumers to read.
type Controller[S any] struct {
	store  *Store[S]
	bus    *taskbus.Bus
	bridge runner.Submitter
	dom    Domain[S]
	logger *slog.Logger

	mu     sync.Mutex
	tasks  map[string]taskRef
	timers map[string]*time.Timer
	unsub  func()
}

func newController[S any](store *Store[S], bus *taskbus.Bus, bridge runner.Submitter, dom Domain[S], logger *slog.Logger) *Controller[S] {
	c := &Controller[S]{
		store:  store,
		bus:    bus,
		bridge: bridge,
		dom:    dom,
		logger: logger,
		tasks:  make(map[string]taskRef),
		timers: make(map[string]*time.Timer),
	}
	c.unsub = bus.SubscribeAll(c.route)
	return c
}

// Submit starts a new task for entityID. A submit with a prompt that trims
// to empty, without a runner bridge wired, or while another task is loading
// is a no-op that leaves entity state untouched.
func (c *Controller[S]) Submit(ctx context.Context, entityID, prompt string, opts SubmitOptions) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return
	}
	if c.bridge == nil {
		c.logger.Error("[TASKS] No runner bridge wired, dropping submit", "domain", c.dom.Name, "entity_id", entityID)
		return
	}

	var prev State[S]
	begun := c.store.TryUpdate(entityID, func(st *State[S]) bool {
		if st.IsLoading {
			return false
		}
		st.Messages = append(slices.Clone(st.Messages), domain.NewChatMessage(domain.RoleUser, prompt))
		st.IsLoading = true
		st.IsStreaming = false
		st.Error = ""
		st.LatestResponse = ""
		opts.Settings.Apply(&st.Settings)
		prev = *st
		prev.Messages = slices.Clone(st.Messages)
		return true
	})
	if !begun {
		c.logger.Debug("[TASKS] Submit ignored, task already in flight", "domain", c.dom.Name, "entity_id", entityID)
		return
	}

	req := c.dom.BuildSubmitInput(entityID, prompt, prev, opts)

	taskID, err := c.bridge.SubmitTask(ctx, req)
	if err != nil {
		c.logger.Warn("[TASKS] Submission failed", "domain", c.dom.Name, "entity_id", entityID, "error", err)
		c.store.Update(entityID, func(st *State[S]) {
			st.IsLoading = false
			st.Error = err.Error()
		})
		return
	}

	// Establish the seed before the task id becomes routable.
	if opts.SeedContent != "" {
		c.bus.Seed(taskID, opts.SeedContent)
	}

	c.mu.Lock()
	c.tasks[taskID] = taskRef{entityID: entityID, seed: opts.SeedContent}
	if c.dom.OpTimeout > 0 {
		c.timers[taskID] = time.AfterFunc(c.dom.OpTimeout, func() {
			c.expire(taskID)
		})
	}
	c.mu.Unlock()

	// The routing loop may already have resolved the task in the window
	// above, in which case loading is over and the id must not come back.
	c.store.TryUpdate(entityID, func(st *State[S]) bool {
		if !st.IsLoading {
			return false
		}
		st.TaskID = taskID
		return true
	})

	c.logger.Info("[TASKS] Task registered", "domain", c.dom.Name, "entity_id", entityID, "task_id", taskID)

	// The runner may have finished before the mapping existed; route a
	// terminal snapshot that already arrived, or it would never re-fire.
	if snap, ok := c.bus.Snapshot(taskID); ok && snap.Status.Terminal() {
		c.routeTerminal(taskID, snap)
	}
}

// Cancel stops the entity's running task, if any. The task mapping is
// dropped before the entity's flags clear: by the time the state reads as
// idle, events for the old id are already unroutable. Fire-and-forget; no
// cancelled event is waited for.
func (c *Controller[S]) Cancel(ctx context.Context, entityID string) {
	taskID := c.store.Get(entityID).TaskID
	if taskID == "" {
		return
	}

	c.dropTask(taskID)

	cleared := c.store.TryUpdate(entityID, func(st *State[S]) bool {
		if st.TaskID != taskID {
			return false
		}
		dropEmptyPlaceholder(st)
		st.TaskID = ""
		st.IsLoading = false
		st.IsStreaming = false
		return true
	})
	if !cleared {
		// The task reached a terminal state first; nothing left to cancel.
		return
	}

	if c.bridge != nil {
		if err := c.bridge.CancelTask(ctx, taskID); err != nil {
			c.logger.Debug("[TASKS] Cancel delivery failed", "domain", c.dom.Name, "task_id", taskID, "error", err)
		}
	}
	c.logger.Info("[TASKS] Task cancelled", "domain", c.dom.Name, "entity_id", entityID, "task_id", taskID)
}

// Clear resets the entity to defaults. A running task is not cancelled and
// keeps routing into the fresh state; callers wanting it stopped cancel
// first.
func (c *Controller[S]) Clear(entityID string) {
	c.store.Reset(entityID, nil)
}

// close detaches the routing loop and stops deadline timers.
func (c *Controller[S]) close() {
	if c.unsub != nil {
		c.unsub()
	}
	c.mu.Lock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()
}

// route is the per-domain event loop over the bus's undivided feed. Only
// task ids this controller registered are acted on.
func (c *Controller[S]) route(evt runner.Event, snap taskbus.Snapshot) {
	switch evt.Type {
	case runner.EventStream:
		c.routeStream(evt.TaskID, snap)
	case runner.EventCompleted, runner.EventError, runner.EventCancelled:
		c.routeTerminal(evt.TaskID, snap)
	}
}

func (c *Controller[S]) routeStream(taskID string, snap taskbus.Snapshot) {
	c.mu.Lock()
	ref, ok := c.tasks[taskID]
	c.mu.Unlock()
	if !ok {
		return
	}

	c.store.TryUpdate(ref.entityID, func(st *State[S]) bool {
		if len(snap.Content) <= len(st.LatestResponse) {
			return false
		}
		if !st.IsStreaming && st.LatestResponse == "" {
			st.Messages = append(slices.Clone(st.Messages), domain.NewChatMessage(domain.RoleAssistant, ""))
			st.IsStreaming = true
		}
		st.LatestResponse = snap.Content
		return true
	})
}

// routeTerminal consumes the task mapping and applies the terminal state.
// Consuming the mapping is the exactly-once latch: the routing loop and the
// early-snapshot check can race here, and whoever deletes it first wins.
func (c *Controller[S]) routeTerminal(taskID string, snap taskbus.Snapshot) {
	c.mu.Lock()
	ref, ok := c.tasks[taskID]
	if ok {
		delete(c.tasks, taskID)
		if timer, tok := c.timers[taskID]; tok {
			timer.Stop()
			delete(c.timers, taskID)
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	switch snap.Status {
	case taskbus.StatusCompleted:
		c.applyCompleted(taskID, ref, snap)
	case taskbus.StatusError:
		c.applyError(taskID, ref, snap.Error)
	case taskbus.StatusCancelled:
		c.applyCancelled(ref)
	}
}

func (c *Controller[S]) applyCompleted(taskID string, ref taskRef, snap taskbus.Snapshot) {
	final := defaultResultContent(snap.Result)
	if c.dom.ExtractResultContent != nil {
		final = c.dom.ExtractResultContent(snap.Result)
	}

	var completed State[S]
	c.store.Update(ref.entityID, func(st *State[S]) {
		if final == "" {
			final = st.LatestResponse
		}
		if final == "" {
			final = snap.Content
		}
		backfillAssistant(st, final)
		st.IsLoading = false
		st.IsStreaming = false
		st.TaskID = ""
		st.LatestResponse = final
		if c.dom.Save != nil {
			st.IsSaving = true
			st.SavingTaskID = taskID
		}
		completed = *st
		completed.Messages = slices.Clone(st.Messages)
	})

	c.logger.Info("[ROUTER] Task completed", "domain", c.dom.Name, "entity_id", ref.entityID, "task_id", taskID, "content_len", len(final))

	if c.dom.OnCompleted != nil {
		c.dom.OnCompleted(ref.entityID, completed)
	}
	if c.dom.Save != nil {
		go c.autoSave(ref.entityID, taskID, final, completed)
	}
}

func (c *Controller[S]) applyError(taskID string, ref taskRef, msg string) {
	if msg == "" {
		msg = "task failed"
	}
	c.store.Update(ref.entityID, func(st *State[S]) {
		dropEmptyPlaceholder(st)
		st.Error = msg
		st.IsLoading = false
		st.IsStreaming = false
		st.TaskID = ""
		if c.dom.RevertOnError {
			st.LatestResponse = ref.seed
		}
	})
	c.logger.Warn("[ROUTER] Task failed", "domain", c.dom.Name, "entity_id", ref.entityID, "task_id", taskID, "error", msg)
}

func (c *Controller[S]) applyCancelled(ref taskRef) {
	c.store.Update(ref.entityID, func(st *State[S]) {
		dropEmptyPlaceholder(st)
		st.IsLoading = false
		st.IsStreaming = false
		st.TaskID = ""
	})
	c.logger.Info("[ROUTER] Task cancelled by runner", "domain", c.dom.Name, "entity_id", ref.entityID)
}

// autoSave persists the completed content. The result is tagged with the
// originating task id: by the time it lands the entity may be running a new
// task or have been cleared, and a stale result must be discarded.
func (c *Controller[S]) autoSave(entityID, taskID, content string, completed State[S]) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	result, err := c.dom.Save(ctx, entityID, completed, content)

	c.store.TryUpdate(entityID, func(st *State[S]) bool {
		if st.SavingTaskID != taskID {
			return false
		}
		st.IsSaving = false
		st.SavingTaskID = ""
		if st.TaskID != "" {
			// A new operation superseded this save.
			return true
		}
		if err != nil {
			st.LastSaveError = err.Error()
			return true
		}
		if result != nil {
			st.LastSaved = result
			st.LastSaveError = ""
		}
		return true
	})

	if err != nil {
		c.logger.Warn("[ROUTER] Auto-save failed", "domain", c.dom.Name, "entity_id", entityID, "task_id", taskID, "error", err)
	}
}

// expire synthesizes a failure for a task that produced no terminal event
// within the domain's deadline.
func (c *Controller[S]) expire(taskID string) {
	c.mu.Lock()
	ref, ok := c.tasks[taskID]
	if ok {
		delete(c.tasks, taskID)
		delete(c.timers, taskID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.logger.Warn("[ROUTER] Task deadline exceeded", "domain", c.dom.Name, "entity_id", ref.entityID, "task_id", taskID, "timeout", c.dom.OpTimeout)

	if c.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.bridge.CancelTask(ctx, taskID); err != nil {
			c.logger.Debug("[ROUTER] Cancel for expired task failed", "task_id", taskID, "error", err)
		}
		cancel()
	}

	c.applyError(taskID, ref, "operation timed out")
}

func (c *Controller[S]) dropTask(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, taskID)
	if timer, ok := c.timers[taskID]; ok {
		timer.Stop()
		delete(c.timers, taskID)
	}
}

// backfillAssistant fills the trailing streaming placeholder, or appends the
// assistant turn when no delta ever arrived.
func backfillAssistant[S any](st *State[S], content string) {
	if n := len(st.Messages); n > 0 {
		last := &st.Messages[n-1]
		if last.Role == domain.RoleAssistant && last.Content == "" {
			last.Content = content
			return
		}
	}
	if content != "" {
		st.Messages = append(st.Messages, domain.NewChatMessage(domain.RoleAssistant, content))
	}
}

// dropEmptyPlaceholder removes a trailing assistant message that never
// received content.
func dropEmptyPlaceholder[S any](st *State[S]) {
	if n := len(st.Messages); n > 0 {
		last := st.Messages[n-1]
		if last.Role == domain.RoleAssistant && last.Content == "" {
			st.Messages = st.Messages[:n-1]
		}
	}
}

// defaultResultContent reads the conventional content field off a result.
func defaultResultContent(result map[string]any) string {
	if result == nil {
		return ""
	}
	if s, ok := result["content"].(string); ok {
		return s
	}
	return ""
}
