package entitytask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/inkwell-labs/inkd/internal/domain"
	"github.com/inkwell-labs/inkd/internal/runner"
	"github.com/inkwell-labs/inkd/internal/taskbus"
)

// fakeFeed is an in-memory runner event source tests drive directly.
type fakeFeed struct {
	mu      sync.Mutex
	handler func(runner.Event)
}

func (f *fakeFeed) Events(fn func(runner.Event)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handler = nil
	}, nil
}

func (f *fakeFeed) emit(evt runner.Event) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn != nil {
		fn(evt)
	}
}

// fakeBridge records submissions and cancels, handing out sequential task
// ids. beforeReturn runs after a task id is assigned but before SubmitTask
// returns, to exercise the window where the runner outruns registration.
type fakeBridge struct {
	mu           sync.Mutex
	submits      []runner.SubmitRequest
	cancels      []string
	nextID       int
	submitErr    error
	beforeReturn func(taskID string)
}

func (f *fakeBridge) SubmitTask(ctx context.Context, req runner.SubmitRequest) (string, error) {
	f.mu.Lock()
	if f.submitErr != nil {
		err := f.submitErr
		f.mu.Unlock()
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("task-%d", f.nextID)
	f.submits = append(f.submits, req)
	hook := f.beforeReturn
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return id, nil
}

func (f *fakeBridge) CancelTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, taskID)
	return nil
}

func (f *fakeBridge) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancels))
	copy(out, f.cancels)
	return out
}

func (f *fakeBridge) submitted() []runner.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runner.SubmitRequest, len(f.submits))
	copy(out, f.submits)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatDomain() Domain[string] {
	return Domain[string]{
		Name: "chat",
		BuildSubmitInput: func(entityID, prompt string, st State[string], opts SubmitOptions) runner.SubmitRequest {
			return runner.SubmitRequest{
				Kind:        "chat",
				EntityID:    entityID,
				Prompt:      prompt,
				Messages:    st.Messages,
				SeedContent: opts.SeedContent,
				Settings:    st.Settings,
			}
		},
	}
}

func newTestTracker(t *testing.T, dom Domain[string]) (*Tracker[string], *fakeFeed, *fakeBridge) {
	t.Helper()
	feed := &fakeFeed{}
	bridge := &fakeBridge{}
	logger := discardLogger()
	bus := taskbus.New(feed, taskbus.Options{EvictDelay: 50 * time.Millisecond, Logger: logger})
	tracker := NewTracker(dom, Deps{Bus: bus, Bridge: bridge, Logger: logger})
	t.Cleanup(func() {
		tracker.Close()
		bus.Close()
	})
	return tracker, feed, bridge
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

func TestTracker_SubmitRegistersTask(t *testing.T) {
	tracker, _, bridge := newTestTracker(t, chatDomain())

	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	st := tracker.State("doc-1")
	if !st.IsLoading {
		t.Error("Expected loading after submit")
	}
	if st.TaskID != "task-1" {
		t.Errorf("Expected task id task-1, got %q", st.TaskID)
	}
	if len(st.Messages) != 1 || st.Messages[0].Role != domain.RoleUser || st.Messages[0].Content != "hello" {
		t.Errorf("Expected a single user message, got %+v", st.Messages)
	}

	reqs := bridge.submitted()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 submission, got %d", len(reqs))
	}
	if reqs[0].EntityID != "doc-1" || reqs[0].Prompt != "hello" {
		t.Errorf("Expected submission for doc-1/hello, got %+v", reqs[0])
	}
	if len(reqs[0].Messages) != 1 {
		t.Errorf("Expected submission to carry the appended user message, got %d", len(reqs[0].Messages))
	}
}

func TestTracker_SubmitSingleFlight(t *testing.T) {
	tracker, _, bridge := newTestTracker(t, chatDomain())

	tracker.Submit(context.Background(), "doc-1", "first", SubmitOptions{})
	tracker.Submit(context.Background(), "doc-1", "second", SubmitOptions{})

	if got := len(bridge.submitted()); got != 1 {
		t.Errorf("Expected second submit ignored while loading, got %d submissions", got)
	}
	st := tracker.State("doc-1")
	if len(st.Messages) != 1 {
		t.Errorf("Expected ignored submit to leave messages alone, got %d", len(st.Messages))
	}
	if st.TaskID != "task-1" {
		t.Errorf("Expected original task id kept, got %q", st.TaskID)
	}
}

func TestTracker_SubmitEmptyPromptIgnored(t *testing.T) {
	tracker, _, bridge := newTestTracker(t, chatDomain())

	tracker.Submit(context.Background(), "doc-1", "   \n\t", SubmitOptions{})

	if got := len(bridge.submitted()); got != 0 {
		t.Errorf("Expected no submission for blank prompt, got %d", got)
	}
	if st := tracker.State("doc-1"); st.IsLoading || len(st.Messages) != 0 {
		t.Errorf("Expected state untouched, got %+v", st)
	}
}

func TestTracker_SubmitFailureLandsInState(t *testing.T) {
	tracker, _, bridge := newTestTracker(t, chatDomain())
	bridge.submitErr = errors.New("runner overloaded")

	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	st := tracker.State("doc-1")
	if st.IsLoading {
		t.Error("Expected loading cleared after failed submit")
	}
	if st.Error != "runner overloaded" {
		t.Errorf("Expected bridge error surfaced in state, got %q", st.Error)
	}
	if len(st.Messages) != 1 {
		t.Errorf("Expected the user message kept after failure, got %d", len(st.Messages))
	}
}

func TestTracker_SubmitWithoutBridge(t *testing.T) {
	feed := &fakeFeed{}
	logger := discardLogger()
	bus := taskbus.New(feed, taskbus.Options{Logger: logger})
	tracker := NewTracker(chatDomain(), Deps{Bus: bus, Logger: logger})
	t.Cleanup(func() {
		tracker.Close()
		bus.Close()
	})

	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	st := tracker.State("doc-1")
	if st.IsLoading || st.Error != "" {
		t.Errorf("Expected submit without a bridge to leave state untouched, got %+v", st)
	}
	if len(st.Messages) != 0 {
		t.Errorf("Expected no message recorded without a bridge, got %d", len(st.Messages))
	}
}

func TestTracker_StreamAccumulation(t *testing.T) {
	tracker, feed, _ := newTestTracker(t, chatDomain())
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	feed.emit(runner.Event{Type: runner.EventStream, TaskID: "task-1", Delta: "He"})

	st := tracker.State("doc-1")
	if !st.IsStreaming {
		t.Error("Expected streaming after first delta")
	}
	if st.LatestResponse != "He" {
		t.Errorf("Expected latest response He, got %q", st.LatestResponse)
	}
	if len(st.Messages) != 2 || st.Messages[1].Role != domain.RoleAssistant || st.Messages[1].Content != "" {
		t.Errorf("Expected an empty assistant placeholder, got %+v", st.Messages)
	}

	feed.emit(runner.Event{Type: runner.EventStream, TaskID: "task-1", Delta: "llo"})

	st = tracker.State("doc-1")
	if st.LatestResponse != "Hello" {
		t.Errorf("Expected accumulated response Hello, got %q", st.LatestResponse)
	}
	if len(st.Messages) != 2 {
		t.Errorf("Expected no extra placeholder per delta, got %d messages", len(st.Messages))
	}
}

func TestTracker_CompletionRoundTrip(t *testing.T) {
	tracker, feed, _ := newTestTracker(t, chatDomain())
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	feed.emit(runner.Event{Type: runner.EventStream, TaskID: "task-1", Delta: "He"})
	feed.emit(runner.Event{Type: runner.EventStream, TaskID: "task-1", Delta: "llo"})
	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "Hello"}})

	st := tracker.State("doc-1")
	if st.IsLoading || st.IsStreaming {
		t.Error("Expected flags cleared after completion")
	}
	if st.TaskID != "" {
		t.Errorf("Expected task id cleared, got %q", st.TaskID)
	}
	if st.LatestResponse != "Hello" {
		t.Errorf("Expected final response Hello, got %q", st.LatestResponse)
	}
	if len(st.Messages) != 2 {
		t.Fatalf("Expected user plus assistant message, got %d", len(st.Messages))
	}
	if st.Messages[0].Content != "hello" || st.Messages[1].Content != "Hello" {
		t.Errorf("Expected hello/Hello round trip, got %q and %q", st.Messages[0].Content, st.Messages[1].Content)
	}
	if st.Messages[1].Role != domain.RoleAssistant {
		t.Errorf("Expected assistant reply, got role %q", st.Messages[1].Role)
	}
}

func TestTracker_CompletionBackfillsWithoutStream(t *testing.T) {
	tracker, feed, _ := newTestTracker(t, chatDomain())
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "Direct answer"}})

	st := tracker.State("doc-1")
	if len(st.Messages) != 2 || st.Messages[1].Content != "Direct answer" {
		t.Errorf("Expected assistant message appended from result, got %+v", st.Messages)
	}
	if st.LatestResponse != "Direct answer" {
		t.Errorf("Expected latest response from result, got %q", st.LatestResponse)
	}
}

func TestTracker_CompletionWithoutContent(t *testing.T) {
	tracker, feed, _ := newTestTracker(t, chatDomain())
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1"})

	st := tracker.State("doc-1")
	if st.IsLoading {
		t.Error("Expected loading cleared on empty completion")
	}
	if len(st.Messages) != 1 {
		t.Errorf("Expected no assistant message for empty completion, got %d", len(st.Messages))
	}
}

func TestTracker_CustomResultExtractor(t *testing.T) {
	dom := chatDomain()
	dom.ExtractResultContent = func(result map[string]any) string {
		if result == nil {
			return ""
		}
		s, _ := result["text"].(string)
		return s
	}
	tracker, feed, _ := newTestTracker(t, dom)
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"text": "from text field"}})

	if st := tracker.State("doc-1"); st.LatestResponse != "from text field" {
		t.Errorf("Expected extractor result, got %q", st.LatestResponse)
	}
}

func TestTracker_EarlyCompletionBeforeSubmitReturns(t *testing.T) {
	tracker, feed, bridge := newTestTracker(t, chatDomain())

	// The runner finishes the whole task before SubmitTask hands back the
	// id, so the terminal event fires with no owner registered.
	bridge.beforeReturn = func(taskID string) {
		feed.emit(runner.Event{Type: runner.EventStream, TaskID: taskID, Delta: "Hi"})
		feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: taskID, Result: map[string]any{"content": "Hi"}})
	}

	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	st := tracker.State("doc-1")
	if st.IsLoading {
		t.Error("Expected completion recovered from the early snapshot")
	}
	if st.TaskID != "" {
		t.Errorf("Expected task id cleared, got %q", st.TaskID)
	}
	if len(st.Messages) != 2 || st.Messages[1].Content != "Hi" {
		t.Fatalf("Expected exactly one assistant message, got %+v", st.Messages)
	}

	// A duplicate terminal event must not apply twice.
	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "Hi"}})
	if st := tracker.State("doc-1"); len(st.Messages) != 2 {
		t.Errorf("Expected duplicate completion ignored, got %d messages", len(st.Messages))
	}

	if got := bridge.cancelled(); len(got) != 0 {
		t.Errorf("Expected no cancels, got %v", got)
	}
}

func TestTracker_CancelStopsRouting(t *testing.T) {
	tracker, feed, bridge := newTestTracker(t, chatDomain())
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})
	feed.emit(runner.Event{Type: runner.EventStream, TaskID: "task-1", Delta: "He"})

	tracker.Cancel(context.Background(), "doc-1")

	st := tracker.State("doc-1")
	if st.IsLoading || st.IsStreaming || st.TaskID != "" {
		t.Errorf("Expected idle state after cancel, got %+v", st)
	}
	if len(st.Messages) != 1 {
		t.Errorf("Expected empty placeholder dropped on cancel, got %d messages", len(st.Messages))
	}
	if got := bridge.cancelled(); len(got) != 1 || got[0] != "task-1" {
		t.Fatalf("Expected cancel for task-1, got %v", got)
	}

	// Late events for the old task no longer touch the entity.
	feed.emit(runner.Event{Type: runner.EventStream, TaskID: "task-1", Delta: "llo"})
	if st := tracker.State("doc-1"); st.LatestResponse != "He" {
		t.Errorf("Expected stale stream ignored, got %q", st.LatestResponse)
	}

	// Cancelling again is a no-op.
	tracker.Cancel(context.Background(), "doc-1")
	if got := bridge.cancelled(); len(got) != 1 {
		t.Errorf("Expected idempotent cancel, got %v", got)
	}
}

func TestTracker_CancelBlocksRacingCompletion(t *testing.T) {
	tracker, feed, _ := newTestTracker(t, chatDomain())
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})
	feed.emit(runner.Event{Type: runner.EventStream, TaskID: "task-1", Delta: "He"})

	// A completion lands the instant the entity reads as idle, inside the
	// cancel call itself. The mapping must already be gone by then.
	fired := false
	unsub := tracker.Subscribe("doc-1", func() {
		if fired {
			return
		}
		st := tracker.State("doc-1")
		if !st.IsLoading && st.TaskID == "" {
			fired = true
			feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "Hello"}})
		}
	})
	defer unsub()

	tracker.Cancel(context.Background(), "doc-1")

	if !fired {
		t.Fatal("Expected the cancel notification to fire")
	}
	st := tracker.State("doc-1")
	if len(st.Messages) != 1 {
		t.Errorf("Expected no assistant message from the raced completion, got %+v", st.Messages)
	}
	if st.LatestResponse != "He" {
		t.Errorf("Expected partial response left as-is, got %q", st.LatestResponse)
	}
	if st.IsLoading || st.TaskID != "" {
		t.Errorf("Expected idle state after cancel, got %+v", st)
	}
}

func TestTracker_RunnerCancelledEvent(t *testing.T) {
	tracker, feed, _ := newTestTracker(t, chatDomain())
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})
	feed.emit(runner.Event{Type: runner.EventStream, TaskID: "task-1", Delta: "He"})

	feed.emit(runner.Event{Type: runner.EventCancelled, TaskID: "task-1"})

	st := tracker.State("doc-1")
	if st.IsLoading || st.IsStreaming || st.TaskID != "" {
		t.Errorf("Expected idle state after runner cancel, got %+v", st)
	}
	if st.Error != "" {
		t.Errorf("Expected no error for a cancel, got %q", st.Error)
	}
	if len(st.Messages) != 1 {
		t.Errorf("Expected placeholder dropped, got %d messages", len(st.Messages))
	}
	if st.LatestResponse != "He" {
		t.Errorf("Expected partial response kept, got %q", st.LatestResponse)
	}
}

func TestTracker_ErrorSetsMessage(t *testing.T) {
	tracker, feed, _ := newTestTracker(t, chatDomain())
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	feed.emit(runner.Event{Type: runner.EventError, TaskID: "task-1", Message: "model crashed"})

	st := tracker.State("doc-1")
	if st.Error != "model crashed" {
		t.Errorf("Expected error surfaced, got %q", st.Error)
	}
	if st.IsLoading || st.TaskID != "" {
		t.Errorf("Expected idle state after error, got %+v", st)
	}
}

func TestTracker_ErrorWithoutMessage(t *testing.T) {
	tracker, feed, _ := newTestTracker(t, chatDomain())
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	feed.emit(runner.Event{Type: runner.EventError, TaskID: "task-1"})

	if st := tracker.State("doc-1"); st.Error != "task failed" {
		t.Errorf("Expected fallback error message, got %q", st.Error)
	}
}

func TestTracker_ErrorRevertsSeededContent(t *testing.T) {
	dom := chatDomain()
	dom.Name = "enhance"
	dom.RevertOnError = true
	tracker, feed, _ := newTestTracker(t, dom)

	tracker.Submit(context.Background(), "block-1", "make it vivid", SubmitOptions{SeedContent: "original text"})
	feed.emit(runner.Event{Type: runner.EventStream, TaskID: "task-1", Delta: " improved"})

	st := tracker.State("block-1")
	if st.LatestResponse != "original text improved" {
		t.Fatalf("Expected seeded stream accumulation, got %q", st.LatestResponse)
	}

	feed.emit(runner.Event{Type: runner.EventError, TaskID: "task-1", Message: "model crashed"})

	st = tracker.State("block-1")
	if st.LatestResponse != "original text" {
		t.Errorf("Expected revert to seed on error, got %q", st.LatestResponse)
	}
	if st.Error != "model crashed" {
		t.Errorf("Expected error recorded, got %q", st.Error)
	}
}

func TestTracker_UnknownEventTypeIgnored(t *testing.T) {
	tracker, feed, _ := newTestTracker(t, chatDomain())
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	feed.emit(runner.Event{Type: "telemetry", TaskID: "task-1", Delta: "x"})

	st := tracker.State("doc-1")
	if !st.IsLoading || st.TaskID != "task-1" {
		t.Errorf("Expected unknown event to leave the task running, got %+v", st)
	}
	if st.Error != "" {
		t.Errorf("Expected no error from unknown event, got %q", st.Error)
	}

	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "done"}})
	if st := tracker.State("doc-1"); st.IsLoading {
		t.Error("Expected completion still routable after unknown event")
	}
}

func TestTracker_AutoSaveRecordsResult(t *testing.T) {
	dom := chatDomain()
	dom.Save = func(ctx context.Context, entityID string, st State[string], content string) (*string, error) {
		rev := "rev:" + content
		return &rev, nil
	}
	tracker, feed, _ := newTestTracker(t, dom)
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "Hello"}})

	waitFor(t, time.Second, func() bool {
		st := tracker.State("doc-1")
		return !st.IsSaving && st.LastSaved != nil
	}, "auto-save to finish")

	st := tracker.State("doc-1")
	if *st.LastSaved != "rev:Hello" {
		t.Errorf("Expected save artifact recorded, got %q", *st.LastSaved)
	}
	if st.LastSaveError != "" {
		t.Errorf("Expected no save error, got %q", st.LastSaveError)
	}
}

func TestTracker_AutoSaveFailureRecorded(t *testing.T) {
	dom := chatDomain()
	dom.Save = func(ctx context.Context, entityID string, st State[string], content string) (*string, error) {
		return nil, errors.New("disk full")
	}
	tracker, feed, _ := newTestTracker(t, dom)
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "Hello"}})

	waitFor(t, time.Second, func() bool {
		st := tracker.State("doc-1")
		return !st.IsSaving && st.LastSaveError != ""
	}, "auto-save failure to land")

	st := tracker.State("doc-1")
	if st.LastSaveError != "disk full" {
		t.Errorf("Expected save error recorded, got %q", st.LastSaveError)
	}
	if st.LastSaved != nil {
		t.Errorf("Expected no artifact on failure, got %v", *st.LastSaved)
	}
	if st.LatestResponse != "Hello" {
		t.Errorf("Expected completion kept despite save failure, got %q", st.LatestResponse)
	}
}

func TestTracker_AutoSaveStaleResultDiscarded(t *testing.T) {
	release := make(chan struct{})
	dom := chatDomain()
	dom.Save = func(ctx context.Context, entityID string, st State[string], content string) (*string, error) {
		<-release
		rev := "rev:" + content
		return &rev, nil
	}
	tracker, feed, _ := newTestTracker(t, dom)

	tracker.Submit(context.Background(), "doc-1", "first", SubmitOptions{})
	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "First"}})

	if st := tracker.State("doc-1"); !st.IsSaving {
		t.Fatal("Expected saving flag while save is in flight")
	}

	// A new operation starts before the save lands; its result is stale.
	tracker.Submit(context.Background(), "doc-1", "second", SubmitOptions{})
	close(release)

	waitFor(t, time.Second, func() bool {
		return !tracker.State("doc-1").IsSaving
	}, "stale save to resolve")

	st := tracker.State("doc-1")
	if st.LastSaved != nil {
		t.Errorf("Expected stale save discarded, got %q", *st.LastSaved)
	}
	if st.TaskID != "task-2" {
		t.Errorf("Expected the new task to keep running, got %q", st.TaskID)
	}
}

func TestTracker_AutoSaveAfterClearDiscarded(t *testing.T) {
	release := make(chan struct{})
	dom := chatDomain()
	dom.Save = func(ctx context.Context, entityID string, st State[string], content string) (*string, error) {
		<-release
		rev := "rev:" + content
		return &rev, nil
	}
	tracker, feed, _ := newTestTracker(t, dom)

	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})
	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "Hello"}})

	tracker.Clear("doc-1")
	close(release)

	time.Sleep(50 * time.Millisecond)
	st := tracker.State("doc-1")
	if st.LastSaved != nil || st.IsSaving {
		t.Errorf("Expected save discarded after clear, got saved=%v saving=%v", st.LastSaved, st.IsSaving)
	}
	if len(st.Messages) != 0 {
		t.Errorf("Expected cleared conversation, got %d messages", len(st.Messages))
	}
}

func TestTracker_OpTimeoutSynthesizesError(t *testing.T) {
	dom := chatDomain()
	dom.OpTimeout = 40 * time.Millisecond
	tracker, feed, bridge := newTestTracker(t, dom)

	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	waitFor(t, time.Second, func() bool {
		return tracker.State("doc-1").Error == "operation timed out"
	}, "deadline to fire")

	st := tracker.State("doc-1")
	if st.IsLoading || st.TaskID != "" {
		t.Errorf("Expected idle state after timeout, got %+v", st)
	}
	if got := bridge.cancelled(); len(got) != 1 || got[0] != "task-1" {
		t.Errorf("Expected runner cancel on timeout, got %v", got)
	}

	// A terminal event arriving after the deadline is ignored.
	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "too late"}})
	if st := tracker.State("doc-1"); st.LatestResponse != "" {
		t.Errorf("Expected late completion ignored, got %q", st.LatestResponse)
	}
}

func TestTracker_ClearKeepsCompletionRouting(t *testing.T) {
	tracker, feed, _ := newTestTracker(t, chatDomain())
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})
	feed.emit(runner.Event{Type: runner.EventStream, TaskID: "task-1", Delta: "He"})

	tracker.Clear("doc-1")
	if st := tracker.State("doc-1"); len(st.Messages) != 0 || st.LatestResponse != "" {
		t.Fatalf("Expected defaults after clear, got %+v", st)
	}

	// The running task was not cancelled; its completion lands in the
	// fresh state.
	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "Hello"}})

	st := tracker.State("doc-1")
	if len(st.Messages) != 1 || st.Messages[0].Role != domain.RoleAssistant || st.Messages[0].Content != "Hello" {
		t.Errorf("Expected completion to land after clear, got %+v", st.Messages)
	}
	if st.LatestResponse != "Hello" {
		t.Errorf("Expected latest response set, got %q", st.LatestResponse)
	}
}

func TestTracker_SettingsMergeAcrossSubmits(t *testing.T) {
	tracker, feed, bridge := newTestTracker(t, chatDomain())

	temp := 0.7
	tracker.Submit(context.Background(), "doc-1", "first", SubmitOptions{
		Settings: domain.SettingsPatch{ProviderID: "anthropic", ModelID: "large", Temperature: &temp},
	})
	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "ok"}})

	tracker.Submit(context.Background(), "doc-1", "second", SubmitOptions{
		Settings: domain.SettingsPatch{ModelID: "small"},
	})

	st := tracker.State("doc-1")
	if st.Settings.ProviderID != "anthropic" {
		t.Errorf("Expected provider remembered across submits, got %q", st.Settings.ProviderID)
	}
	if st.Settings.ModelID != "small" {
		t.Errorf("Expected model overridden, got %q", st.Settings.ModelID)
	}
	if st.Settings.Temperature != 0.7 {
		t.Errorf("Expected temperature remembered across submits, got %v", st.Settings.Temperature)
	}

	reqs := bridge.submitted()
	if len(reqs) != 2 {
		t.Fatalf("Expected 2 submissions, got %d", len(reqs))
	}
	if reqs[1].Settings.ProviderID != "anthropic" || reqs[1].Settings.ModelID != "small" {
		t.Errorf("Expected merged settings in submission, got %+v", reqs[1].Settings)
	}
}

func TestTracker_SettingsExplicitZeroOverrides(t *testing.T) {
	tracker, feed, bridge := newTestTracker(t, chatDomain())

	temp := 0.7
	tokens := 1024
	reasoning := true
	tracker.Submit(context.Background(), "doc-1", "first", SubmitOptions{
		Settings: domain.SettingsPatch{Temperature: &temp, MaxTokens: &tokens, Reasoning: &reasoning},
	})
	feed.emit(runner.Event{Type: runner.EventCompleted, TaskID: "task-1", Result: map[string]any{"content": "ok"}})

	zeroTemp := 0.0
	zeroTokens := 0
	off := false
	tracker.Submit(context.Background(), "doc-1", "second", SubmitOptions{
		Settings: domain.SettingsPatch{Temperature: &zeroTemp, MaxTokens: &zeroTokens, Reasoning: &off},
	})

	st := tracker.State("doc-1")
	if st.Settings.Temperature != 0 || st.Settings.MaxTokens != 0 || st.Settings.Reasoning {
		t.Errorf("Expected explicit zeroes to override remembered values, got %+v", st.Settings)
	}

	reqs := bridge.submitted()
	if len(reqs) != 2 {
		t.Fatalf("Expected 2 submissions, got %d", len(reqs))
	}
	if !reqs[1].Settings.IsZero() {
		t.Errorf("Expected zeroed settings in second submission, got %+v", reqs[1].Settings)
	}
}

func TestTracker_RemoveForgetsEntity(t *testing.T) {
	tracker, _, bridge := newTestTracker(t, chatDomain())
	tracker.Submit(context.Background(), "doc-1", "hello", SubmitOptions{})

	tracker.Remove(context.Background(), "doc-1")

	if got := tracker.Len(); got != 0 {
		t.Errorf("Expected no tracked entities after remove, got %d", got)
	}
	if got := bridge.cancelled(); len(got) != 1 || got[0] != "task-1" {
		t.Errorf("Expected running task cancelled on remove, got %v", got)
	}
}

func TestTracker_SeedEstablishedBeforeRouting(t *testing.T) {
	tracker, feed, _ := newTestTracker(t, chatDomain())

	tracker.Submit(context.Background(), "block-1", "rewrite", SubmitOptions{SeedContent: "base "})
	feed.emit(runner.Event{Type: runner.EventStream, TaskID: "task-1", Delta: "plus"})

	if st := tracker.State("block-1"); st.LatestResponse != "base plus" {
		t.Errorf("Expected seed prepended to stream, got %q", st.LatestResponse)
	}
}
