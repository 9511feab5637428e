// Package runner defines the bridge contracts to the external AI task runner
// and provides a websocket client implementing them.
package runner

import (
	"context"

	"github.com/inkwell-labs/inkd/internal/domain"
)

// SubmitRequest is the payload handed to the runner to start a task.
type SubmitRequest struct {
	// Kind names the authoring flow ("writer", "enhance", ...).
	Kind string `json:"kind"`
	// EntityID identifies the document or block the task belongs to.
	EntityID string `json:"entityId"`
	// Prompt is the user's instruction, already trimmed.
	Prompt string `json:"prompt"`
	// SystemPrompt optionally overrides the flow's default system prompt.
	SystemPrompt string `json:"systemPrompt,omitempty"`
	// Messages carries prior conversation turns for chat-style flows.
	Messages []domain.ChatMessage `json:"messages,omitempty"`
	// SeedContent is the original text a task transforms, if any.
	SeedContent string `json:"seedContent,omitempty"`
	// Settings selects the provider, model, and sampling parameters.
	Settings domain.InferenceSettings `json:"settings"`
}

// Submitter starts and stops tasks on the external runner.
type Submitter interface {
	// SubmitTask starts a task and returns the runner-assigned task id.
	SubmitTask(ctx context.Context, req SubmitRequest) (string, error)

	// CancelTask asks the runner to stop a task. Fire-and-forget: the runner
	// is not required to confirm, and callers must not wait for a cancelled
	// event before moving on.
	CancelTask(ctx context.Context, taskID string) error
}

// EventSource delivers the runner's multiplexed task event stream.
type EventSource interface {
	// Events registers fn to receive every pushed task notification and
	// returns a function that unregisters it. Events for a single task id
	// are delivered in arrival order.
	Events(fn func(Event)) (func(), error)
}
