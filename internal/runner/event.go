package runner

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a task lifecycle notification pushed by the runner.
type EventType string

const (
	// EventQueued indicates the task was accepted and is waiting to start.
	EventQueued EventType = "queued"
	// EventStarted indicates the task began executing.
	EventStarted EventType = "started"
	// EventProgress indicates the task is still running, with no new content.
	EventProgress EventType = "progress"
	// EventStream carries one incremental content delta.
	EventStream EventType = "stream"
	// EventCompleted indicates the task finished and carries its result.
	EventCompleted EventType = "completed"
	// EventError indicates the task failed and carries the failure message.
	EventError EventType = "error"
	// EventCancelled indicates the task was stopped before completion.
	EventCancelled EventType = "cancelled"
	// EventPaused indicates the runner suspended the task.
	EventPaused EventType = "paused"
	// EventResumed indicates a paused task was re-queued.
	EventResumed EventType = "resumed"
)

// Event is one demultiplexed task notification. Only the fields relevant to
// its type are populated; consumers must not assume anything about the rest.
type Event struct {
	Type    EventType
	TaskID  string
	Delta   string
	Result  map[string]any
	Message string
}

// eventEnvelope is the wire shape of a pushed notification.
type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// eventData covers the union of per-type payload fields.
type eventData struct {
	TaskID  string         `json:"taskId"`
	Delta   string         `json:"delta"`
	Result  map[string]any `json:"result"`
	Message string         `json:"message"`
}

// ParseEvent decodes a pushed runner notification. Unknown types decode
// without error so newer runners remain compatible; the consumer decides
// what to ignore.
func ParseEvent(raw []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("malformed event envelope: %w", err)
	}
	if env.Type == "" {
		return Event{}, fmt.Errorf("event envelope missing type")
	}

	var data eventData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Event{}, fmt.Errorf("malformed %s event data: %w", env.Type, err)
		}
	}

	return Event{
		Type:    EventType(env.Type),
		TaskID:  data.TaskID,
		Delta:   data.Delta,
		Result:  data.Result,
		Message: data.Message,
	}, nil
}
