package domain

import (
	"time"

	"github.com/google/uuid"
)

// Revision kinds distinguish which authoring flow produced the content.
const (
	RevisionKindDocument = "document"
	RevisionKindBlock    = "block"
)

// Revision is a persisted snapshot of AI-produced content for an entity.
type Revision struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	ProviderID string    `json:"provider_id,omitempty"`
	ModelID    string    `json:"model_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewRevision creates a revision with a fresh id and timestamp.
func NewRevision(entityID, kind, content string) Revision {
	return Revision{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Preview returns the first n runes of the content for log lines.
func (r *Revision) Preview(n int) string {
	runes := []rune(r.Content)
	if len(runes) <= n {
		return r.Content
	}
	return string(runes[:n]) + "..."
}
