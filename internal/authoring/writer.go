package authoring

import (
	"github.com/inkwell-labs/inkd/internal/domain"
	"github.com/inkwell-labs/inkd/internal/entitytask"
	"github.com/inkwell-labs/inkd/internal/runner"
)

// NewWriter builds the document-writing tracker. It is conversational: the
// full exchange rides along on every submit, failed attempts stay in the
// transcript, and completed drafts are saved as document revisions.
func NewWriter(deps entitytask.Deps, cfg Config) *entitytask.Tracker[domain.Revision] {
	dom := entitytask.Domain[domain.Revision]{
		Name: "write",
		BuildSubmitInput: func(entityID, prompt string, st entitytask.State[domain.Revision], opts entitytask.SubmitOptions) runner.SubmitRequest {
			return runner.SubmitRequest{
				Kind:         "write",
				EntityID:     entityID,
				Prompt:       prompt,
				SystemPrompt: systemPrompt(opts.SystemPrompt, writerSystemPrompt),
				Messages:     st.Messages,
				Settings:     st.Settings,
			}
		},
		Save:      saveFunc(cfg.Repo, domain.RevisionKindDocument, cfg.MaxRevisions, deps.Logger),
		OpTimeout: cfg.OpTimeout,
		Store:     entitytask.StoreOptions{MaxIdle: cfg.MaxIdle},
	}
	return entitytask.NewTracker(dom, deps)
}
