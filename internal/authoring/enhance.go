package authoring

import (
	"github.com/inkwell-labs/inkd/internal/domain"
	"github.com/inkwell-labs/inkd/internal/entitytask"
	"github.com/inkwell-labs/inkd/internal/runner"
)

// NewEnhance builds the block-enhancement tracker. One submit transforms one
// passage: the selected text seeds the stream so deltas extend it, a failure
// reverts to the original, and accepted results are saved as block
// revisions.
func NewEnhance(deps entitytask.Deps, cfg Config) *entitytask.Tracker[domain.Revision] {
	dom := entitytask.Domain[domain.Revision]{
		Name: "enhance",
		BuildSubmitInput: func(entityID, prompt string, st entitytask.State[domain.Revision], opts entitytask.SubmitOptions) runner.SubmitRequest {
			return runner.SubmitRequest{
				Kind:         "enhance",
				EntityID:     entityID,
				Prompt:       prompt,
				SystemPrompt: systemPrompt(opts.SystemPrompt, enhanceSystemPrompt),
				SeedContent:  opts.SeedContent,
				Settings:     st.Settings,
			}
		},
		Save:          saveFunc(cfg.Repo, domain.RevisionKindBlock, cfg.MaxRevisions, deps.Logger),
		RevertOnError: true,
		OpTimeout:     cfg.OpTimeout,
		Store:         entitytask.StoreOptions{MaxIdle: cfg.MaxIdle},
	}
	return entitytask.NewTracker(dom, deps)
}
