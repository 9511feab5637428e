// Package authoring assembles the task trackers behind the app's writing
// surfaces. Each constructor configures one operation kind against the
// shared runner bridge and event bus.
package authoring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/inkwell-labs/inkd/internal/domain"
	"github.com/inkwell-labs/inkd/internal/entitytask"
	"github.com/inkwell-labs/inkd/internal/store"
)

const writerSystemPrompt = `You are a collaborative writing partner. Work within the document's established voice, characters and continuity. Answer with prose ready to paste into the draft, no preamble.`

const enhanceSystemPrompt = `You rewrite the passage you are given according to the instruction. Preserve meaning, names and formatting unless the instruction says otherwise. Reply with the rewritten passage only.`

// Config tunes one authoring tracker.
type Config struct {
	// Repo persists completed content as revisions. Nil disables
	// auto-save; completions still land in tracker state.
	Repo store.Repository

	// OpTimeout bounds one operation end to end. Zero disables it.
	OpTimeout time.Duration

	// MaxIdle bounds how many inactive entities the tracker retains.
	MaxIdle int

	// MaxRevisions caps stored revisions per entity and kind; older ones
	// are pruned after each save. Zero keeps everything.
	MaxRevisions int
}

// saveFunc builds the auto-save step for one revision kind, or nil when no
// repository is wired.
func saveFunc(repo store.Repository, kind string, maxRevisions int, logger *slog.Logger) func(context.Context, string, entitytask.State[domain.Revision], string) (*domain.Revision, error) {
	if repo == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, entityID string, st entitytask.State[domain.Revision], content string) (*domain.Revision, error) {
		if strings.TrimSpace(content) == "" {
			return nil, nil
		}

		rev := domain.NewRevision(entityID, kind, content)
		rev.ProviderID = st.Settings.ProviderID
		rev.ModelID = st.Settings.ModelID

		if err := repo.SaveRevision(ctx, &rev); err != nil {
			return nil, fmt.Errorf("save %s revision: %w", kind, err)
		}

		if maxRevisions > 0 {
			if _, err := repo.PruneRevisions(ctx, entityID, kind, maxRevisions); err != nil {
				logger.Warn("[SAVE] Revision prune failed", "entity_id", entityID, "kind", kind, "error", err)
			}
		}

		logger.Debug("[SAVE] Revision stored", "entity_id", entityID, "kind", kind, "revision_id", rev.ID, "content_len", len(content))
		return &rev, nil
	}
}

func systemPrompt(override, fallback string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return fallback
}
