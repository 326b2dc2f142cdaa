package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cerise-ai/cerise/pkg/models"
)

const summarizePrompt = "Summarize memory snippets into concise bullet points. " +
	"Keep names, dates, preferences, and decisions. Output bullets only."

// maybeCompress replaces the oldest window of non-summary records with a
// single summary record when a session crosses the compression threshold.
// After compression the session's record count decreases by window-1.
func (e *Engine) maybeCompress(ctx context.Context, sessionID string) error {
	cfg := e.cfg.Compression
	if !cfg.Enabled || cfg.Threshold <= 0 || cfg.Window <= 1 {
		return nil
	}
	count, err := e.store.Count(ctx, sessionID)
	if err != nil {
		return err
	}
	if count < cfg.Threshold {
		return nil
	}

	oldest, err := e.store.Oldest(ctx, sessionID, -1)
	if err != nil {
		return err
	}
	var window []*models.MemoryRecord
	for _, rec := range oldest {
		if rec.IsSummary() {
			continue
		}
		window = append(window, rec)
		if len(window) >= cfg.Window {
			break
		}
	}
	if len(window) < 2 {
		return nil
	}

	summary, createdBy := e.summarize(ctx, window)

	sourceIDs := make([]string, len(window))
	for i, rec := range window {
		sourceIDs[i] = rec.ID
	}
	now := e.now().UTC()
	rec := &models.MemoryRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleSystem,
		Content:   summary,
		CreatedAt: now,
		Metadata: map[string]any{
			models.MetaSummary:    true,
			models.MetaCompressed: true,
			models.MetaSourceIDs:  sourceIDs,
			"source_count":        len(window),
			"source_first_at":     window[0].CreatedAt.Format(time.RFC3339Nano),
			"source_last_at":      window[len(window)-1].CreatedAt.Format(time.RFC3339Nano),
			"created_by":          createdBy,
		},
	}
	if e.cfg.TTL > 0 {
		expires := now.Add(e.cfg.TTL)
		rec.ExpiresAt = &expires
	}
	if err := e.store.Add(ctx, rec); err != nil {
		return err
	}
	for _, src := range window {
		if err := e.Delete(ctx, src.ID); err != nil {
			e.logger.Warn("compressed source delete failed", "id", src.ID, "error", err)
		}
	}
	e.logger.Info("compressed memories", "session", sessionID,
		"sources", len(window), "summary", rec.ID)
	return nil
}

// summarize produces the summary text for a window, preferring an LLM and
// falling back to local concatenation.
func (e *Engine) summarize(ctx context.Context, window []*models.MemoryRecord) (text, createdBy string) {
	if e.registry != nil {
		if p, err := e.registry.WithCapability("chat"); err == nil {
			var sb strings.Builder
			for _, rec := range window {
				fmt.Fprintf(&sb, "- [%s] %s\n", rec.Role, rec.Content)
			}
			resp, err := p.Chat(ctx, []*models.Message{
				{Role: models.RoleSystem, Content: summarizePrompt},
				{Role: models.RoleUser, Content: sb.String()},
			}, nil)
			if err == nil && strings.TrimSpace(resp.Content) != "" {
				return resp.Content, "llm"
			}
			if err != nil {
				e.logger.Warn("llm summarization failed, using local fallback", "error", err)
			}
		}
	}
	return localSummary(window), "local"
}

// localSummary concatenates truncated record contents as bullets.
func localSummary(window []*models.MemoryRecord) string {
	const maxSnippet = 120
	var sb strings.Builder
	sb.WriteString("Summary of earlier conversation:\n")
	for _, rec := range window {
		content := strings.TrimSpace(rec.Content)
		if runes := []rune(content); len(runes) > maxSnippet {
			content = string(runes[:maxSnippet]) + "…"
		}
		fmt.Fprintf(&sb, "- %s\n", content)
	}
	return sb.String()
}
