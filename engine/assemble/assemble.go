// Package assemble builds the prompt context block out of retrieved chunks
// under a token budget.
package assemble

import (
	"fmt"
	"sort"
	"strings"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
)

// Citation ties a marker in the context block back to the chunk it quotes.
type Citation struct {
	Marker  string `json:"marker"`
	ChunkID string `json:"chunk_id"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// Assembly is a ready-to-prompt context block plus its citation table.
type Assembly struct {
	// Context is the chunk texts, chronological, separated by "---" lines,
	// each prefixed with its citation marker and time range.
	Context string `json:"context"`
	// Citations are in the same order the chunks appear in Context.
	Citations []Citation `json:"citations"`
	// TokensUsed is the word-count estimate of the included chunk texts.
	TokensUsed int `json:"tokens_used"`
}

const separator = "\n---\n"

// Build selects chunks greedily by descending score, stopping the moment
// the next chunk would exceed the token budget, then lays the survivors out
// in chronological order (source, then start time) so the model reads the
// conversation the way it happened.
//
// An empty results slice yields an empty Assembly. A budget too small to
// admit even the single best chunk is ErrBudgetTooSmall: the caller asked
// for context but none can be given.
func Build(results []domain.QueryResult, budgetTokens int) (Assembly, error) {
	if budgetTokens <= 0 {
		return Assembly{}, domain.NewValidationError("budget_tokens", fmt.Sprint(budgetTokens),
			fmt.Errorf("%w: token budget must be > 0", domain.ErrInvalidInput))
	}
	if len(results) == 0 {
		return Assembly{}, nil
	}

	byScore := make([]domain.QueryResult, len(results))
	copy(byScore, results)
	sort.SliceStable(byScore, func(i, j int) bool {
		return byScore[i].Score > byScore[j].Score
	})

	if byScore[0].TokenCount > budgetTokens {
		return Assembly{}, fmt.Errorf("%w: best chunk needs %d tokens, budget is %d",
			domain.ErrBudgetTooSmall, byScore[0].TokenCount, budgetTokens)
	}

	var (
		picked []domain.QueryResult
		used   int
	)
	for _, r := range byScore {
		if used+r.TokenCount > budgetTokens {
			break
		}
		picked = append(picked, r)
		used += r.TokenCount
	}

	sort.SliceStable(picked, func(i, j int) bool {
		if picked[i].SourceID != picked[j].SourceID {
			return picked[i].SourceID < picked[j].SourceID
		}
		return picked[i].StartMS < picked[j].StartMS
	})

	var (
		blocks    = make([]string, len(picked))
		citations = make([]Citation, len(picked))
	)
	for i, r := range picked {
		marker := fmt.Sprintf("c%d", i+1)
		blocks[i] = fmt.Sprintf("[%s] (%s - %s)\n%s",
			marker, formatMS(r.StartMS), formatMS(r.EndMS), r.Text)
		citations[i] = Citation{
			Marker:  marker,
			ChunkID: r.ChunkID,
			StartMS: r.StartMS,
			EndMS:   r.EndMS,
		}
	}

	return Assembly{
		Context:    strings.Join(blocks, separator),
		Citations:  citations,
		TokensUsed: used,
	}, nil
}

// formatMS renders a millisecond offset as mm:ss or h:mm:ss.
func formatMS(ms int64) string {
	total := ms / 1000
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
