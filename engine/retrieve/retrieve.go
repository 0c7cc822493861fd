// Package retrieve turns an embedded question into a ranked, deduplicated
// list of transcript chunks.
package retrieve

import (
	"context"
	"fmt"
	"sort"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	"github.com/EchoQueryAI/echoquery-mvp/engine/semantic"
)

// Searcher is the vector-store operation the retriever depends on.
// *semantic.VectorStore satisfies it.
type Searcher interface {
	Query(ctx context.Context, vector []float32, k int, sourceID string) ([]semantic.Hit, error)
}

// Config tunes a retrieval call.
type Config struct {
	// K is how many nearest neighbors to pull from the store before
	// filtering. Must be > 0.
	K int
	// ScoreFloor drops hits scoring below it. Zero keeps everything.
	ScoreFloor float32
}

// DefaultConfig matches the chat surface: a small candidate set with a
// permissive floor, so marginal-but-real matches survive to assembly.
func DefaultConfig() Config {
	return Config{K: 8, ScoreFloor: 0.25}
}

func (c Config) validate() error {
	if c.K <= 0 {
		return domain.NewValidationError("k", fmt.Sprint(c.K),
			fmt.Errorf("%w: k must be > 0", domain.ErrInvalidInput))
	}
	if c.ScoreFloor < 0 || c.ScoreFloor > 1 {
		return domain.NewValidationError("score_floor", fmt.Sprint(c.ScoreFloor),
			fmt.Errorf("%w: score floor must be in [0,1]", domain.ErrInvalidInput))
	}
	return nil
}

// Retriever queries a Searcher and post-processes the hits.
type Retriever struct {
	store Searcher
	cfg   Config
}

func New(store Searcher, cfg Config) (*Retriever, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Retriever{store: store, cfg: cfg}, nil
}

// Retrieve runs a nearest-neighbor query for the embedded question and
// returns results sorted by descending score with ranks assigned from 1.
// sourceID, when non-empty, restricts the search to one audio source.
//
// Hits below the score floor are dropped, and when two hits from the same
// source overlap in time only the higher-scoring one survives. An empty
// result is a valid outcome, not an error.
func (r *Retriever) Retrieve(ctx context.Context, vector []float32, sourceID string) ([]domain.QueryResult, error) {
	hits, err := r.store.Query(ctx, vector, r.cfg.K, sourceID)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	kept := make([]semantic.Hit, 0, len(hits))
	for _, h := range hits {
		if h.Score < r.cfg.ScoreFloor {
			continue
		}
		kept = append(kept, h)
	}

	kept = dedupOverlapping(kept)

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})

	results := make([]domain.QueryResult, len(kept))
	for i, h := range kept {
		results[i] = domain.QueryResult{
			ChunkID:    h.ChunkID,
			SourceID:   h.SourceID,
			Text:       h.Text,
			StartMS:    h.StartMS,
			EndMS:      h.EndMS,
			TokenCount: h.TokenCount,
			Score:      h.Score,
			Rank:       i + 1,
		}
	}
	return results, nil
}

// dedupOverlapping keeps, for each group of same-source hits whose time
// ranges overlap, only the highest-scoring one. Hits are compared pairwise;
// the incoming order is score-descending within ties already handled by the
// store, so a simple survivor scan is enough at retrieval sizes.
func dedupOverlapping(hits []semantic.Hit) []semantic.Hit {
	sorted := make([]semantic.Hit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var survivors []semantic.Hit
	for _, h := range sorted {
		shadowed := false
		for _, s := range survivors {
			if s.SourceID == h.SourceID && overlaps(s, h) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			survivors = append(survivors, h)
		}
	}
	return survivors
}

func overlaps(a, b semantic.Hit) bool {
	return a.StartMS < b.EndMS && b.StartMS < a.EndMS
}
