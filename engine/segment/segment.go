// Package segment splits a word-timed transcript into embeddable chunks.
// Chunks are closed at sentence boundaries when one falls inside a small
// lookahead window, and consecutive chunks overlap by a configured stride so
// context survives the cut.
package segment

import (
	"fmt"
	"strings"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	"github.com/google/uuid"
)

const (
	// DefaultTargetTokens is the target token estimate per chunk.
	DefaultTargetTokens = 192
	// DefaultOverlapTokens is the stride shared between adjacent chunks.
	DefaultOverlapTokens = 24
	// DefaultMinTokens is the smallest chunk emitted standalone.
	DefaultMinTokens = 16
	// DefaultLookahead is how many words past the target to scan for a
	// sentence boundary before cutting mid-sentence.
	DefaultLookahead = 32
)

// Config controls chunk sizing. Token counts are estimated as word counts,
// the same approximation the embedding providers tolerate.
type Config struct {
	TargetChunkTokens int
	OverlapTokens     int
	MinChunkTokens    int
	Lookahead         int
}

// DefaultConfig returns the standard chunking configuration.
func DefaultConfig() Config {
	return Config{
		TargetChunkTokens: DefaultTargetTokens,
		OverlapTokens:     DefaultOverlapTokens,
		MinChunkTokens:    DefaultMinTokens,
		Lookahead:         DefaultLookahead,
	}
}

// Validate checks the config constraints.
func (c Config) Validate() error {
	if c.TargetChunkTokens <= 0 {
		return domain.NewValidationError("target_chunk_tokens", fmt.Sprint(c.TargetChunkTokens),
			fmt.Errorf("%w: must be > 0", domain.ErrInvalidInput))
	}
	if c.OverlapTokens < 0 || c.OverlapTokens >= c.TargetChunkTokens {
		return domain.NewValidationError("overlap_tokens", fmt.Sprint(c.OverlapTokens),
			fmt.Errorf("%w: must be >= 0 and < target_chunk_tokens", domain.ErrInvalidInput))
	}
	if c.MinChunkTokens < 1 {
		return domain.NewValidationError("min_chunk_tokens", fmt.Sprint(c.MinChunkTokens),
			fmt.Errorf("%w: must be >= 1", domain.ErrInvalidInput))
	}
	return nil
}

// Split chunks the transcript for the given source. Embeddings are left
// absent; chunk IDs are deterministic per (source, index) so re-ingestion
// overwrites rather than duplicates.
func Split(sourceID string, t domain.Transcript, cfg Config) ([]domain.Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := domain.ValidateTranscript(t); err != nil {
		return nil, err
	}

	lookahead := cfg.Lookahead
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}

	segEnd := make(map[int]bool, len(t.SegmentEnds))
	for _, i := range t.SegmentEnds {
		segEnd[i] = true
	}

	words := t.Words
	var chunks []domain.Chunk
	var starts []int // word index where each chunk begins
	start := 0

	for start < len(words) {
		cut := start + cfg.TargetChunkTokens
		if cut >= len(words) {
			cut = len(words)
		} else {
			// Prefer a sentence or provider-segment boundary within the
			// lookahead window; fall back to the word boundary at target.
			if b, ok := boundaryNear(words, segEnd, cut, lookahead); ok {
				cut = b
			}
		}

		chunks = append(chunks, makeChunk(sourceID, len(chunks), words[start:cut], words[start].StartMS, words[cut-1].EndMS))
		starts = append(starts, start)

		if cut >= len(words) {
			break
		}
		next := cut - cfg.OverlapTokens
		if next <= start {
			next = cut // ensure forward progress
		}
		start = next
	}

	// A trailing fragment below the minimum is merged into its predecessor.
	if n := len(chunks); n > 1 && chunks[n-1].TokenCount < cfg.MinChunkTokens {
		chunks = mergeTail(sourceID, chunks, words, starts[n-2])
	}

	return chunks, nil
}

// boundaryNear scans [cut, cut+lookahead) for the first index whose word ends
// a sentence or provider segment, returning the exclusive cut position.
func boundaryNear(words []domain.Word, segEnd map[int]bool, cut, lookahead int) (int, bool) {
	limit := cut + lookahead
	if limit > len(words) {
		limit = len(words)
	}
	for i := cut - 1; i < limit; i++ {
		if i < 0 {
			continue
		}
		if endsSentence(words[i].Text) || segEnd[i] {
			return i + 1, true
		}
	}
	return 0, false
}

func endsSentence(text string) bool {
	trimmed := strings.TrimRight(text, `"')]`)
	return strings.HasSuffix(trimmed, ".") ||
		strings.HasSuffix(trimmed, "!") ||
		strings.HasSuffix(trimmed, "?")
}

func makeChunk(sourceID string, index int, words []domain.Word, startMS, endMS int64) domain.Chunk {
	texts := make([]string, len(words))
	for i, w := range words {
		texts[i] = w.Text
	}
	return domain.Chunk{
		ID:         ChunkID(sourceID, index),
		SourceID:   sourceID,
		Text:       strings.Join(texts, " "),
		StartMS:    startMS,
		EndMS:      endMS,
		TokenCount: len(words),
	}
}

// mergeTail folds the last chunk into the previous one. The merged chunk is
// rebuilt from the previous chunk's word range so overlap between the two is
// not duplicated. startIdx is the word index where the previous chunk begins;
// word timestamps cannot identify it because starts may legally collide.
func mergeTail(sourceID string, chunks []domain.Chunk, words []domain.Word, startIdx int) []domain.Chunk {
	merged := makeChunk(sourceID, len(chunks)-2, words[startIdx:], words[startIdx].StartMS, words[len(words)-1].EndMS)
	return append(chunks[:len(chunks)-2], merged)
}

// ChunkID derives the deterministic UUID for a chunk position within a
// source.
func ChunkID(sourceID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s-%d", sourceID, index))).String()
}
