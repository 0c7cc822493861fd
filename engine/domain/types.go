// Package domain holds the core types shared across the engine: transcripts,
// chunks, audio sources, and query/answer results, plus validation and the
// error taxonomy.
package domain

import "time"

// Word is a single transcribed word with its time range in the recording.
type Word struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// Transcript is the immutable output of the transcription provider: an
// ordered word sequence plus optional segment boundaries. SegmentEnds holds
// indexes into Words marking the last word of each provider segment.
type Transcript struct {
	Words       []Word `json:"words"`
	SegmentEnds []int  `json:"segment_ends,omitempty"`
}

// DurationMS returns the end time of the last word.
func (t Transcript) DurationMS() int64 {
	if len(t.Words) == 0 {
		return 0
	}
	return t.Words[len(t.Words)-1].EndMS
}

// Chunk is a contiguous transcript span, embedded and indexed independently.
// Text is the exact space-joined concatenation of the words in range.
type Chunk struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	Text       string    `json:"text"`
	StartMS    int64     `json:"start_ms"`
	EndMS      int64     `json:"end_ms"`
	TokenCount int       `json:"token_count"`
	Embedding  []float32 `json:"-"`
}

// SourceState labels a source's position in the ingestion lifecycle.
type SourceState string

const (
	StateUploaded     SourceState = "uploaded"
	StateTranscribing SourceState = "transcribing"
	StateSegmenting   SourceState = "segmenting"
	StateEmbedding    SourceState = "embedding"
	StateIndexed      SourceState = "indexed"
	StateFailed       SourceState = "failed"
)

// Terminal reports whether the state admits no further automatic transition.
func (s SourceState) Terminal() bool {
	return s == StateIndexed || s == StateFailed
}

// AudioSource is one uploaded recording. It owns its chunks: deleting the
// source removes every chunk indexed under its ID.
type AudioSource struct {
	ID         string      `json:"id"`
	Filename   string      `json:"filename"`
	DurationMS int64       `json:"duration_ms"`
	ChunkCount int         `json:"chunk_count"`
	State      SourceState `json:"state"`
	ErrDetail  string      `json:"err_detail,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// QueryResult is one retrieval hit, carrying the stored chunk fields so
// downstream stages need no separate chunk lookup. Ephemeral, never persisted.
type QueryResult struct {
	ChunkID    string  `json:"chunk_id"`
	SourceID   string  `json:"source_id"`
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	TokenCount int     `json:"token_count"`
	Score      float32 `json:"score"`
	Rank       int     `json:"rank"`
}

// Answer is the generated response to a question. NoContext marks the
// designed "nothing relevant in this recording" outcome, which is not an
// error.
type Answer struct {
	Text          string    `json:"text"`
	CitedChunkIDs []string  `json:"cited_chunk_ids"`
	NoContext     bool      `json:"no_context,omitempty"`
	GeneratedAt   time.Time `json:"generated_at"`
}
