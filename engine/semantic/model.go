package semantic

// Hit is a single vector search result with the stored chunk payload.
type Hit struct {
	ChunkID    string  `json:"chunk_id"`
	SourceID   string  `json:"source_id"`
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	TokenCount int     `json:"token_count"`
	Score      float32 `json:"score"`
}
