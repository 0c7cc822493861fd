package retrieve

import (
	"context"
	"errors"
	"testing"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	"github.com/EchoQueryAI/echoquery-mvp/engine/semantic"
)

type fakeSearcher struct {
	hits       []semantic.Hit
	err        error
	lastK      int
	lastSource string
}

func (f *fakeSearcher) Query(_ context.Context, _ []float32, k int, sourceID string) ([]semantic.Hit, error) {
	f.lastK = k
	f.lastSource = sourceID
	return f.hits, f.err
}

func hit(id, source string, score float32, startMS, endMS int64) semantic.Hit {
	return semantic.Hit{
		ChunkID: id, SourceID: source, Text: "t",
		StartMS: startMS, EndMS: endMS, TokenCount: 10, Score: score,
	}
}

func TestRetrieve_FloorAndRanks(t *testing.T) {
	store := &fakeSearcher{hits: []semantic.Hit{
		hit("a", "s1", 0.91, 0, 1000),
		hit("b", "s1", 0.62, 5000, 6000),
		hit("c", "s1", 0.12, 9000, 10000),
	}}
	r, err := New(store, Config{K: 8, ScoreFloor: 0.3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := r.Retrieve(context.Background(), []float32{1, 0}, "")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results above floor, got %d", len(got))
	}
	if got[0].ChunkID != "a" || got[0].Rank != 1 {
		t.Errorf("top result = %s rank %d", got[0].ChunkID, got[0].Rank)
	}
	if got[1].ChunkID != "b" || got[1].Rank != 2 {
		t.Errorf("second result = %s rank %d", got[1].ChunkID, got[1].Rank)
	}
}

func TestRetrieve_OverlapKeepsHigherScore(t *testing.T) {
	// b overlaps a in time on the same source; a scores higher and must win.
	store := &fakeSearcher{hits: []semantic.Hit{
		hit("a", "s1", 0.88, 0, 2000),
		hit("b", "s1", 0.74, 1500, 3500),
		hit("d", "s1", 0.70, 8000, 9000),
	}}
	r, _ := New(store, DefaultConfig())

	got, err := r.Retrieve(context.Background(), []float32{1}, "")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected overlap collapsed to 2 results, got %d", len(got))
	}
	if got[0].ChunkID != "a" || got[1].ChunkID != "d" {
		t.Errorf("survivors = %s, %s", got[0].ChunkID, got[1].ChunkID)
	}
}

func TestRetrieve_OverlapAcrossSourcesKept(t *testing.T) {
	// Same time window but different sources: both stay.
	store := &fakeSearcher{hits: []semantic.Hit{
		hit("a", "s1", 0.8, 0, 2000),
		hit("b", "s2", 0.7, 0, 2000),
	}}
	r, _ := New(store, DefaultConfig())

	got, err := r.Retrieve(context.Background(), []float32{1}, "")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both sources kept, got %d", len(got))
	}
}

func TestRetrieve_AdjacentChunksNotDeduped(t *testing.T) {
	// Touching boundaries (end == next start) do not overlap.
	store := &fakeSearcher{hits: []semantic.Hit{
		hit("a", "s1", 0.8, 0, 2000),
		hit("b", "s1", 0.7, 2000, 4000),
	}}
	r, _ := New(store, DefaultConfig())

	got, err := r.Retrieve(context.Background(), []float32{1}, "")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("adjacent chunks wrongly deduped, got %d", len(got))
	}
}

func TestRetrieve_EmptyIsValid(t *testing.T) {
	r, _ := New(&fakeSearcher{}, DefaultConfig())
	got, err := r.Retrieve(context.Background(), []float32{1}, "")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %d", len(got))
	}
}

func TestRetrieve_SourceScopePassedThrough(t *testing.T) {
	store := &fakeSearcher{}
	r, _ := New(store, Config{K: 5, ScoreFloor: 0})

	if _, err := r.Retrieve(context.Background(), []float32{1}, "src-3"); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if store.lastK != 5 || store.lastSource != "src-3" {
		t.Errorf("store called with k=%d source=%q", store.lastK, store.lastSource)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero k", Config{K: 0, ScoreFloor: 0.5}},
		{"negative floor", Config{K: 4, ScoreFloor: -0.1}},
		{"floor above one", Config{K: 4, ScoreFloor: 1.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(&fakeSearcher{}, tc.cfg); !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRetrieve_StoreErrorPropagates(t *testing.T) {
	sentinel := errors.New("qdrant down")
	r, _ := New(&fakeSearcher{err: sentinel}, DefaultConfig())
	if _, err := r.Retrieve(context.Background(), []float32{1}, ""); !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}
