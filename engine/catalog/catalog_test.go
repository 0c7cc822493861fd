package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// memRepo is an in-memory Repository used instead of a live Neo4j.
type memRepo struct {
	sources map[string]domain.AudioSource
	saveErr error
}

func newMemRepo() *memRepo {
	return &memRepo{sources: make(map[string]domain.AudioSource)}
}

func (m *memRepo) Get(_ context.Context, id string) (domain.AudioSource, error) {
	src, ok := m.sources[id]
	if !ok {
		return domain.AudioSource{}, fmt.Errorf("AudioSource %s: %w", id, repo.ErrNotFound)
	}
	return src, nil
}

func (m *memRepo) List(_ context.Context, _ repo.ListOpts) ([]domain.AudioSource, error) {
	var out []domain.AudioSource
	for _, s := range m.sources {
		out = append(out, s)
	}
	return out, nil
}

func (m *memRepo) Save(_ context.Context, src domain.AudioSource) (domain.AudioSource, error) {
	if m.saveErr != nil {
		return domain.AudioSource{}, m.saveErr
	}
	m.sources[src.ID] = src
	return src, nil
}

func (m *memRepo) Delete(_ context.Context, id string) error {
	delete(m.sources, id)
	return nil
}

func sampleSource() domain.AudioSource {
	return domain.AudioSource{
		ID:        "src-1",
		Filename:  "standup.mp3",
		State:     domain.StateUploaded,
		CreatedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestGet_UnknownMapsToDomainError(t *testing.T) {
	c := NewWithRepository(newMemRepo())
	_, err := c.Get(context.Background(), "nope")
	if !errors.Is(err, domain.ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestSave_RequiresID(t *testing.T) {
	c := NewWithRepository(newMemRepo())
	_, err := c.Save(context.Background(), domain.AudioSource{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSetState_ClearsErrDetailOnRecovery(t *testing.T) {
	m := newMemRepo()
	c := NewWithRepository(m)

	src := sampleSource()
	src.State = domain.StateFailed
	src.ErrDetail = "whisper 500"
	m.sources[src.ID] = src

	got, err := c.SetState(context.Background(), src.ID, domain.StateTranscribing, "")
	if err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if got.State != domain.StateTranscribing || got.ErrDetail != "" {
		t.Errorf("got state=%s err_detail=%q", got.State, got.ErrDetail)
	}
}

func TestSetState_RecordsFailureDetail(t *testing.T) {
	m := newMemRepo()
	c := NewWithRepository(m)
	m.sources["src-1"] = sampleSource()

	got, err := c.SetState(context.Background(), "src-1", domain.StateFailed, "embedding provider down")
	if err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if got.State != domain.StateFailed || got.ErrDetail != "embedding provider down" {
		t.Errorf("got %+v", got)
	}
}

func TestSetState_UnknownSource(t *testing.T) {
	c := NewWithRepository(newMemRepo())
	_, err := c.SetState(context.Background(), "nope", domain.StateIndexed, "")
	if !errors.Is(err, domain.ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestSourceRoundTripThroughRecord(t *testing.T) {
	src := sampleSource()
	src.DurationMS = 95_000
	src.ChunkCount = 7
	src.State = domain.StateIndexed

	rec := &neo4j.Record{Values: []any{sourceToMap(src)}, Keys: []string{"n"}}
	got, err := sourceFromRecord(rec)
	if err != nil {
		t.Fatalf("sourceFromRecord: %v", err)
	}
	if got.ID != src.ID || got.Filename != src.Filename || got.State != src.State {
		t.Errorf("got %+v, want %+v", got, src)
	}
	if got.DurationMS != 95_000 || got.ChunkCount != 7 {
		t.Errorf("numeric fields lost: %+v", got)
	}
	if !got.CreatedAt.Equal(src.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, src.CreatedAt)
	}
}

func TestSourceFromRecord_EmptyRecord(t *testing.T) {
	if _, err := sourceFromRecord(&neo4j.Record{}); err == nil {
		t.Fatal("expected error for empty record")
	}
}
