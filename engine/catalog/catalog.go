// Package catalog is the system of record for audio sources: their
// metadata, lifecycle state, and failure detail live in Neo4j while the
// chunks themselves live in the vector store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

const nodeLabel = "AudioSource"

// Catalog stores AudioSource records keyed by source ID.
type Catalog struct {
	repo repo.Repository[domain.AudioSource, string]
}

// New builds a Catalog over a Neo4j driver.
func New(driver neo4j.DriverWithContext) *Catalog {
	r := repo.NewNeo4jRepo[domain.AudioSource, string](
		driver, nodeLabel, sourceToMap, sourceFromRecord,
		repo.WithOrderKey[domain.AudioSource, string]("created_at"),
	)
	return &Catalog{repo: r}
}

// NewWithRepository builds a Catalog over any Repository. Used in tests.
func NewWithRepository(r repo.Repository[domain.AudioSource, string]) *Catalog {
	return &Catalog{repo: r}
}

// Save upserts the source record.
func (c *Catalog) Save(ctx context.Context, src domain.AudioSource) (domain.AudioSource, error) {
	if src.ID == "" {
		return domain.AudioSource{}, domain.NewValidationError("id", "",
			fmt.Errorf("%w: source id required", domain.ErrInvalidInput))
	}
	saved, err := c.repo.Save(ctx, src)
	if err != nil {
		return domain.AudioSource{}, fmt.Errorf("catalog: save %s: %w", src.ID, err)
	}
	return saved, nil
}

// Get fetches one source. Unknown IDs map to domain.ErrUnknownSource.
func (c *Catalog) Get(ctx context.Context, id string) (domain.AudioSource, error) {
	src, err := c.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.AudioSource{}, fmt.Errorf("catalog: %w: %s", domain.ErrUnknownSource, id)
		}
		return domain.AudioSource{}, fmt.Errorf("catalog: get %s: %w", id, err)
	}
	return src, nil
}

// List returns sources ordered by creation time.
func (c *Catalog) List(ctx context.Context, opts repo.ListOpts) ([]domain.AudioSource, error) {
	srcs, err := c.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return srcs, nil
}

// Delete removes the source record. Deleting an unknown ID is not an error
// at this layer; callers gate on Get first when they care.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if err := c.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("catalog: delete %s: %w", id, err)
	}
	return nil
}

// SetState transitions the stored record, clearing any stale failure detail
// on non-failed states.
func (c *Catalog) SetState(ctx context.Context, id string, state domain.SourceState, errDetail string) (domain.AudioSource, error) {
	src, err := c.Get(ctx, id)
	if err != nil {
		return domain.AudioSource{}, err
	}
	src.State = state
	if state == domain.StateFailed {
		src.ErrDetail = errDetail
	} else {
		src.ErrDetail = ""
	}
	return c.Save(ctx, src)
}

func sourceToMap(s domain.AudioSource) map[string]any {
	return map[string]any{
		"id":          s.ID,
		"filename":    s.Filename,
		"duration_ms": s.DurationMS,
		"chunk_count": int64(s.ChunkCount),
		"state":       string(s.State),
		"err_detail":  s.ErrDetail,
		"created_at":  s.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func sourceFromRecord(rec *neo4j.Record) (domain.AudioSource, error) {
	if len(rec.Values) == 0 {
		return domain.AudioSource{}, fmt.Errorf("catalog: record has no values")
	}

	var props map[string]any
	switch v := rec.Values[0].(type) {
	case dbtype.Node:
		props = v.Props
	case map[string]any:
		props = v
	default:
		return domain.AudioSource{}, fmt.Errorf("catalog: unexpected record value %T", rec.Values[0])
	}

	src := domain.AudioSource{
		ID:        str(props["id"]),
		Filename:  str(props["filename"]),
		State:     domain.SourceState(str(props["state"])),
		ErrDetail: str(props["err_detail"]),
	}
	src.DurationMS = i64(props["duration_ms"])
	src.ChunkCount = int(i64(props["chunk_count"]))
	if raw := str(props["created_at"]); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.AudioSource{}, fmt.Errorf("catalog: bad created_at %q: %w", raw, err)
		}
		src.CreatedAt = ts
	}
	return src, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func i64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
