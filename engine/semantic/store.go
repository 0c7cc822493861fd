// Package semantic is the sole owner of all Qdrant operations: chunk
// persistence, deletion by source, and similarity search.
package semantic

import (
	"context"
	"fmt"
	"sort"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// pointsAPI is the subset of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore persists embedded chunks and serves nearest-neighbor queries.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	dims        int
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
// dims is the embedding dimensionality every stored chunk must carry.
func New(addr, collection string, dims int) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dims:        dims,
	}, nil
}

// NewWithClients creates a VectorStore over existing clients. Used in tests.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string, dims int) *VectorStore {
	return &VectorStore{points: points, collections: collections, collection: collection, dims: dims}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the cosine-distance collection if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(v.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// DropCollection deletes the collection and everything in it.
func (v *VectorStore) DropCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: v.collection,
	})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	return nil
}

// Upsert stores embedded chunks. Idempotent per chunk ID; re-upserting an ID
// overwrites every field. Chunks without an embedding of the configured
// dimensionality are rejected before anything is written.
func (v *VectorStore) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			return domain.NewValidationError("embedding", c.ID,
				fmt.Errorf("%w: chunk has no embedding", domain.ErrInvalidInput))
		}
		if len(c.Embedding) != v.dims {
			return domain.NewValidationError("embedding", c.ID,
				fmt.Errorf("%w: embedding has %d dimensions, want %d", domain.ErrInvalidInput, len(c.Embedding), v.dims))
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: c.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: c.Embedding},
				},
			},
			Payload: map[string]*pb.Value{
				"text":        {Kind: &pb.Value_StringValue{StringValue: c.Text}},
				"source_id":   {Kind: &pb.Value_StringValue{StringValue: c.SourceID}},
				"start_ms":    {Kind: &pb.Value_IntegerValue{IntegerValue: c.StartMS}},
				"end_ms":      {Kind: &pb.Value_IntegerValue{IntegerValue: c.EndMS}},
				"token_count": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(c.TokenCount)}},
			},
		}
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(chunks), err)
	}
	return nil
}

// DeleteBySource removes every chunk owned by the given audio source. No-op
// if the source has no chunks.
func (v *VectorStore) DeleteBySource(ctx context.Context, sourceID string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{
						fieldMatch("source_id", sourceID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete by source_id %s: %w", sourceID, err)
	}
	return nil
}

// Query performs k-NN search, optionally restricted to one source. Results
// come back sorted by descending score; ties break toward the earliest
// start_ms.
func (v *VectorStore) Query(ctx context.Context, vector []float32, k int, sourceID string) ([]Hit, error) {
	if k <= 0 {
		return nil, domain.NewValidationError("k", fmt.Sprint(k),
			fmt.Errorf("%w: k must be > 0", domain.ErrInvalidInput))
	}

	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if sourceID != "" {
		req.Filter = &pb.Filter{Must: []*pb.Condition{fieldMatch("source_id", sourceID)}}
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	hits := make([]Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		h := Hit{
			ChunkID: r.GetId().GetUuid(),
			Score:   r.GetScore(),
		}
		for key, val := range r.GetPayload() {
			switch key {
			case "text":
				h.Text = val.GetStringValue()
			case "source_id":
				h.SourceID = val.GetStringValue()
			case "start_ms":
				h.StartMS = val.GetIntegerValue()
			case "end_ms":
				h.EndMS = val.GetIntegerValue()
			case "token_count":
				h.TokenCount = int(val.GetIntegerValue())
			}
		}
		hits[i] = h
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].StartMS < hits[j].StartMS
	})
	return hits, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
