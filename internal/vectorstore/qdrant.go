// Package vectorstore talks to Qdrant over gRPC.
package vectorstore

import (
	"context"
	"fmt"
	"sort"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps the collections and points services of one Qdrant instance.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewClient dials host:port. The connection is lazy; the first call reports
// an unreachable server.
func NewClient(host string, port int) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// EnsureCollection creates a cosine collection of the given size if missing.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	if _, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name}); err == nil {
		return nil
	}
	_, err := c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: dimension, Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// Point is one vector with a flat string payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// Upsert writes points in one request and waits for them to be indexed.
func (c *Client) Upsert(ctx context.Context, collection string, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	wait := true
	structs := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
			Payload: toValues(p.Payload),
		})
	}
	if _, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         structs,
	}); err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

// Search returns the topK nearest points whose payload matches every
// key/value in match, best first.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, topK uint64, match map[string]string) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          topK,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         keywordFilter(match),
	}
	resp, err := c.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	results := make([]SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		payload := make(map[string]string, len(r.Payload))
		for k, v := range r.Payload {
			if sv, ok := v.Kind.(*pb.Value_StringValue); ok {
				payload[k] = sv.StringValue
			}
		}
		results = append(results, SearchResult{ID: r.Id.GetUuid(), Score: r.Score, Payload: payload})
	}
	return results, nil
}

// SearchResult is a single hit.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Close tears down the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func toValues(payload map[string]string) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(payload))
	for k, v := range payload {
		out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	return out
}

// keywordFilter builds a must-match filter; keys are sorted so requests are
// stable.
func keywordFilter(match map[string]string) *pb.Filter {
	if len(match) == 0 {
		return nil
	}
	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f := &pb.Filter{}
	for _, k := range keys {
		f.Must = append(f.Must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   k,
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: match[k]}},
				},
			},
		})
	}
	return f
}
