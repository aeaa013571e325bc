package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// candidateLimit bounds how many keyword-overlapping memories are scored in
// process per recall.
const candidateLimit = 50

// GraphRetriever keeps memories in Neo4j as (:User)-[:REMEMBERS]->(:Memory)
// and recalls them by keyword overlap.
type GraphRetriever struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraphRetriever connects to Neo4j. An empty user means no authentication.
func NewGraphRetriever(ctx context.Context, uri, user, password string, logger *zap.Logger) (*GraphRetriever, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	g := &GraphRetriever{driver: driver, logger: logger}
	if err := g.ensureSchema(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return g, nil
}

func (g *GraphRetriever) ensureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, stmt := range []string{
		`CREATE CONSTRAINT user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`,
		`CREATE INDEX memory_user IF NOT EXISTS FOR (m:Memory) ON (m.user_id)`,
	} {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure memory schema: %w", err)
		}
	}
	return nil
}

// Remember stores text with its keywords under the user node.
func (g *GraphRetriever) Remember(ctx context.Context, userID, text string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (u:User {id: $userId})
		 CREATE (u)-[:REMEMBERS]->(m:Memory {
			id: $id, user_id: $userId, content: $content,
			keywords: $keywords, created_at: $createdAt
		 })`,
		map[string]interface{}{
			"id":        uuid.New().String(),
			"userId":    userID,
			"content":   text,
			"keywords":  keywords(text),
			"createdAt": time.Now().UnixMilli(),
		})
	if err != nil {
		return fmt.Errorf("remember for %s: %w", userID, err)
	}
	return nil
}

// Recall loads the user's memories sharing at least one keyword with query
// and ranks them by keyword similarity.
func (g *GraphRetriever) Recall(ctx context.Context, userID, query string, n int) ([]Snippet, error) {
	kws := keywords(query)
	if n <= 0 || len(kws) == 0 {
		return nil, nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:User {id: $userId})-[:REMEMBERS]->(m:Memory)
		 WHERE any(k IN m.keywords WHERE k IN $keywords)
		 RETURN m.id AS id, m.content AS content, m.keywords AS keywords, m.created_at AS created_at
		 ORDER BY m.created_at DESC LIMIT $limit`,
		map[string]interface{}{"userId": userID, "keywords": kws, "limit": candidateLimit})
	if err != nil {
		return nil, fmt.Errorf("recall for %s: %w", userID, err)
	}

	var out []Snippet
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		content, _ := rec.Get("content")
		raw, _ := rec.Get("keywords")
		created, _ := rec.Get("created_at")

		var stored []string
		if list, ok := raw.([]interface{}); ok {
			for _, k := range list {
				if s, ok := k.(string); ok {
					stored = append(stored, s)
				}
			}
		}
		s := Snippet{
			Score: float32(keywordSimilarity(kws, stored)),
		}
		s.ID, _ = id.(string)
		s.Content, _ = content.(string)
		if ms, ok := created.(int64); ok {
			s.CreatedAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, s)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read recall results: %w", err)
	}

	sortSnippets(out)
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Close shuts down the driver.
func (g *GraphRetriever) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}
