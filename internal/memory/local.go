package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// LocalRetriever keeps memories in an in-process chromem database, one
// collection per user.
type LocalRetriever struct {
	db     *chromem.DB
	prefix string
	embed  chromem.EmbeddingFunc
	logger *zap.Logger
}

// NewLocalRetriever opens the database under persistDir, or in memory when
// persistDir is empty.
func NewLocalRetriever(persistDir, prefix string, embed chromem.EmbeddingFunc, logger *zap.Logger) (*LocalRetriever, error) {
	db := chromem.NewDB()
	if persistDir != "" {
		var err error
		db, err = chromem.NewPersistentDB(filepath.Join(persistDir, "memories"), false)
		if err != nil {
			return nil, fmt.Errorf("open local memory db: %w", err)
		}
	}
	return &LocalRetriever{db: db, prefix: prefix, embed: embed, logger: logger}, nil
}

func (l *LocalRetriever) collection(userID string) (*chromem.Collection, error) {
	c, err := l.db.GetOrCreateCollection(l.prefix+":"+userID, nil, l.embed)
	if err != nil {
		return nil, fmt.Errorf("open memory collection for %s: %w", userID, err)
	}
	return c, nil
}

// Remember embeds and stores text.
func (l *LocalRetriever) Remember(ctx context.Context, userID, text string) error {
	c, err := l.collection(userID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	err = c.AddDocument(ctx, chromem.Document{
		ID:       uuid.New().String(),
		Content:  text,
		Metadata: map[string]string{"created_at": strconv.FormatInt(now.UnixMilli(), 10)},
	})
	if err != nil {
		return fmt.Errorf("remember for %s: %w", userID, err)
	}
	return nil
}

// Recall queries the user's collection. n is capped at the collection size.
func (l *LocalRetriever) Recall(ctx context.Context, userID, query string, n int) ([]Snippet, error) {
	c, err := l.collection(userID)
	if err != nil {
		return nil, err
	}
	if count := c.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	res, err := c.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("recall for %s: %w", userID, err)
	}
	out := make([]Snippet, 0, len(res))
	for _, r := range res {
		s := Snippet{ID: r.ID, Content: r.Content, Score: r.Similarity}
		if ms, err := strconv.ParseInt(r.Metadata["created_at"], 10, 64); err == nil {
			s.CreatedAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, s)
	}
	return out, nil
}
