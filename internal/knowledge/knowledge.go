// Package knowledge retrieves reference material relevant to a user
// message from an external knowledge service.
package knowledge

import (
	"context"
	"log/slog"

	"github.com/nugget/thane-core/internal/config"
)

// Chunk is one retrieved snippet.
type Chunk struct {
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Retriever returns up to topK chunks relevant to query.
type Retriever interface {
	Retrieve(ctx context.Context, agentID, query string, topK int) ([]Chunk, error)
}

// Noop retrieves nothing.
type Noop struct{}

// Retrieve returns no chunks.
func (Noop) Retrieve(context.Context, string, string, int) ([]Chunk, error) {
	return nil, nil
}

// New returns an HTTP retriever when a URL is configured and [Noop]
// otherwise.
func New(cfg config.KnowledgeConfig, logger *slog.Logger) Retriever {
	if cfg.URL == "" {
		return Noop{}
	}
	return NewHTTPRetriever(cfg.URL, logger)
}
