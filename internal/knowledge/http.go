package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nugget/thane-core/internal/httpkit"
)

// HTTPRetriever queries a knowledge service with
// POST <base>/retrieve {"agent_id", "query", "top_k"} and expects
// {"chunks": [...]} back.
type HTTPRetriever struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPRetriever creates a retriever for the service at baseURL.
func NewHTTPRetriever(baseURL string, logger *slog.Logger) *HTTPRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRetriever{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("component", "knowledge"),
	}
}

type retrieveRequest struct {
	AgentID string `json:"agent_id"`
	Query   string `json:"query"`
	TopK    int    `json:"top_k"`
}

type retrieveResponse struct {
	Chunks []Chunk `json:"chunks"`
}

// Retrieve implements [Retriever]. Results are ordered by descending
// score and capped at topK even if the service returns more.
func (r *HTTPRetriever) Retrieve(ctx context.Context, agentID, query string, topK int) ([]Chunk, error) {
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	body, err := json.Marshal(retrieveRequest{AgentID: agentID, Query: query, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("knowledge: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("knowledge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("knowledge: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var rr retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("knowledge: decode response: %w", err)
	}

	chunks := rr.Chunks[:0]
	for _, c := range rr.Chunks {
		if strings.TrimSpace(c.Content) != "" {
			chunks = append(chunks, c)
		}
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}

	r.logger.Debug("knowledge retrieved",
		"agent", agentID,
		"chunks", len(chunks),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return chunks, nil
}
