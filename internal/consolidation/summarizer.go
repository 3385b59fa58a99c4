package consolidation

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/thane-core/internal/llm"
	"github.com/nugget/thane-core/internal/memory"
	"github.com/nugget/thane-core/internal/prompts"
)

// Summarizer condenses a group of same-category short-term records into
// the content of one long-term record.
type Summarizer interface {
	Summarize(ctx context.Context, category memory.Category, records []*memory.Record) (string, error)
}

// LLMFunc sends a prompt to a model and returns its reply.
type LLMFunc func(ctx context.Context, prompt string) (string, error)

// ChatFunc adapts an [llm.Client] to an [LLMFunc]. Each call is bounded
// by timeout when it is positive.
func ChatFunc(client llm.Client, model string, timeout time.Duration) LLMFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		resp, err := client.Chat(ctx, model, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, nil)
		if err != nil {
			return "", err
		}
		return resp.Message.Content, nil
	}
}

// LLMSummarizer uses a model to write summaries.
type LLMSummarizer struct {
	llmFunc LLMFunc
}

// NewLLMSummarizer creates a summarizer that uses a model.
func NewLLMSummarizer(llmFunc LLMFunc) *LLMSummarizer {
	return &LLMSummarizer{llmFunc: llmFunc}
}

// Summarize implements [Summarizer].
func (s *LLMSummarizer) Summarize(ctx context.Context, category memory.Category, records []*memory.Record) (string, error) {
	observations := make([]string, len(records))
	for i, r := range records {
		observations[i] = r.Content
	}
	out, err := s.llmFunc(ctx, prompts.ConsolidationPrompt(string(category), observations))
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", category, err)
	}
	return strings.TrimSpace(out), nil
}

// ExtractiveSummarizer builds a summary without a model: a header line
// followed by the most important records, one per line.
type ExtractiveSummarizer struct {
	// MaxLines caps the records quoted. Default 8.
	MaxLines int
}

// Summarize implements [Summarizer]. It never fails.
func (s ExtractiveSummarizer) Summarize(_ context.Context, category memory.Category, records []*memory.Record) (string, error) {
	limit := s.MaxLines
	if limit <= 0 {
		limit = 8
	}

	ranked := slices.Clone(records)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Importance > ranked[j].Importance })

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s observations", len(records), category)
	if len(records) > 0 {
		first, last := records[0].CreatedAt, records[len(records)-1].CreatedAt
		fmt.Fprintf(&sb, " from %s to %s", first.Format("2006-01-02 15:04"), last.Format("2006-01-02 15:04"))
	}
	sb.WriteString(":\n")
	for i, r := range ranked {
		if i == limit {
			fmt.Fprintf(&sb, "- ... and %d more\n", len(ranked)-limit)
			break
		}
		line := strings.Join(strings.Fields(r.Content), " ")
		if len(line) > 200 {
			n := 200
			for n > 0 && !utf8.RuneStart(line[n]) {
				n--
			}
			line = line[:n] + "..."
		}
		fmt.Fprintf(&sb, "- %s\n", line)
	}
	return strings.TrimSpace(sb.String()), nil
}
