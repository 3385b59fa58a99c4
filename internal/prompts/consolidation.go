package prompts

import (
	"fmt"
	"strings"
)

// consolidationTemplate asks a model to fold several short-term
// observations of one category into a single durable memory. Format
// verbs: category, bullet list of observations.
const consolidationTemplate = `You maintain the long-term memory of a coding assistant.
Below are %d short-term observations in the category %q.
Write one concise memory (at most 120 words) that keeps what will
still be useful in future sessions: outcomes, lessons, recurring
problems, user preferences. Drop one-off details and repetition.
Write plain prose, no preamble.

Observations:
%s
Memory:`

// ConsolidationPrompt returns the summarize-strategy prompt for a group
// of observations.
func ConsolidationPrompt(category string, observations []string) string {
	var sb strings.Builder
	for _, o := range observations {
		sb.WriteString("- " + oneLine(o) + "\n")
	}
	return fmt.Sprintf(consolidationTemplate, len(observations), category, sb.String())
}
