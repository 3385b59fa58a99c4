package prompts

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ContextItem is one remembered or retrieved fact injected into the
// first iteration.
type ContextItem struct {
	Label   string // e.g. "lesson", "feedback", or a document source
	Content string
}

// ContextSection renders injected memory and knowledge as a prompt
// block. It returns "" when there is nothing to inject.
func ContextSection(summary string, memories, knowledge []ContextItem) string {
	if len(memories) == 0 && len(knowledge) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## What you remember\n")
	if summary != "" {
		sb.WriteString(summary + "\n")
	}
	for _, m := range memories {
		fmt.Fprintf(&sb, "- [%s] %s\n", m.Label, oneLine(m.Content))
	}
	if len(knowledge) > 0 {
		sb.WriteString("\n## Reference material\n")
		for _, k := range knowledge {
			fmt.Fprintf(&sb, "- (%s) %s\n", k.Label, oneLine(k.Content))
		}
	}
	return sb.String()
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 400 {
		n := 400
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n] + "..."
	}
	return s
}
