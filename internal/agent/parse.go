package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/nugget/thane-core/internal/llm"
	"github.com/nugget/thane-core/internal/prompts"
)

type replyKind int

const (
	replyFinal replyKind = iota
	replyAction
	replyEmpty
)

// reply is a parsed model response.
type reply struct {
	kind    replyKind
	thought string
	action  *Action
	answer  string
	// fallback is set when the text matched no protocol form and is
	// taken as the answer as-is.
	fallback bool
	// loose marks an action read from the "tool" or "name" spelling.
	// Such objects also appear in ordinary answers (a quoted
	// package.json), so answer keeps the full text in case the name is
	// not a known tool.
	loose bool
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// finalActions are action names models use to mean "I'm done".
var finalActions = map[string]bool{
	"final_answer": true,
	"final answer": true,
	"finish":       true,
	"answer":       true,
}

// parseReply interprets a model message. In order: native tool calls,
// a JSON action object (bare or fenced), the final-answer marker, and
// finally the whole text as the answer.
func parseReply(msg llm.Message) reply {
	content := strings.TrimSpace(msg.Content)

	if len(msg.ToolCalls) > 0 {
		fn := msg.ToolCalls[0].Function
		return reply{
			kind:    replyAction,
			thought: content,
			action:  &Action{Tool: fn.Name, Args: fn.Arguments, Native: true},
		}
	}
	if content == "" {
		return reply{kind: replyEmpty}
	}

	markerAt := indexFold(content, prompts.FinalAnswerMarker)
	braceAt := strings.IndexByte(content, '{')
	if braceAt >= 0 && (markerAt < 0 || braceAt < markerAt) {
		if obj, ok := extractJSONObject(content); ok {
			if r, ok := replyFromJSON(obj); ok {
				if r.loose {
					r.answer = content
				}
				return r
			}
		}
	}

	if markerAt >= 0 {
		answer := strings.TrimSpace(content[markerAt+len(prompts.FinalAnswerMarker):])
		if answer != "" {
			return reply{
				kind:    replyFinal,
				thought: strings.TrimSpace(content[:markerAt]),
				answer:  answer,
			}
		}
	}

	return reply{kind: replyFinal, answer: content, fallback: true}
}

// extractJSONObject finds the first JSON object in s, preferring a
// fenced code block.
func extractJSONObject(s string) (map[string]any, bool) {
	if m := fencedJSON.FindStringSubmatch(s); m != nil {
		var obj map[string]any
		if json.Unmarshal([]byte(m[1]), &obj) == nil {
			return obj, true
		}
	}
	offset := 0
	for tries := 0; tries < 5; tries++ {
		i := strings.IndexByte(s[offset:], '{')
		if i < 0 {
			break
		}
		start := offset + i
		var obj map[string]any
		if json.NewDecoder(strings.NewReader(s[start:])).Decode(&obj) == nil {
			return obj, true
		}
		offset = start + 1
	}
	return nil, false
}

var argKeys = []string{"args", "arguments", "action_input", "input", "parameters"}

// replyFromJSON reads the action protocol object. It accepts the
// common spellings models drift into ("tool", "arguments", ...), but a
// "tool" or "name" key only counts when the object also carries
// arguments.
func replyFromJSON(obj map[string]any) (reply, bool) {
	thought, _ := obj["thought"].(string)

	name := firstString(obj, "action")
	loose := false
	if name == "" && hasAnyKey(obj, argKeys...) {
		name = firstString(obj, "tool", "name")
		loose = true
	}
	if name == "" {
		if answer := firstString(obj, "final_answer", "answer"); answer != "" {
			return reply{kind: replyFinal, thought: thought, answer: answer}, true
		}
		return reply{}, false
	}

	args := firstArgs(obj, argKeys...)
	if finalActions[strings.ToLower(name)] {
		answer := firstString(obj, "answer", "final_answer")
		if answer == "" {
			answer = firstString(args, "answer", "text", "content")
		}
		if answer == "" {
			return reply{}, false
		}
		return reply{kind: replyFinal, thought: thought, answer: answer}, true
	}

	if args == nil {
		args = map[string]any{}
	}
	return reply{
		kind:    replyAction,
		thought: thought,
		action:  &Action{Tool: name, Args: args},
		loose:   loose,
	}, true
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstArgs(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		switch v := m[k].(type) {
		case map[string]any:
			return v
		case string:
			// Some models double-encode the arguments.
			var decoded map[string]any
			if json.Unmarshal([]byte(v), &decoded) == nil {
				return decoded
			}
		}
	}
	return nil
}

// indexFold is a case-insensitive strings.Index for ASCII needles.
func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}
