package prompts

import (
	"fmt"
	"sort"
	"strings"
)

// FinalAnswerMarker introduces the final answer in a model response.
const FinalAnswerMarker = "Final Answer:"

// ToolDoc describes one tool in the system prompt's catalogue.
type ToolDoc struct {
	Name        string
	Description string
	// Args maps argument names to a short description.
	Args map[string]string
}

const systemTemplate = `You are a coding assistant working inside a project workspace.
You solve tasks by reasoning step by step and calling tools when you need
information or need to change something. The working directory for every
tool call is: %s

## Tools
%s
## Response protocol
Reply in exactly one of two forms.

To call a tool, reply with a single JSON object and nothing else:
{"thought": "<why this step>", "action": "<tool name>", "args": {<arguments>}}

When you know the answer, reply with:
%s <your answer to the user>

Rules:
- Call one tool per reply. You will see its result as an observation.
- Never invent tool results. If a tool fails, read the error and adapt.
- Paths are relative to the working directory.
- Keep the final answer concise and specific to what you observed.`

// SystemPrompt returns the reasoning loop's system prompt listing the
// available tools and the response protocol.
func SystemPrompt(workingDir string, tools []ToolDoc) string {
	return fmt.Sprintf(systemTemplate, workingDir, ToolCatalogue(tools), FinalAnswerMarker)
}

// ToolCatalogue renders tools as a Markdown list, sorted by name.
func ToolCatalogue(tools []ToolDoc) string {
	sorted := append([]ToolDoc(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var sb strings.Builder
	for _, t := range sorted {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		args := make([]string, 0, len(t.Args))
		for name := range t.Args {
			args = append(args, name)
		}
		sort.Strings(args)
		for _, name := range args {
			fmt.Fprintf(&sb, "    - %s: %s\n", name, t.Args[name])
		}
	}
	return sb.String()
}

const directTemplate = `You are a helpful coding assistant. Answer the user's question directly
and concisely. You have no tools in this mode; if the question needs
files or commands, say what the user should run.`

// DirectPrompt returns the system prompt for direct streaming answers.
func DirectPrompt() string {
	return directTemplate
}
