package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind enumerates the built-in tools. The set is closed: every Kind has
// exactly one handler in [Gateway], selected by an exhaustive switch.
type Kind int

// Built-in tools.
const (
	KindReadFile Kind = iota + 1
	KindWriteFile
	KindEditFile
	KindListFiles
	KindShell
	KindGit
)

var kindNames = map[Kind]string{
	KindReadFile:  "read_file",
	KindWriteFile: "write_file",
	KindEditFile:  "edit_file",
	KindListFiles: "list_files",
	KindShell:     "shell",
	KindGit:       "git",
}

// Kinds returns every built-in kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindReadFile, KindWriteFile, KindEditFile, KindListFiles, KindShell, KindGit}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a tool name to a built-in kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// ReadFileArgs are the arguments of read_file. Offset is 1-based; zero
// Offset and Limit read the whole file.
type ReadFileArgs struct {
	Path   string `json:"path"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// WriteFileArgs are the arguments of write_file.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// EditFileArgs are the arguments of edit_file. OldText must occur
// exactly once.
type EditFileArgs struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

// ListFilesArgs are the arguments of list_files. An empty Path lists
// the working directory.
type ListFilesArgs struct {
	Path string `json:"path,omitempty"`
}

// ShellArgs are the arguments of shell.
type ShellArgs struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// GitArgs are the arguments of git.
type GitArgs struct {
	Subcommand string   `json:"subcommand"`
	Args       []string `json:"args,omitempty"`
}

// decodeArgs converts loosely typed model arguments into a typed struct.
// Numbers that arrive as strings ("10") are accepted for int fields.
func decodeArgs[T any](args map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err == nil {
		return out, nil
	}

	coerced := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			if n := json.Number(s); isInt(n) {
				coerced[k] = n
				continue
			}
		}
		coerced[k] = v
	}
	raw, _ = json.Marshal(coerced)
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("invalid arguments: %w", err)
	}
	return out, nil
}

func isInt(n json.Number) bool {
	_, err := n.Int64()
	return err == nil
}

// builtinSpecs describes the built-in tools for the model.
var builtinSpecs = map[Kind]Tool{
	KindReadFile: {
		Description: "Read a text file. Use offset/limit (1-based lines) for large files.",
		Parameters: schema(map[string]string{
			"path":   "string:File path relative to the working directory",
			"offset": "integer:First line to read (1-based)",
			"limit":  "integer:Maximum number of lines",
		}, "path"),
	},
	KindWriteFile: {
		Description: "Create or overwrite a file, creating parent directories.",
		Parameters: schema(map[string]string{
			"path":    "string:File path relative to the working directory",
			"content": "string:Full file content",
		}, "path", "content"),
	},
	KindEditFile: {
		Description: "Replace one unique occurrence of old_text with new_text in a file.",
		Parameters: schema(map[string]string{
			"path":     "string:File path relative to the working directory",
			"old_text": "string:Exact text to replace; must occur once",
			"new_text": "string:Replacement text",
		}, "path", "old_text", "new_text"),
	},
	KindListFiles: {
		Description: "List the entries of a directory. Directories end with /.",
		Parameters: schema(map[string]string{
			"path": "string:Directory relative to the working directory (default .)",
		}),
	},
	KindShell: {
		Description: "Run a shell command in the working directory.",
		Parameters: schema(map[string]string{
			"command":     "string:Command line passed to sh -c",
			"timeout_sec": "integer:Timeout in seconds",
		}, "command"),
	},
	KindGit: {
		Description: "Run a git subcommand (status, diff, log, show, branch, add, commit) in the working directory.",
		Parameters: schema(map[string]string{
			"subcommand": "string:Git subcommand",
			"args":       "array:Additional arguments",
		}, "subcommand"),
	},
}

// schema builds a JSON schema object from "type:description" entries.
func schema(props map[string]string, required ...string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, spec := range props {
		typ, desc, ok := strings.Cut(spec, ":")
		if !ok {
			typ, desc = "string", spec
		}
		prop := map[string]any{"type": typ, "description": desc}
		if typ == "array" {
			prop["items"] = map[string]any{"type": "string"}
		}
		properties[name] = prop
	}
	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
