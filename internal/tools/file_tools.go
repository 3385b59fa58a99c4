package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	maxReadBytes   = 50 * 1024
	maxListEntries = 500
)

// FileTools reads and writes files under a per-call working directory.
// Paths that resolve outside the working directory are refused.
type FileTools struct{}

// NewFileTools creates file tools.
func NewFileTools() *FileTools {
	return &FileTools{}
}

// resolvePath converts path to an absolute path within workingDir.
func (ft *FileTools) resolvePath(workingDir, path string) (string, error) {
	if workingDir == "" {
		return "", errors.New("working directory not set")
	}
	root, err := filepath.Abs(workingDir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(root, path)
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory: %s", path)
	}
	return abs, nil
}

// Read returns a file's content, optionally a 1-based line window.
func (ft *FileTools) Read(_ context.Context, workingDir string, args ReadFileArgs) (string, error) {
	if args.Path == "" {
		return "", errors.New("path is required")
	}
	abs, err := ft.resolvePath(workingDir, args.Path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", args.Path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	content := string(data)

	if args.Offset > 0 || args.Limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if args.Offset > 0 {
			start = args.Offset - 1
		}
		if start >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", args.Offset, len(lines))
		}
		end := len(lines)
		if args.Limit > 0 && start+args.Limit < end {
			end = start + args.Limit
		}
		content = strings.Join(lines[start:end], "\n")
		if start > 0 || end < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", start+1, end, len(lines), content)
		}
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return content, nil
}

// Write creates or replaces a file, creating parent directories.
func (ft *FileTools) Write(_ context.Context, workingDir string, args WriteFileArgs) (string, error) {
	if args.Path == "" {
		return "", errors.New("path is required")
	}
	abs, err := ft.resolvePath(workingDir, args.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(args.Content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
}

// Edit replaces the single occurrence of OldText with NewText.
func (ft *FileTools) Edit(_ context.Context, workingDir string, args EditFileArgs) (string, error) {
	if args.Path == "" || args.OldText == "" {
		return "", errors.New("path and old_text are required")
	}
	abs, err := ft.resolvePath(workingDir, args.Path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", args.Path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	content := string(data)

	switch n := strings.Count(content, args.OldText); {
	case n == 0:
		if len(args.OldText) > 100 {
			return "", fmt.Errorf("old text not found in file (first 100 chars: %q...)", args.OldText[:100])
		}
		return "", fmt.Errorf("old text not found in file: %q", args.OldText)
	case n > 1:
		return "", fmt.Errorf("old text appears %d times in file; must be unique for safe editing", n)
	}

	updated := strings.Replace(content, args.OldText, args.NewText, 1)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("edited %s", args.Path), nil
}

// List returns a directory's entries, one per line, sorted, with a
// trailing slash on directories.
func (ft *FileTools) List(_ context.Context, workingDir string, args ListFilesArgs) (string, error) {
	path := args.Path
	if path == "" {
		path = "."
	}
	abs, err := ft.resolvePath(workingDir, path)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("directory not found: %s", path)
		}
		return "", fmt.Errorf("read directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return "(empty directory)", nil
	}
	if len(names) > maxListEntries {
		more := len(names) - maxListEntries
		names = append(names[:maxListEntries], fmt.Sprintf("[... %d more entries ...]", more))
	}
	return strings.Join(names, "\n"), nil
}
