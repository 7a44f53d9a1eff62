package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/safety"
)

const (
	maxReadFileBytes = 256 * 1024
	maxListEntries   = 500
)

// ReadFile returns a text file's contents, optionally a line range.
type ReadFile struct{ base string }

func NewReadFile(base string) *ReadFile { return &ReadFile{base: base} }

func (r *ReadFile) Describe() executor.Descriptor {
	return executor.Descriptor{
		Name:        "read_file",
		Description: "Read a text file. Optionally restrict to a 1-based line range",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File to read"},
				"start_line": {"type": "integer", "description": "First line to return (1-based)"},
				"end_line": {"type": "integer", "description": "Last line to return, inclusive"}
			},
			"required": ["path"]
		}`),
		Risk:       safety.RiskLow,
		PathParams: []string{"path"},
	}
}

func (r *ReadFile) Invoke(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path      string `json:"path"`
		StartLine int    `json:"start_line"`
		EndLine   int    `json:"end_line"`
	}
	if err := decode(args, &params); err != nil {
		return "", err
	}
	if params.Path == "" {
		return "", fmt.Errorf("path is required")
	}
	path, err := resolve(r.base, params.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if bytes.IndexByte(data[:min(len(data), 8000)], 0) >= 0 {
		return "", fmt.Errorf("%s looks like a binary file", params.Path)
	}

	content := string(data)
	if params.StartLine > 0 || params.EndLine > 0 {
		lines := strings.SplitAfter(content, "\n")
		start := max(params.StartLine, 1)
		end := params.EndLine
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		if start > end {
			return "", fmt.Errorf("line range %d-%d is outside the file (%d lines)", start, end, len(lines))
		}
		content = strings.Join(lines[start-1:end], "")
	}
	if cut, ok := truncate(content, maxReadFileBytes); ok {
		content = cut + fmt.Sprintf("\n[file truncated at %d bytes; use start_line/end_line]", len(cut))
	}
	return content, nil
}

// WriteFile creates or replaces a file.
type WriteFile struct{ base string }

func NewWriteFile(base string) *WriteFile { return &WriteFile{base: base} }

func (w *WriteFile) Describe() executor.Descriptor {
	return executor.Descriptor{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories. Replaces the file unless append is true",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File to write"},
				"content": {"type": "string", "description": "Text to write"},
				"append": {"type": "boolean", "description": "Append instead of replacing"}
			},
			"required": ["path", "content"]
		}`),
		Risk:       safety.RiskMedium,
		PathParams: []string{"path"},
	}
}

func (w *WriteFile) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := decode(args, &params); err != nil {
		return "", err
	}
	if params.Path == "" {
		return "", fmt.Errorf("path is required")
	}
	path, err := resolve(w.base, params.Path)
	if err != nil {
		return "", err
	}
	if executor.Cancelled(ctx) || ctx.Err() != nil {
		return "", fmt.Errorf("turn cancelled before writing %s", params.Path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	if params.Append {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return "", fmt.Errorf("open file: %w", err)
		}
		defer f.Close()
		if _, err := f.WriteString(params.Content); err != nil {
			return "", fmt.Errorf("append file: %w", err)
		}
		return fmt.Sprintf("Appended %d bytes to %s", len(params.Content), params.Path), nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(params.Content), 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), params.Path), nil
}

// ListDir lists a directory, optionally recursively. Entries the policy
// denies are left out.
type ListDir struct {
	base   string
	policy *safety.Policy
}

func NewListDir(base string, policy *safety.Policy) *ListDir {
	return &ListDir{base: base, policy: policy}
}

func (l *ListDir) Describe() executor.Descriptor {
	return executor.Descriptor{
		Name:        "list_dir",
		Description: "List the entries of a directory. Directories end with a slash",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Directory to list (default: working directory)"},
				"recursive": {"type": "boolean", "description": "Descend into subdirectories"}
			}
		}`),
		Risk:       safety.RiskLow,
		PathParams: []string{"path"},
	}
}

func (l *ListDir) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := decode(args, &params); err != nil {
		return "", err
	}
	if params.Path == "" {
		params.Path = "."
	}
	root, err := resolve(l.base, params.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("list dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", params.Path)
	}

	var sb strings.Builder
	count := 0
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if count >= maxListEntries {
			return filepath.SkipAll
		}
		if denied(l.policy, path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if d.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", rel)
			count++
			if !params.Recursive || skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if fi, err := d.Info(); err == nil {
			fmt.Fprintf(&sb, "%s\t%d\n", rel, fi.Size())
		} else {
			fmt.Fprintf(&sb, "%s\n", rel)
		}
		count++
		return nil
	})
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "(empty directory)", nil
	}
	if count >= maxListEntries {
		fmt.Fprintf(&sb, "[listing stopped at %d entries]\n", maxListEntries)
	}
	return sb.String(), nil
}

func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "vendor", ".venv", "__pycache__":
		return true
	}
	return false
}
