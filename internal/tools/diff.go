package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/safety"
)

const (
	defaultDiffContext = 3
	maxDiffContext     = 20
	maxDiffInputBytes  = 1024 * 1024
	maxPatchFileBytes  = 10 * 1024 * 1024
	// Above this many LCS cells the changed region is reported as one
	// replaced block.
	maxDiffCells = 4 * 1024 * 1024
)

// Diff produces a unified diff between two files or two texts.
type Diff struct{ base string }

func NewDiff(base string) *Diff { return &Diff{base: base} }

func (d *Diff) Describe() executor.Descriptor {
	return executor.Descriptor{
		Name:        "diff",
		Description: "Show a unified diff between two files or two texts. Each side is a path or inline content",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"old_path": {"type": "string", "description": "Original file"},
				"new_path": {"type": "string", "description": "Changed file"},
				"old_content": {"type": "string", "description": "Original text, used when old_path is empty"},
				"new_content": {"type": "string", "description": "Changed text, used when new_path is empty"},
				"context_lines": {"type": "integer", "description": "Unchanged lines around each change (default 3)"}
			}
		}`),
		Risk:       safety.RiskLow,
		PathParams: []string{"old_path", "new_path"},
	}
}

func (d *Diff) Invoke(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		OldPath      string  `json:"old_path"`
		NewPath      string  `json:"new_path"`
		OldContent   *string `json:"old_content"`
		NewContent   *string `json:"new_content"`
		ContextLines *int    `json:"context_lines"`
	}
	if err := decode(args, &params); err != nil {
		return "", err
	}
	oldText, oldName, err := d.side("old", params.OldPath, params.OldContent)
	if err != nil {
		return "", err
	}
	newText, newName, err := d.side("new", params.NewPath, params.NewContent)
	if err != nil {
		return "", err
	}
	around := defaultDiffContext
	if params.ContextLines != nil {
		around = min(max(*params.ContextLines, 0), maxDiffContext)
	}

	edits := lineDiff(splitLines(oldText), splitLines(newText))
	hunks := buildHunks(edits, around)
	if len(hunks) == 0 {
		if oldText != newText {
			return "Contents differ only in the trailing newline.", nil
		}
		return "No differences.", nil
	}
	out, err := diff.PrintFileDiff(&diff.FileDiff{
		OrigName: "a/" + oldName,
		NewName:  "b/" + newName,
		Hunks:    hunks,
	})
	if err != nil {
		return "", fmt.Errorf("print diff: %w", err)
	}
	added, removed := 0, 0
	for _, e := range edits {
		switch e.op {
		case '+':
			added++
		case '-':
			removed++
		}
	}
	return fmt.Sprintf("%d hunks, +%d -%d lines\n%s", len(hunks), added, removed, out), nil
}

// side loads one half of a diff from a file or from inline content.
func (d *Diff) side(which, path string, content *string) (text, name string, err error) {
	if path == "" {
		if content == nil {
			return "", "", fmt.Errorf("%s_path or %s_content is required", which, which)
		}
		if len(*content) > maxDiffInputBytes {
			return "", "", fmt.Errorf("%s_content exceeds %d bytes", which, maxDiffInputBytes)
		}
		return *content, which, nil
	}
	resolved, err := resolve(d.base, path)
	if err != nil {
		return "", "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", "", fmt.Errorf("diff: %w", err)
	}
	if info.Size() > maxDiffInputBytes {
		return "", "", fmt.Errorf("%s is larger than %d bytes", path, maxDiffInputBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", "", fmt.Errorf("diff: %w", err)
	}
	if bytes.IndexByte(data[:min(len(data), 8000)], 0) >= 0 {
		return "", "", fmt.Errorf("%s looks like a binary file", path)
	}
	return string(data), filepath.ToSlash(filepath.Clean(path)), nil
}

// Patch applies a unified diff to one file. Either every hunk applies or
// the file is left alone.
type Patch struct{ base string }

func NewPatch(base string) *Patch { return &Patch{base: base} }

func (p *Patch) Describe() executor.Descriptor {
	return executor.Descriptor{
		Name:        "patch",
		Description: "Apply a unified diff to a file. Hunks are matched on their context lines and may sit a few lines off their stated position",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File to patch"},
				"patch": {"type": "string", "description": "Unified diff for this one file, with or without ---/+++ headers"},
				"dry_run": {"type": "boolean", "description": "Check that the patch applies without writing"},
				"backup": {"type": "boolean", "description": "Keep the original as <path>.bak (default true)"},
				"ignore_whitespace": {"type": "boolean", "description": "Match context lines ignoring whitespace differences"}
			},
			"required": ["path", "patch"]
		}`),
		Risk:       safety.RiskMedium,
		PathParams: []string{"path"},
	}
}

func (p *Patch) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path             string `json:"path"`
		Patch            string `json:"patch"`
		DryRun           bool   `json:"dry_run"`
		Backup           *bool  `json:"backup"`
		IgnoreWhitespace bool   `json:"ignore_whitespace"`
	}
	if err := decode(args, &params); err != nil {
		return "", err
	}
	if params.Path == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.TrimSpace(params.Patch) == "" {
		return "", fmt.Errorf("patch is required")
	}
	path, err := resolve(p.base, params.Path)
	if err != nil {
		return "", err
	}
	hunks, err := parsePatch(params.Patch)
	if err != nil {
		return "", err
	}

	var original []byte
	exists := true
	mode := os.FileMode(0644)
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		exists = false
	case err != nil:
		return "", fmt.Errorf("patch: %w", err)
	case info.IsDir():
		return "", fmt.Errorf("%s is a directory", params.Path)
	case info.Size() > maxPatchFileBytes:
		return "", fmt.Errorf("%s is too large to patch (max %d bytes)", params.Path, maxPatchFileBytes)
	default:
		mode = info.Mode().Perm()
		if original, err = os.ReadFile(path); err != nil {
			return "", fmt.Errorf("patch: %w", err)
		}
	}

	res := applyHunks(splitLines(string(original)), hunks, params.IgnoreWhitespace)
	if len(res.conflicts) > 0 {
		return "", fmt.Errorf("patch not applied to %s, %d of %d hunks failed:\n%s",
			params.Path, len(res.conflicts), len(hunks), strings.Join(res.conflicts, "\n"))
	}

	var sb strings.Builder
	for _, note := range res.notes {
		sb.WriteString(note)
		sb.WriteByte('\n')
	}
	if params.DryRun {
		fmt.Fprintf(&sb, "Dry run: all %d hunks apply cleanly to %s", len(hunks), params.Path)
		return sb.String(), nil
	}

	if executor.Cancelled(ctx) || ctx.Err() != nil {
		return "", fmt.Errorf("turn cancelled before patching %s", params.Path)
	}
	content := strings.Join(res.lines, "\n")
	if len(res.lines) > 0 && (!exists || len(original) == 0 || bytes.HasSuffix(original, []byte("\n"))) {
		content += "\n"
	}
	if exists && (params.Backup == nil || *params.Backup) {
		if err := os.WriteFile(path+".bak", original, mode); err != nil {
			return "", fmt.Errorf("write backup: %w", err)
		}
		fmt.Fprintf(&sb, "Backup written to %s.bak\n", params.Path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), mode); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename file: %w", err)
	}
	fmt.Fprintf(&sb, "Applied %d hunks to %s", len(hunks), params.Path)
	return sb.String(), nil
}

// parsePatch accepts a single-file unified diff, or bare hunks starting at
// the first @@ line.
func parsePatch(text string) ([]*diff.Hunk, error) {
	text = strings.TrimLeft(text, "\r\n")
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	var hunks []*diff.Hunk
	if strings.HasPrefix(text, "@@") {
		hs, err := diff.ParseHunks([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("parse patch: %w", err)
		}
		hunks = hs
	} else {
		files, err := diff.ParseMultiFileDiff([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("parse patch: %w", err)
		}
		if len(files) != 1 {
			return nil, fmt.Errorf("parse patch: expected changes to one file, got %d", len(files))
		}
		hunks = files[0].Hunks
	}
	if len(hunks) == 0 {
		return nil, fmt.Errorf("parse patch: no hunks found")
	}
	return hunks, nil
}

type edit struct {
	op   byte // ' ', '-' or '+'
	line string
}

type applied struct {
	lines     []string
	conflicts []string
	notes     []string
}

func applyHunks(file []string, hunks []*diff.Hunk, loose bool) applied {
	var res applied
	out := make([]string, 0, len(file))
	cursor := 0
	for n, h := range hunks {
		ops := hunkEdits(h)
		var want []string
		for _, e := range ops {
			if e.op != '+' {
				want = append(want, e.line)
			}
		}
		hint := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			hint = int(h.OrigStartLine)
		}
		at := locate(file, want, min(max(hint, cursor), len(file)), cursor, loose)
		if at < 0 {
			res.conflicts = append(res.conflicts, fmt.Sprintf("hunk #%d (@@ -%d,%d @@) failed: the file content doesn't match the patch context",
				n+1, h.OrigStartLine, h.OrigLines))
			continue
		}
		if at != hint && hint >= 0 {
			res.notes = append(res.notes, fmt.Sprintf("hunk #%d applied at line %d (offset %d)", n+1, at+1, at-hint))
		}
		out = append(out, file[cursor:at]...)
		k := at
		for _, e := range ops {
			switch e.op {
			case ' ':
				out = append(out, file[k])
				k++
			case '-':
				k++
			case '+':
				out = append(out, e.line)
			}
		}
		cursor = k
	}
	res.lines = append(out, file[cursor:]...)
	return res
}

// locate finds where want occurs in file at or after from, nearest to hint.
func locate(file, want []string, hint, from int, loose bool) int {
	fits := func(at int) bool {
		if at < from || at+len(want) > len(file) {
			return false
		}
		for i, w := range want {
			if !sameLine(file[at+i], w, loose) {
				return false
			}
		}
		return true
	}
	if fits(hint) {
		return hint
	}
	for d := 1; hint-d >= from || hint+d+len(want) <= len(file); d++ {
		if fits(hint - d) {
			return hint - d
		}
		if fits(hint + d) {
			return hint + d
		}
	}
	return -1
}

func sameLine(a, b string, loose bool) bool {
	if loose {
		return strings.Join(strings.Fields(a), " ") == strings.Join(strings.Fields(b), " ")
	}
	return strings.TrimSuffix(a, "\r") == strings.TrimSuffix(b, "\r")
}

// hunkEdits splits a hunk body into its operations. A bare empty line is
// read as empty context.
func hunkEdits(h *diff.Hunk) []edit {
	var ops []edit
	for _, l := range strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n") {
		switch {
		case strings.HasPrefix(l, `\`):
		case l == "":
			ops = append(ops, edit{' ', ""})
		case l[0] == '-' || l[0] == '+' || l[0] == ' ':
			ops = append(ops, edit{l[0], l[1:]})
		default:
			ops = append(ops, edit{' ', l})
		}
	}
	return ops
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// lineDiff returns the edit script turning a into b.
func lineDiff(a, b []string) []edit {
	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && a[len(a)-1-suf] == b[len(b)-1-suf] {
		suf++
	}
	out := make([]edit, 0, len(a)+len(b))
	for _, l := range a[:pre] {
		out = append(out, edit{' ', l})
	}
	out = append(out, lcsEdits(a[pre:len(a)-suf], b[pre:len(b)-suf])...)
	for _, l := range a[len(a)-suf:] {
		out = append(out, edit{' ', l})
	}
	return out
}

func lcsEdits(a, b []string) []edit {
	var out []edit
	if len(a)*len(b) > maxDiffCells {
		for _, l := range a {
			out = append(out, edit{'-', l})
		}
		for _, l := range b {
			out = append(out, edit{'+', l})
		}
		return out
	}
	n, m := len(a), len(b)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			out = append(out, edit{' ', a[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			out = append(out, edit{'-', a[i]})
			i++
		default:
			out = append(out, edit{'+', b[j]})
			j++
		}
	}
	for ; i < n; i++ {
		out = append(out, edit{'-', a[i]})
	}
	for ; j < m; j++ {
		out = append(out, edit{'+', b[j]})
	}
	return out
}

// buildHunks groups an edit script into hunks with context lines on each
// side. Changes closer than twice the context share a hunk.
func buildHunks(edits []edit, around int) []*diff.Hunk {
	oldAt := make([]int, len(edits)+1)
	newAt := make([]int, len(edits)+1)
	o, n := 1, 1
	for k, e := range edits {
		oldAt[k], newAt[k] = o, n
		if e.op != '+' {
			o++
		}
		if e.op != '-' {
			n++
		}
	}
	oldAt[len(edits)], newAt[len(edits)] = o, n

	var hunks []*diff.Hunk
	for k := 0; k < len(edits); {
		if edits[k].op == ' ' {
			k++
			continue
		}
		start := max(0, k-around)
		end := k + 1
		for j := k + 1; j < len(edits); j++ {
			if edits[j].op != ' ' {
				end = j + 1
			} else if j-end >= 2*around {
				break
			}
		}
		stop := min(len(edits), end+around)

		h := &diff.Hunk{
			OrigStartLine: int32(oldAt[start]),
			NewStartLine:  int32(newAt[start]),
		}
		var body bytes.Buffer
		for _, e := range edits[start:stop] {
			body.WriteByte(e.op)
			body.WriteString(e.line)
			body.WriteByte('\n')
			if e.op != '+' {
				h.OrigLines++
			}
			if e.op != '-' {
				h.NewLines++
			}
		}
		if h.OrigLines == 0 {
			h.OrigStartLine--
		}
		if h.NewLines == 0 {
			h.NewStartLine--
		}
		h.Body = body.Bytes()
		hunks = append(hunks, h)
		k = stop
	}
	return hunks
}
