package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/safety"
)

const (
	defaultSearchResults = 50
	maxSearchResults     = 500
	maxSearchFileBytes   = 2 << 20
	maxSearchLineChars   = 300
)

// Search greps files under a directory for a regular expression. Entries the
// policy denies are skipped during the walk.
type Search struct {
	base   string
	policy *safety.Policy
}

func NewSearch(base string, policy *safety.Policy) *Search {
	return &Search{base: base, policy: policy}
}

func (s *Search) Describe() executor.Descriptor {
	return executor.Descriptor{
		Name:        "search",
		Description: "Search file contents for a regular expression. Returns path:line: text for each match",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Regular expression (Go RE2 syntax)"},
				"path": {"type": "string", "description": "Directory or file to search (default: working directory)"},
				"glob": {"type": "string", "description": "Only search files whose name matches, e.g. *.go"},
				"max_results": {"type": "integer", "description": "Maximum matches (default: 50)"}
			},
			"required": ["pattern"]
		}`),
		Risk:       safety.RiskLow,
		PathParams: []string{"path"},
	}
}

func (s *Search) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Pattern    string `json:"pattern"`
		Path       string `json:"path"`
		Glob       string `json:"glob"`
		MaxResults int    `json:"max_results"`
	}
	if err := decode(args, &params); err != nil {
		return "", err
	}
	if params.Pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}
	if params.Glob != "" {
		if _, err := filepath.Match(params.Glob, ""); err != nil {
			return "", fmt.Errorf("invalid glob: %w", err)
		}
	}
	if params.MaxResults <= 0 {
		params.MaxResults = defaultSearchResults
	}
	params.MaxResults = min(params.MaxResults, maxSearchResults)
	if params.Path == "" {
		params.Path = "."
	}
	root, err := resolve(s.base, params.Path)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	matches := 0
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && (skipDir(d.Name()) || denied(s.policy, path)) {
				return filepath.SkipDir
			}
			return nil
		}
		if denied(s.policy, path) {
			return nil
		}
		if params.Glob != "" {
			if ok, _ := filepath.Match(params.Glob, d.Name()); !ok {
				return nil
			}
		}
		rel, _ := filepath.Rel(root, path)
		if rel == "." {
			rel = filepath.Base(path)
		}
		n, err := grepFile(path, rel, re, params.MaxResults-matches, &sb)
		if err != nil {
			return nil
		}
		matches += n
		if matches >= params.MaxResults {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if matches == 0 {
		return "No matches found.", nil
	}
	if matches >= params.MaxResults {
		fmt.Fprintf(&sb, "[stopped at %d matches]\n", params.MaxResults)
	}
	return sb.String(), nil
}

func grepFile(path, rel string, re *regexp.Regexp, limit int, sb *strings.Builder) (int, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxSearchFileBytes {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if bytes.IndexByte(data[:min(len(data), 8000)], 0) >= 0 {
		return 0, nil
	}

	n := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), maxSearchFileBytes)
	for line := 1; scanner.Scan() && n < limit; line++ {
		text := scanner.Text()
		if !re.MatchString(text) {
			continue
		}
		if cut, ok := truncate(text, maxSearchLineChars); ok {
			text = cut + "..."
		}
		fmt.Fprintf(sb, "%s:%d: %s\n", rel, line, text)
		n++
	}
	return n, scanner.Err()
}
