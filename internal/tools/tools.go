// Package tools holds the concrete capabilities offered to the model. Each
// tool is a synchronous function with a declared schema and risk class; the
// executor gates, bounds and normalizes every call.
package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/safety"
	"github.com/user/clawterm/internal/session"
)

// Options select and configure the built-in tools.
type Options struct {
	// BaseDir anchors relative paths. Empty means the working directory.
	BaseDir string
	// Shell is the interpreter for the shell tool. Defaults to bash.
	Shell string
	// BraveAPIKey enables web_search when set.
	BraveAPIKey string
	// Policy filters what directory walks may visit. The executor checks
	// only the paths named in parameters.
	Policy *safety.Policy
}

// Builtin returns every built-in tool. Memory tools operate on sess.
func Builtin(sess *session.Session, opts Options) []executor.Tool {
	out := []executor.Tool{
		NewShell(opts.Shell, opts.BaseDir),
		NewReadFile(opts.BaseDir),
		NewWriteFile(opts.BaseDir),
		NewListDir(opts.BaseDir, opts.Policy),
		NewSearch(opts.BaseDir, opts.Policy),
		NewDiff(opts.BaseDir),
		NewPatch(opts.BaseDir),
		NewReadURL(),
		NewMemorySet(sess),
		NewMemoryGet(sess),
		NewMemoryDelete(sess),
	}
	if opts.BraveAPIKey != "" {
		out = append(out, NewWebSearch(opts.BraveAPIKey))
	}
	return out
}

// Register adds the built-in tools to reg.
func Register(reg *executor.Registry, sess *session.Session, opts Options) error {
	for _, t := range Builtin(sess, opts) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("parse args: %w", err)
	}
	return nil
}

// resolve anchors path at base the same way the safety gate does.
func resolve(base, path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	if !filepath.IsAbs(path) {
		if base == "" {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			base = wd
		}
		path = filepath.Join(base, path)
	}
	return filepath.Clean(path), nil
}

// denied reports whether a walk must not visit path.
func denied(policy *safety.Policy, path string) bool {
	return policy != nil && policy.CheckPath(path) != nil
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n], true
}
