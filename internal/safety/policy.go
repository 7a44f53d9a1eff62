// Package safety holds the policy that gates every side-effecting tool call.
package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RiskClass is the sensitivity tier a tool declares.
type RiskClass string

const (
	RiskLow    RiskClass = "low"
	RiskMedium RiskClass = "medium"
	RiskHigh   RiskClass = "high"
)

// Valid reports whether r is one of the known classes.
func (r RiskClass) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

const (
	DefaultMaxExecutionTime = 180 * time.Second
	DefaultMaxPayloadBytes  = 1 << 20
)

// Policy is loaded once at session start and treated as read-only afterwards.
type Policy struct {
	AllowedPaths    []string `yaml:"allowed_paths"`
	DeniedPaths     []string `yaml:"denied_paths"`
	AllowedCommands []string `yaml:"allowed_commands"`
	DeniedCommands  []string `yaml:"denied_commands"`

	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	MaxPayloadBytes  int           `yaml:"max_payload_bytes"`

	RequireConfirmation bool        `yaml:"require_confirmation"`
	ConfirmRiskClasses  []RiskClass `yaml:"confirm_risk_classes"`

	// BaseDir anchors relative paths in tool parameters. Empty means the
	// process working directory.
	BaseDir string `yaml:"base_dir"`
}

// DefaultPolicy returns the policy used when no policy file exists.
func DefaultPolicy() *Policy {
	return &Policy{
		DeniedPaths: []string{
			"/etc/shadow",
			"/etc/sudoers",
			"/proc",
			"/sys",
			"/dev",
			"~/.ssh",
			"~/.aws",
			"~/.gnupg",
		},
		DeniedCommands: []string{
			"rm -rf /",
			"mkfs",
			"dd",
			"shutdown",
			"reboot",
			"halt",
			"poweroff",
		},
		MaxExecutionTime:    DefaultMaxExecutionTime,
		MaxPayloadBytes:     DefaultMaxPayloadBytes,
		RequireConfirmation: true,
		ConfirmRiskClasses:  []RiskClass{RiskHigh},
	}
}

// Load reads a YAML policy from path on top of DefaultPolicy. A missing
// file yields the default policy.
func Load(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, p.normalize()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, p.normalize()
		}
		return nil, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.normalize(); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a YAML policy document on top of DefaultPolicy.
func Parse(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal renders the policy as YAML.
func (p *Policy) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

func (p *Policy) normalize() error {
	if p.MaxExecutionTime <= 0 {
		p.MaxExecutionTime = DefaultMaxExecutionTime
	}
	if p.MaxPayloadBytes <= 0 {
		p.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	for _, r := range p.ConfirmRiskClasses {
		if !r.Valid() {
			return fmt.Errorf("unknown risk class %q", r)
		}
	}
	if p.BaseDir != "" {
		p.BaseDir = expandHome(p.BaseDir)
	}
	var err error
	if p.AllowedPaths, err = p.normalizePaths(p.AllowedPaths); err != nil {
		return err
	}
	if p.DeniedPaths, err = p.normalizePaths(p.DeniedPaths); err != nil {
		return err
	}
	return nil
}

func (p *Policy) normalizePaths(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		abs, err := p.resolve(raw)
		if err != nil {
			return nil, fmt.Errorf("resolve policy path %q: %w", raw, err)
		}
		out = append(out, abs)
	}
	return out, nil
}

// NeedsConfirmation reports whether calls of the given risk class must wait
// for user approval.
func (p *Policy) NeedsConfirmation(risk RiskClass) bool {
	if !p.RequireConfirmation {
		return false
	}
	if len(p.ConfirmRiskClasses) == 0 {
		return true
	}
	return slices.Contains(p.ConfirmRiskClasses, risk)
}

// ExecutionTime caps a requested timeout at the policy maximum. A zero
// request means the maximum.
func (p *Policy) ExecutionTime(requested time.Duration) time.Duration {
	if requested <= 0 || requested > p.MaxExecutionTime {
		return p.MaxExecutionTime
	}
	return requested
}

// resolve makes path absolute and clean, following symlinks when the target
// exists so a link cannot smuggle a denied location past the prefix check.
func (p *Policy) resolve(path string) (string, error) {
	path = expandHome(path)
	if !filepath.IsAbs(path) {
		base := p.BaseDir
		if base == "" {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			base = wd
		}
		path = filepath.Join(base, path)
	}
	path = filepath.Clean(path)
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	}
	// Resolve the deepest existing parent for paths that do not exist yet.
	dir, rest := filepath.Dir(path), filepath.Base(path)
	for dir != filepath.Dir(dir) {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(real, rest), nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = filepath.Dir(dir)
	}
	return path, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// within reports whether path is root or lies underneath it.
func within(path, root string) bool {
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
