package safety

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testPolicy(t *testing.T, yamlDoc string) *Policy {
	t.Helper()
	p, err := Parse([]byte(yamlDoc))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestValidateDeniedPath(t *testing.T) {
	p := testPolicy(t, "denied_paths: [/etc]\n")
	args, _ := json.Marshal(map[string]string{"path": "/etc/passwd"})

	err := Validate(Request{Tool: "read_file", Params: args, PathParams: []string{"path"}}, p)
	if !IsViolation(err, PathDenied) {
		t.Fatalf("expected PathDenied, got %v", err)
	}
}

func TestDenyTakesPrecedenceOverAllow(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "secret")
	if err := os.MkdirAll(secret, 0o755); err != nil {
		t.Fatal(err)
	}
	p := &Policy{AllowedPaths: []string{dir}, DeniedPaths: []string{secret}}
	if err := p.normalize(); err != nil {
		t.Fatal(err)
	}

	if err := p.CheckPath(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("expected allowed path to pass, got %v", err)
	}
	if err := p.CheckPath(filepath.Join(secret, "key.pem")); !IsViolation(err, PathDenied) {
		t.Errorf("expected deny to win, got %v", err)
	}
	if err := p.CheckPath("/usr/share/dict"); !IsViolation(err, PathDenied) {
		t.Errorf("expected path outside allow list to be denied, got %v", err)
	}
}

func TestCheckPathTraversal(t *testing.T) {
	dir := t.TempDir()
	p := &Policy{AllowedPaths: []string{dir}, BaseDir: dir}
	if err := p.normalize(); err != nil {
		t.Fatal(err)
	}

	if err := p.CheckPath("sub/file.txt"); err != nil {
		t.Errorf("expected relative path inside base to pass, got %v", err)
	}
	if err := p.CheckPath("../../etc/hosts"); !IsViolation(err, PathDenied) {
		t.Errorf("expected traversal to be denied, got %v", err)
	}
}

func TestCheckPathSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(dir, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	p := &Policy{AllowedPaths: []string{dir}}
	if err := p.normalize(); err != nil {
		t.Fatal(err)
	}
	if err := p.CheckPath(filepath.Join(link, "file")); !IsViolation(err, PathDenied) {
		t.Errorf("expected symlink escape to be denied, got %v", err)
	}
}

func TestCheckCommand(t *testing.T) {
	p := testPolicy(t, `
denied_commands: ["rm -rf /", "shutdown"]
allowed_commands: [ls, cat, grep, echo, git]
`)

	tests := []struct {
		command string
		denied  bool
	}{
		{"ls -la", false},
		{"cat go.mod | grep module", false},
		{"ls 2>&1", false},
		{"FOO=bar git status", false},
		{"echo 'a; shutdown'", false},
		{"rm -rf /", true},
		{"sudo rm -rf / --no-preserve-root", true},
		{"ls && shutdown -h now", true},
		{"curl http://example.com", true},
		{"ls; /usr/bin/python3 -c 1", true},
		{"echo $(whoami)", true},
	}
	for _, tt := range tests {
		err := p.CheckCommand(tt.command)
		if tt.denied && !IsViolation(err, CommandDenied) {
			t.Errorf("%q: expected CommandDenied, got %v", tt.command, err)
		}
		if !tt.denied && err != nil {
			t.Errorf("%q: expected allowed, got %v", tt.command, err)
		}
	}
}

func TestDeniedPatternIsNotASubstringMatch(t *testing.T) {
	p := testPolicy(t, `denied_commands: ["rm -rf /"]`)
	if err := p.CheckCommand("rm -rf /tmp/build"); err != nil {
		t.Errorf("expected scoped rm to pass, got %v", err)
	}
}

func TestValidatePayloadTooLarge(t *testing.T) {
	p := testPolicy(t, "max_payload_bytes: 16\n")
	args, _ := json.Marshal(map[string]string{"command": "echo this is far too long"})

	err := Validate(Request{Tool: "shell", Params: args, CommandParams: []string{"command"}}, p)
	if !IsViolation(err, PayloadTooLarge) {
		t.Fatalf("expected PayloadTooLarge, got %v", err)
	}
}

func TestValidateArrayPaths(t *testing.T) {
	p := testPolicy(t, "denied_paths: [/etc]\n")
	args := json.RawMessage(`{"paths":["/tmp/a","/etc/hosts"]}`)
	if err := Validate(Request{Params: args, PathParams: []string{"paths"}}, p); !IsViolation(err, PathDenied) {
		t.Errorf("expected PathDenied for array entry, got %v", err)
	}
}

func TestNeedsConfirmation(t *testing.T) {
	p := DefaultPolicy()
	if !p.NeedsConfirmation(RiskHigh) {
		t.Error("expected high risk to need confirmation by default")
	}
	if p.NeedsConfirmation(RiskLow) {
		t.Error("expected low risk to run without confirmation")
	}
	p.RequireConfirmation = false
	if p.NeedsConfirmation(RiskHigh) {
		t.Error("expected confirmation disabled")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "policy.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxExecutionTime != DefaultMaxExecutionTime {
		t.Errorf("expected default execution time, got %v", p.MaxExecutionTime)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
max_execution_time: 5s
require_confirmation: true
confirm_risk_classes: [medium, high]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxExecutionTime != 5*time.Second {
		t.Errorf("expected 5s, got %v", p.MaxExecutionTime)
	}
	if !p.NeedsConfirmation(RiskMedium) {
		t.Error("expected medium risk to need confirmation")
	}
	if got := p.ExecutionTime(time.Minute); got != 5*time.Second {
		t.Errorf("expected request capped at 5s, got %v", got)
	}
	if got := p.ExecutionTime(time.Second); got != time.Second {
		t.Errorf("expected 1s request honoured, got %v", got)
	}
}

func TestLoadRejectsUnknownRiskClass(t *testing.T) {
	if _, err := Parse([]byte("confirm_risk_classes: [extreme]\n")); err == nil {
		t.Error("expected error for unknown risk class")
	}
}
