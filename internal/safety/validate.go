package safety

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ViolationKind names the rule a request broke.
type ViolationKind string

const (
	PathDenied      ViolationKind = "path_denied"
	CommandDenied   ViolationKind = "command_denied"
	PayloadTooLarge ViolationKind = "payload_too_large"
)

// Violation is returned by Validate when a request must not run.
type Violation struct {
	Kind    ViolationKind
	Subject string
	Reason  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s (%s)", v.Kind, v.Subject, v.Reason)
}

// IsViolation reports whether err is a Violation of the given kind. An empty
// kind matches any violation.
func IsViolation(err error, kind ViolationKind) bool {
	v, ok := err.(*Violation)
	if !ok {
		return false
	}
	return kind == "" || v.Kind == kind
}

// Request is the part of a tool invocation the gate inspects.
type Request struct {
	Tool   string
	Params json.RawMessage
	// PathParams and CommandParams name the top-level parameter keys holding
	// filesystem paths and shell commands. Values may be strings or arrays of
	// strings.
	PathParams    []string
	CommandParams []string
}

// Validate checks payload size, then every declared path and command against
// the policy. Deny rules win over allow rules.
func Validate(req Request, p *Policy) error {
	if p == nil {
		return nil
	}
	if len(req.Params) > p.MaxPayloadBytes {
		return &Violation{
			Kind:    PayloadTooLarge,
			Subject: req.Tool,
			Reason:  fmt.Sprintf("%d bytes exceeds limit of %d", len(req.Params), p.MaxPayloadBytes),
		}
	}
	if len(req.PathParams) == 0 && len(req.CommandParams) == 0 {
		return nil
	}

	var fields map[string]json.RawMessage
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &fields); err != nil {
			// Shape errors are the executor's concern; nothing to gate here.
			return nil
		}
	}
	for _, key := range req.PathParams {
		for _, path := range stringValues(fields[key]) {
			if err := p.CheckPath(path); err != nil {
				return err
			}
		}
	}
	for _, key := range req.CommandParams {
		for _, cmd := range stringValues(fields[key]) {
			if err := p.CheckCommand(cmd); err != nil {
				return err
			}
		}
	}
	return nil
}

func stringValues(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// CheckPath validates a single filesystem path.
func (p *Policy) CheckPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	resolved, err := p.resolve(path)
	if err != nil {
		return &Violation{Kind: PathDenied, Subject: path, Reason: "cannot resolve path"}
	}
	cleaned := filepath.Clean(expandHome(path))
	for _, denied := range p.DeniedPaths {
		if within(resolved, denied) || (filepath.IsAbs(cleaned) && within(cleaned, denied)) {
			return &Violation{Kind: PathDenied, Subject: path, Reason: "under denied path " + denied}
		}
	}
	if len(p.AllowedPaths) == 0 {
		return nil
	}
	for _, allowed := range p.AllowedPaths {
		if within(resolved, allowed) {
			return nil
		}
	}
	return &Violation{Kind: PathDenied, Subject: path, Reason: "outside allowed paths"}
}

// CheckCommand validates a shell command line. Every pipeline or list
// segment is checked on its own.
func (p *Policy) CheckCommand(command string) error {
	normalized := strings.Join(strings.Fields(command), " ")
	if normalized == "" {
		return nil
	}
	segments := splitCommand(normalized)

	for _, denied := range p.DeniedCommands {
		denied = strings.Join(strings.Fields(denied), " ")
		if denied == "" {
			continue
		}
		for _, seg := range segments {
			if strings.Contains(denied, " ") {
				invocation := stripWrappers(seg)
				if invocation == denied || strings.HasPrefix(invocation, denied+" ") {
					return &Violation{Kind: CommandDenied, Subject: command, Reason: "matches denied pattern " + denied}
				}
				continue
			}
			if commandName(seg) == denied {
				return &Violation{Kind: CommandDenied, Subject: command, Reason: "denied command " + denied}
			}
		}
	}

	if len(p.AllowedCommands) == 0 {
		return nil
	}
	if strings.Contains(normalized, "$(") || strings.Contains(normalized, "`") {
		return &Violation{Kind: CommandDenied, Subject: command, Reason: "command substitution with an allow list"}
	}
	for _, seg := range segments {
		name := commandName(seg)
		if name == "" {
			continue
		}
		if !slices.Contains(p.AllowedCommands, name) {
			return &Violation{Kind: CommandDenied, Subject: command, Reason: "command not allowed: " + name}
		}
	}
	return nil
}

// splitCommand breaks a command line on ;, &&, ||, | and & outside quotes.
func splitCommand(line string) []string {
	var segments []string
	var cur strings.Builder
	var quote rune
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segments = append(segments, s)
		}
		cur.Reset()
	}
	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == '&' && redirect(runes, i):
			cur.WriteRune(r)
		case r == ';' || r == '|' || r == '&' || r == '\n':
			flush()
			if i+1 < len(runes) && (runes[i+1] == '|' || runes[i+1] == '&') && r != ';' {
				i++
			}
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return segments
}

// redirect reports whether the & at i belongs to a redirection like 2>&1.
func redirect(runes []rune, i int) bool {
	if i > 0 && (runes[i-1] == '>' || runes[i-1] == '<') {
		return true
	}
	return i+1 < len(runes) && runes[i+1] == '>'
}

func isAssignment(word string) bool {
	eq := strings.IndexByte(word, '=')
	if eq <= 0 {
		return false
	}
	for i, c := range word[:eq] {
		if c == '_' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || i > 0 && c >= '0' && c <= '9' {
			continue
		}
		return false
	}
	return true
}

// stripWrappers drops leading variable assignments and privilege wrappers,
// returning the invocation that actually runs.
func stripWrappers(segment string) string {
	fields := strings.Fields(segment)
	for i, f := range fields {
		f = strings.Trim(f, "()")
		if f == "" || isAssignment(f) {
			continue
		}
		switch f {
		case "sudo", "env", "nohup", "exec", "time", "command":
			continue
		}
		fields[i] = f
		return strings.Join(fields[i:], " ")
	}
	return ""
}

// commandName returns the program a segment runs.
func commandName(segment string) string {
	invocation := stripWrappers(segment)
	if invocation == "" {
		return ""
	}
	name, _, _ := strings.Cut(invocation, " ")
	return filepath.Base(name)
}
