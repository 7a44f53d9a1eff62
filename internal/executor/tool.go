package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/user/clawterm/internal/safety"
	"github.com/user/clawterm/pkg/llm"
)

var (
	ErrUnknownTool        = errors.New("unknown tool")
	ErrAlreadyRegistered  = errors.New("tool already registered")
	ErrInvalidDescription = errors.New("invalid tool descriptor")
)

// Descriptor is what a tool declares about itself.
type Descriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Risk        safety.RiskClass
	// PathParams and CommandParams name the parameters the safety gate
	// inspects.
	PathParams    []string
	CommandParams []string
}

// Tool is a synchronous, side-effect-bearing capability.
type Tool interface {
	Describe() Descriptor
	Invoke(ctx context.Context, params json.RawMessage) (string, error)
}

// Registry holds registered tools and provides lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) error {
	d := t.Describe()
	if d.Name == "" {
		return fmt.Errorf("register tool: %w: empty name", ErrInvalidDescription)
	}
	if d.Risk != "" && !d.Risk.Valid() {
		return fmt.Errorf("register %s: %w: risk %q", d.Name, ErrInvalidDescription, d.Risk)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("register %s: %w", d.Name, ErrAlreadyRegistered)
	}
	r.tools[d.Name] = t
	return nil
}

// MustRegister is Register for wiring code where a failure is a programming error.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns all registered tools ordered by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Describe().Name < out[j].Describe().Name
	})
	return out
}

// Descriptors returns the descriptor of every tool ordered by name.
func (r *Registry) Descriptors() []Descriptor {
	tools := r.All()
	out := make([]Descriptor, len(tools))
	for i, t := range tools {
		out[i] = t.Describe()
	}
	return out
}

// AsLLMTools converts registered tools to the LLM provider format.
func (r *Registry) AsLLMTools() []llm.Tool {
	descs := r.Descriptors()
	out := make([]llm.Tool, 0, len(descs))
	for _, d := range descs {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.InputSchema,
			},
		})
	}
	return out
}

type cancelCheckKey struct{}

// Cancelled reports whether the turn that issued the running call has been
// cancelled. Tools check it before committing irreversible effects.
func Cancelled(ctx context.Context) bool {
	fn, _ := ctx.Value(cancelCheckKey{}).(func() bool)
	return fn != nil && fn()
}
