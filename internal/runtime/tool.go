package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/user/turnstile/pkg/llm"
)

// Tool is one capability offered to the model. An error from Execute is
// shown to the model as the tool result and recorded on the tool-call part;
// it never ends the turn. A panic in Execute is turned into such an error.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry is the catalogue of every tool the daemon can offer, kept in
// registration order. ToolSetBuilder decides which of them a turn sees.
type Registry struct {
	order []Tool
	names map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// Register appends t to the catalogue. Two tools with the same name are a
// wiring mistake, so Register panics on a duplicate.
func (r *Registry) Register(t Tool) {
	if r.names[t.Name()] {
		panic(fmt.Sprintf("runtime: tool %q registered twice", t.Name()))
	}
	r.names[t.Name()] = true
	r.order = append(r.order, t)
}

// All returns the tools in registration order.
func (r *Registry) All() []Tool {
	return slices.Clone(r.order)
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	for i, t := range r.order {
		out[i] = t.Name()
	}
	return out
}

func toLLMTools(tools []Tool) []llm.Tool {
	out := make([]llm.Tool, len(tools))
	for i, t := range tools {
		out[i] = llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		}
	}
	return out
}
