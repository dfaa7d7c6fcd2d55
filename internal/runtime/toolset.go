package runtime

import (
	"sort"

	"github.com/user/turnstile/internal/types"
)

// Tool groups that are hidden depending on where a session comes from.
var (
	memoryTools   = []string{"memory_save", "memory_delete", "memory_list"}
	planningTools = []string{"todo_write"}
	questionTools = []string{"ask_user"}
)

// sourceExclusions lists the tools a source never sees. Planning and memory
// are MAIN-only; TELEGRAM also can't ask structured questions.
var sourceExclusions = map[types.Source][]string{
	types.SourceMain:       nil,
	types.SourceAutomation: concat(memoryTools, planningTools),
	types.SourceTelegram:   concat(memoryTools, planningTools, questionTools),
}

func concat(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Integration is an optional tool bundle that needs credentials. Available
// is asked on every Build; when it reports false the tools are excluded
// instead of failing the turn. A nil Available means always available.
type Integration struct {
	Name      string
	Tools     []string
	Available func() bool
}

func (in Integration) available() bool {
	return in.Available == nil || in.Available()
}

// ToolSet is the catalogue visible to one turn.
type ToolSet struct {
	Tools    []Tool
	Excluded []string
	byName   map[string]Tool
}

// Get returns a visible tool by name.
func (s *ToolSet) Get(name string) (Tool, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// Names returns the visible tool names in catalogue order.
func (s *ToolSet) Names() []string {
	out := make([]string, len(s.Tools))
	for i, t := range s.Tools {
		out[i] = t.Name()
	}
	return out
}

// ToolSetBuilder maps a session source and integration availability to a
// tool catalogue.
type ToolSetBuilder struct {
	registry     *Registry
	integrations []Integration
}

func NewToolSetBuilder(registry *Registry, integrations ...Integration) *ToolSetBuilder {
	return &ToolSetBuilder{registry: registry, integrations: integrations}
}

// Build never fails; unknown sources get the full registry minus
// unavailable integrations.
func (b *ToolSetBuilder) Build(source types.Source) *ToolSet {
	excluded := make(map[string]bool)
	for _, name := range sourceExclusions[source] {
		excluded[name] = true
	}
	for _, in := range b.integrations {
		if in.available() {
			continue
		}
		for _, name := range in.Tools {
			excluded[name] = true
		}
	}

	set := &ToolSet{byName: make(map[string]Tool)}
	for _, t := range b.registry.All() {
		if excluded[t.Name()] {
			continue
		}
		set.Tools = append(set.Tools, t)
		set.byName[t.Name()] = t
	}
	for name := range excluded {
		set.Excluded = append(set.Excluded, name)
	}
	sort.Strings(set.Excluded)
	return set
}
