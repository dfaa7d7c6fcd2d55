package llm

import "strings"

const (
	DefaultMaxContextTokens    = 128000
	DefaultCompactionThreshold = 0.8
)

// ModelInfo describes the context window and pricing of a model. Prices
// are USD per million tokens.
type ModelInfo struct {
	ID                  string
	MaxContextTokens    int
	CompactionThreshold float64
	InputPerMTok        float64
	OutputPerMTok       float64
}

var catalog = map[string]ModelInfo{
	"gpt-3.5-turbo":     {MaxContextTokens: 16385, CompactionThreshold: 0.75, InputPerMTok: 0.5, OutputPerMTok: 1.5},
	"gpt-4o":            {MaxContextTokens: 128000, CompactionThreshold: 0.8, InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4o-mini":       {MaxContextTokens: 128000, CompactionThreshold: 0.8, InputPerMTok: 0.15, OutputPerMTok: 0.6},
	"gpt-4.1":           {MaxContextTokens: 1047576, CompactionThreshold: 0.8, InputPerMTok: 2, OutputPerMTok: 8},
	"gpt-4.1-mini":      {MaxContextTokens: 1047576, CompactionThreshold: 0.8, InputPerMTok: 0.4, OutputPerMTok: 1.6},
	"o3":                {MaxContextTokens: 200000, CompactionThreshold: 0.8, InputPerMTok: 2, OutputPerMTok: 8},
	"o4-mini":           {MaxContextTokens: 200000, CompactionThreshold: 0.8, InputPerMTok: 1.1, OutputPerMTok: 4.4},
	"claude-3-5-haiku":  {MaxContextTokens: 200000, CompactionThreshold: 0.8, InputPerMTok: 0.8, OutputPerMTok: 4},
	"claude-3-5-sonnet": {MaxContextTokens: 200000, CompactionThreshold: 0.8, InputPerMTok: 3, OutputPerMTok: 15},
	"claude-3-7-sonnet": {MaxContextTokens: 200000, CompactionThreshold: 0.8, InputPerMTok: 3, OutputPerMTok: 15},
	"claude-sonnet-4":   {MaxContextTokens: 200000, CompactionThreshold: 0.8, InputPerMTok: 3, OutputPerMTok: 15},
	"claude-opus-4":     {MaxContextTokens: 200000, CompactionThreshold: 0.8, InputPerMTok: 15, OutputPerMTok: 75},
}

// LookupModel finds a model by exact id, then by the longest catalog id
// that prefixes it, so dated ids like "claude-sonnet-4-20250514" resolve.
func LookupModel(id string) (ModelInfo, bool) {
	if info, ok := catalog[id]; ok {
		info.ID = id
		return info, true
	}
	best := ""
	for known := range catalog {
		if strings.HasPrefix(id, known+"-") && len(known) > len(best) {
			best = known
		}
	}
	if best == "" {
		return ModelInfo{}, false
	}
	info := catalog[best]
	info.ID = best
	return info, true
}

// ModelFor returns the catalog entry for id, or the default window and
// threshold with zero pricing for unknown models.
func ModelFor(id string) ModelInfo {
	if info, ok := LookupModel(id); ok {
		return info
	}
	return ModelInfo{
		ID:                  id,
		MaxContextTokens:    DefaultMaxContextTokens,
		CompactionThreshold: DefaultCompactionThreshold,
	}
}

// Cost converts usage into USD.
func (m ModelInfo) Cost(u Usage) float64 {
	return float64(u.InputTokens)*m.InputPerMTok/1e6 + float64(u.OutputTokens)*m.OutputPerMTok/1e6
}
