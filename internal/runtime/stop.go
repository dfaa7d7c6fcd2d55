package runtime

import "github.com/user/turnstile/internal/types"

// DefaultMaxSteps is the step ceiling of a single turn.
const DefaultMaxSteps = 40

// StopPolicy decides after every step whether the turn ends early. It is
// consulted only after tools ran; a step without tool calls always ends
// the turn.
type StopPolicy struct {
	MaxSteps int
}

// ShouldStop is true once more than MaxSteps steps ran, or when the last
// step left a pending question outside TELEGRAM.
func (p StopPolicy) ShouldStop(steps []Step, source types.Source) bool {
	limit := p.MaxSteps
	if limit <= 0 {
		limit = DefaultMaxSteps
	}
	if len(steps) > limit {
		return true
	}
	if len(steps) == 0 || source == types.SourceTelegram {
		return false
	}
	return steps[len(steps)-1].HasPending()
}
