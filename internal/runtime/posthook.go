package runtime

import "github.com/user/turnstile/internal/types"

// TerminalStatus is the status a session moves to after a turn that ended
// normally. A pending question always needs the user; otherwise automation
// sessions close and interactive ones wait for the next message.
func TerminalStatus(source types.Source, steps []Step) types.Status {
	if len(steps) > 0 && steps[len(steps)-1].HasPending() {
		return types.StatusNeedsYou
	}
	if source == types.SourceAutomation {
		return types.StatusClosed
	}
	return types.StatusNeedsYou
}
