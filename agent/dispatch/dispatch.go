// Package dispatch implements the pure selection rule the shared
// dispatcher trampoline uses to pick a call site's active implementation.
// It is kept separate from the indirect-jump machinery so the rule itself
// is exhaustively unit-testable.
package dispatch

import "ulpgo/agent"

// Select picks the detour a call site should jump to given the caller's
// local universe value, or nil to indicate the unpatched body.
//
// localUniverse == 0 always selects nil (unpatched): a thread that has
// never quiesced since last observing the library must keep running the
// original code.
//
// Otherwise the newest-first detour list is scanned for the first detour
// whose Universe equals localUniverse, or whose Universe is less than
// localUniverse and which is still Active.
func Select(root *agent.DetourRoot, localUniverse uint64) *agent.Detour {
	if root == nil || localUniverse == 0 {
		return nil
	}
	for _, d := range root.Detours {
		if d.Universe == localUniverse {
			return d
		}
		if d.Universe < localUniverse && d.Active {
			return d
		}
	}
	return nil
}
