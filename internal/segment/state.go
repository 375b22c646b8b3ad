package segment

import "fmt"

// State is the eviction state of an entry.
type State uint8

const (
	// Normal entries are eviction candidates.
	Normal State = iota
	// Vetoed entries were rejected for eviction by the veto predicate.
	Vetoed
	// Pinned entries are being faulted into a higher tier.
	Pinned
	// VetoedAndPinned entries are both.
	VetoedAndPinned
)

// StateOf builds a State from its two flags.
func StateOf(vetoed, pinned bool) State {
	switch {
	case vetoed && pinned:
		return VetoedAndPinned
	case vetoed:
		return Vetoed
	case pinned:
		return Pinned
	default:
		return Normal
	}
}

// Vetoed reports whether the veto flag is set.
func (s State) Vetoed() bool { return s == Vetoed || s == VetoedAndPinned }

// Pinned reports whether the pin flag is set.
func (s State) Pinned() bool { return s == Pinned || s == VetoedAndPinned }

// Evictable reports whether the clock may choose the entry.
func (s State) Evictable() bool { return s == Normal }

// Pin returns s with the pin flag set.
func (s State) Pin() State { return StateOf(s.Vetoed(), true) }

// Unpin returns s with the pin flag cleared.
func (s State) Unpin() State { return StateOf(s.Vetoed(), false) }

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Vetoed:
		return "vetoed"
	case Pinned:
		return "pinned"
	case VetoedAndPinned:
		return "vetoed+pinned"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}
