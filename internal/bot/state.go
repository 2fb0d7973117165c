package bot

import (
	"errors"
	"fmt"
)

// State is the position of one pipeline run.
//
// Transitions:
//
//	Idle → Downloading → Transcribing → AwaitingExtraction → AwaitingConfirmation → Delivering → Idle
//	                                              │                    │
//	                                              └──→ Idle            └── "no" / expiry ──→ Idle
//
// Any non-terminal state may move to Aborted on failure.
type State int

const (
	Idle State = iota
	Downloading
	Transcribing
	AwaitingExtraction
	AwaitingConfirmation
	Delivering
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Downloading:
		return "downloading"
	case Transcribing:
		return "transcribing"
	case AwaitingExtraction:
		return "awaiting_extraction"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Delivering:
		return "delivering"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s State) IsTerminal() bool {
	return s == Aborted
}

var transitions = map[State][]State{
	Idle:                 {Downloading, Aborted},
	Downloading:          {Transcribing, Aborted},
	Transcribing:         {AwaitingExtraction, Aborted},
	AwaitingExtraction:   {AwaitingConfirmation, Idle, Aborted},
	AwaitingConfirmation: {Delivering, Idle, Aborted},
	Delivering:           {Idle, Aborted},
}

var ErrIllegalTransition = errors.New("illegal state transition")

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
