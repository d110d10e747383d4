package statemachine

import "fmt"

// State is the lifecycle state of a payment channel.
type State int

const (
	StateOpening State = iota + 1
	StateConfirmingDeposit
	StateReady
	StateOutstanding
	StateConfirmingSpend
	StateClosed
)

var stateNames = map[State]string{
	StateOpening:           "OPENING",
	StateConfirmingDeposit: "CONFIRMING_DEPOSIT",
	StateReady:             "READY",
	StateOutstanding:       "OUTSTANDING",
	StateConfirmingSpend:   "CONFIRMING_SPEND",
	StateClosed:            "CLOSED",
}

// String returns the canonical state name, as persisted in the channel store.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// StateFromName parses a canonical state name.
func StateFromName(name string) (State, error) {
	for state, stateName := range stateNames {
		if stateName == name {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown channel state %q", name)
}
