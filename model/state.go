package model

import "fmt"

// State is the lifecycle state an entity occupies on a given day.
type State uint8

const (
	// StateSpawn is the virtual source state of a newly materialized entity.
	// No entity is ever stored in it.
	StateSpawn State = iota
	StateInactive
	StateOperations
	StateServiceable
	StateRepair
	StateReserve
	StateStorage
	StateUnserviceable

	numStates
)

// NumStates is the number of real lifecycle states plus the virtual spawn source.
const NumStates = int(numStates)

var stateNames = [numStates]string{
	StateSpawn:         "spawn",
	StateInactive:      "inactive",
	StateOperations:    "operations",
	StateServiceable:   "serviceable",
	StateRepair:        "repair",
	StateReserve:       "reserve",
	StateStorage:       "storage",
	StateUnserviceable: "unserviceable",
}

// String returns the lower-case name used in logs, metrics labels and sinks.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether s is a state an entity may be stored in.
func (s State) Valid() bool {
	return s >= StateInactive && s < numStates
}

// ParseState maps a state name or its numeric code onto a State.
func ParseState(v string) (State, error) {
	for i, name := range stateNames {
		if name == v {
			return State(i), nil
		}
	}
	var code int
	if _, err := fmt.Sscanf(v, "%d", &code); err == nil && code >= 0 && code < NumStates {
		return State(code), nil
	}
	return 0, fmt.Errorf("unknown state %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// transitions is the fixed table of allowed (from, to) edges, self-loops included.
// Storage has only its self-loop.
var transitions = func() [numStates][numStates]bool {
	var t [numStates][numStates]bool
	edges := [][2]State{
		{StateSpawn, StateOperations},
		{StateSpawn, StateServiceable},
		{StateSpawn, StateReserve},
		{StateInactive, StateInactive},
		{StateInactive, StateOperations},
		{StateInactive, StateRepair},
		{StateOperations, StateOperations},
		{StateOperations, StateServiceable},
		{StateOperations, StateRepair},
		{StateOperations, StateStorage},
		{StateOperations, StateUnserviceable},
		{StateServiceable, StateOperations},
		{StateServiceable, StateServiceable},
		{StateRepair, StateServiceable},
		{StateRepair, StateRepair},
		{StateReserve, StateReserve},
		{StateReserve, StateOperations},
		{StateStorage, StateStorage},
		{StateUnserviceable, StateOperations},
		{StateUnserviceable, StateRepair},
		{StateUnserviceable, StateUnserviceable},
	}
	for _, e := range edges {
		t[e[0]][e[1]] = true
	}
	return t
}()

// CanTransition reports whether the edge from -> to is in the transition table.
func CanTransition(from, to State) bool {
	if from >= numStates || to >= numStates {
		return false
	}
	return transitions[from][to]
}

// Terminal reports whether no edge other than the self-loop leaves s.
func (s State) Terminal() bool {
	if !s.Valid() {
		return false
	}
	for to := State(0); to < numStates; to++ {
		if to != s && transitions[s][to] {
			return false
		}
	}
	return true
}
