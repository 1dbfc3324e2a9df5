package exits

import "sync"

type State string

type Event string

const (
	StateOpen        State = "OPEN"
	StateTier1Locked State = "TIER1_LOCKED"
	StateTier2Locked State = "TIER2_LOCKED"
	StateClosed      State = "CLOSED"
)

const (
	EventTier1 Event = "TIER1"
	EventTier2 Event = "TIER2"
	EventClose Event = "CLOSE"
)

// StateMachine tracks one position's tier-exit lifetime. Transitions are
// one-directional: a position never returns to OPEN without a brand-new
// fill sequence, which gets a brand-new machine.
type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateOpen}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func (s *StateMachine) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

func nextState(current State, event Event) State {
	if event == EventClose {
		if current == StateClosed {
			return current
		}
		return StateClosed
	}
	switch current {
	case StateOpen:
		if event == EventTier1 {
			return StateTier1Locked
		}
		if event == EventTier2 {
			return StateTier2Locked
		}
	case StateTier1Locked:
		if event == EventTier2 {
			return StateTier2Locked
		}
	}
	return current
}
