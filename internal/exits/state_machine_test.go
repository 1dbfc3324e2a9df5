package exits

import "testing"

func TestStateMachineTierSequence(t *testing.T) {
	sm := NewStateMachine()
	if sm.Current() != StateOpen {
		t.Fatalf("expected %s, got %s", StateOpen, sm.Current())
	}
	if sm.Apply(EventTier1) != StateTier1Locked {
		t.Fatalf("expected %s, got %s", StateTier1Locked, sm.Current())
	}
	if sm.Apply(EventTier2) != StateTier2Locked {
		t.Fatalf("expected %s, got %s", StateTier2Locked, sm.Current())
	}
	if sm.Apply(EventClose) != StateClosed {
		t.Fatalf("expected %s, got %s", StateClosed, sm.Current())
	}
}

func TestStateMachineTier2Direct(t *testing.T) {
	sm := NewStateMachine()
	if sm.Apply(EventTier2) != StateTier2Locked {
		t.Fatalf("tier2 must fire from OPEN, got %s", sm.Current())
	}
}

func TestStateMachineCloseFromAnywhere(t *testing.T) {
	for _, start := range []State{StateOpen, StateTier1Locked, StateTier2Locked} {
		sm := NewStateMachine()
		sm.SetState(start)
		if sm.Apply(EventClose) != StateClosed {
			t.Fatalf("close from %s should reach CLOSED", start)
		}
	}
}

func TestStateMachineOneDirectional(t *testing.T) {
	sm := NewStateMachine()
	sm.Apply(EventTier1)
	if sm.Apply(EventTier1) != StateTier1Locked {
		t.Fatalf("repeat tier1 must not move state")
	}
	sm.Apply(EventTier2)
	if sm.Apply(EventTier1) != StateTier2Locked {
		t.Fatalf("tier1 after tier2 must not regress")
	}
	sm.Apply(EventClose)
	if sm.Apply(EventTier2) != StateClosed {
		t.Fatalf("closed is terminal")
	}
}
