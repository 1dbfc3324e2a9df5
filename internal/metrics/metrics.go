package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	EntriesAllowed    Counter
	EntriesBlocked    Counter
	Tier1Locks        Counter
	Tier2Captures     Counter
	StopExits         Counter
	TargetExits       Counter
	CyclesSkipped     Counter
	ActionsDispatched Counter
	ActionsFailed     Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		EntriesAllowed:    n,
		EntriesBlocked:    n,
		Tier1Locks:        n,
		Tier2Captures:     n,
		StopExits:         n,
		TargetExits:       n,
		CyclesSkipped:     n,
		ActionsDispatched: n,
		ActionsFailed:     n,
	}
}
