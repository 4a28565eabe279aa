package orders

// Status of an order header. Placed is the only state this service produces.
type Status string

const StatusPlaced Status = "PLACED"

// Phase tracks how far one workflow operation got before it committed or aborted.
type Phase string

const (
	PhaseStarted   Phase = "STARTED"
	PhaseValidated Phase = "VALIDATED"
	PhaseMutated   Phase = "MUTATED"
	PhaseCommitted Phase = "COMMITTED"
	PhaseAborted   Phase = "ABORTED"
)

var validNext = map[Phase]map[Phase]bool{
	PhaseStarted:   {PhaseValidated: true, PhaseAborted: true},
	PhaseValidated: {PhaseMutated: true, PhaseAborted: true},
	PhaseMutated:   {PhaseCommitted: true, PhaseAborted: true},
	PhaseCommitted: {},
	PhaseAborted:   {},
}

func CanTransition(from, to Phase) bool {
	return validNext[from][to]
}

// run is the per-operation phase tracker.
type run struct {
	op string
	// phase before abort, reported in logs and metrics
	reached Phase
	phase   Phase
}

func newRun(op string) *run {
	return &run{op: op, phase: PhaseStarted, reached: PhaseStarted}
}

// advance panics on an illegal transition: that is a bug in the workflow, not a runtime condition.
func (r *run) advance(to Phase) {
	if !CanTransition(r.phase, to) {
		panic("orders: illegal phase transition " + string(r.phase) + " -> " + string(to) + " in " + r.op)
	}
	if to != PhaseAborted {
		r.reached = to
	}
	r.phase = to
}
