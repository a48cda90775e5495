package querycontext

import (
	"github.com/go-go-golems/chatlens/pkg/events"
)

// Aggregator holds the query context of one conversation together with the
// set of step signatures folded during the context's lifetime.
//
// It is not safe for concurrent use; the session controller serializes access.
type Aggregator struct {
	ctx  *QueryContext
	seen map[string]struct{}
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		ctx:  &QueryContext{},
		seen: map[string]struct{}{},
	}
}

// Seed replaces the state with a restored context and rebuilds the
// re-delivery guard from its steps, so replays of already applied step
// reports stay no-ops after a reload.
func (a *Aggregator) Seed(qc *QueryContext) {
	if qc == nil {
		qc = &QueryContext{}
	}
	a.ctx = qc
	a.seen = make(map[string]struct{}, len(qc.SQLSteps))
	for _, s := range qc.SQLSteps {
		a.seen[StepSignature(s)] = struct{}{}
	}
}

// Reset drops the context and the guard.
func (a *Aggregator) Reset() {
	a.Seed(nil)
}

// Context returns the current context. The returned value must not be mutated.
func (a *Aggregator) Context() *QueryContext {
	return a.ctx
}

// Apply folds ev into the current context and reports whether it changed.
// Step reports whose signature was already folded are discarded.
func (a *Aggregator) Apply(ev events.Event) bool {
	if s, ok := ev.(*events.SQLStep); ok && s != nil {
		sig := StepSignature(*s)
		if _, dup := a.seen[sig]; dup {
			return false
		}
		a.seen[sig] = struct{}{}
	}
	next := Fold(a.ctx, ev)
	if next == a.ctx {
		return false
	}
	a.ctx = next
	return true
}

// SeenSignatures returns how many distinct step reports have been folded.
func (a *Aggregator) SeenSignatures() int {
	return len(a.seen)
}
