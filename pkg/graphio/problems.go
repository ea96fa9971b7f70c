package graphio

import "sync"

// Problem records one value that could not be serialized faithfully.
// Problems do not abort the operation; the overall write completes with
// degraded fidelity and the caller decides whether the accumulated set
// invalidates the entry.
type Problem struct {
	// Owner is the isolate owner active when the problem occurred.
	Owner string

	// Label describes the value or the place in the graph.
	Label string

	// Err is the underlying failure.
	Err error
}

// Problems collects per-object serialization problems for one context.
type Problems struct {
	mu   sync.Mutex
	list []Problem
}

// NewProblems returns an empty collector.
func NewProblems() *Problems {
	return &Problems{}
}

// Add records a problem.
func (p *Problems) Add(owner, label string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.list = append(p.list, Problem{Owner: owner, Label: label, Err: err})
}

// Len returns the number of recorded problems.
func (p *Problems) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.list)
}

// All returns a copy of the recorded problems in order.
func (p *Problems) All() []Problem {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Problem, len(p.list))
	copy(out, p.list)

	return out
}
