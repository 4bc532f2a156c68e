package sandbox

import (
	"sync"
	"time"
)

// State is one step of a sandbox run.
type State string

const (
	StatePending         State = "PENDING"
	StateImageResolving  State = "IMAGE_RESOLVING"
	StateDigestVerifying State = "DIGEST_VERIFYING"
	StateCreating        State = "CREATING"
	StateRunning         State = "RUNNING"
	StateOutputCaptured  State = "OUTPUT_CAPTURED"
	StateTeardown        State = "TEARDOWN"
	StateTerminated      State = "TERMINATED"
	StateFailed          State = "FAILED"
)

// transitions lists the legal successors of each state. FAILED is reachable
// from every working state and always leads to TEARDOWN.
var transitions = map[State][]State{
	StatePending:         {StateImageResolving, StateFailed},
	StateImageResolving:  {StateDigestVerifying, StateFailed},
	StateDigestVerifying: {StateCreating, StateFailed},
	StateCreating:        {StateRunning, StateFailed},
	StateRunning:         {StateOutputCaptured, StateFailed},
	StateOutputCaptured:  {StateTeardown, StateFailed},
	StateFailed:          {StateTeardown},
	StateTeardown:        {StateTerminated},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Observer receives every state change of every run.
type Observer func(name string, from, to State)

// Transition 记录一次状态变化
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Lifecycle tracks the state history of a single sandbox run.
type Lifecycle struct {
	mu       sync.Mutex
	name     string
	current  State
	failedAt State
	history  []Transition
	observer Observer
}

func newLifecycle(name string, observer Observer) *Lifecycle {
	return &Lifecycle{name: name, current: StatePending, observer: observer}
}

// to moves to the next state. Illegal steps are ignored and reported false.
func (l *Lifecycle) to(next State) bool {
	l.mu.Lock()
	from := l.current
	if !CanTransition(from, next) {
		l.mu.Unlock()
		return false
	}
	if next == StateFailed {
		l.failedAt = from
	}
	l.current = next
	l.history = append(l.history, Transition{From: from, To: next, At: time.Now()})
	obs := l.observer
	l.mu.Unlock()

	if obs != nil {
		obs(l.name, from, next)
	}
	return true
}

// Current returns the current state.
func (l *Lifecycle) Current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// FailedAt returns the state in which the run failed, or "" when it did not.
func (l *Lifecycle) FailedAt() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failedAt
}

// States returns the visited states in order, starting with PENDING.
func (l *Lifecycle) States() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.history)+1)
	out = append(out, StatePending)
	for _, t := range l.history {
		out = append(out, t.To)
	}
	return out
}

// History returns a copy of the recorded transitions.
func (l *Lifecycle) History() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition(nil), l.history...)
}

// Visited reports how many times s was entered.
func (l *Lifecycle) Visited(s State) int {
	n := 0
	for _, got := range l.States() {
		if got == s {
			n++
		}
	}
	return n
}
