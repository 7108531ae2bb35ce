package strategy

import "sync"

// Lifecycle tracks the state of every asset in a batch. Apply is the only
// mutation and runs under one lock, so check-and-set is atomic.
type Lifecycle struct {
	mu     sync.Mutex
	states map[string]State
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{states: make(map[string]State)}
}

// Apply moves asset through event and reports whether the transition was
// valid. Invalid events leave the state unchanged.
func (l *Lifecycle) Apply(asset string, event Event) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.stateLocked(asset)
	next := nextState(current, event)
	if next == current {
		return current, false
	}
	if next == StateOpen {
		delete(l.states, asset)
	} else {
		l.states[asset] = next
	}
	return next, true
}

func (l *Lifecycle) State(asset string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(asset)
}

// Snapshot returns every asset that is not Open.
func (l *Lifecycle) Snapshot() map[string]State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]State, len(l.states))
	for asset, st := range l.states {
		out[asset] = st
	}
	return out
}

func (l *Lifecycle) stateLocked(asset string) State {
	if st, ok := l.states[asset]; ok {
		return st
	}
	return StateOpen
}

func nextState(current State, event Event) State {
	switch current {
	case StateOpen:
		switch event {
		case EventCreate:
			return StateCreating
		case EventRecreate:
			return StateRecreating
		case EventClose:
			return StateClosing
		}
	case StateCreating, StateRecreating, StateClosing:
		if event == EventDone {
			return StateOpen
		}
	}
	return current
}
