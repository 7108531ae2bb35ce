package account

import "sync"

// Store holds the latest State per account address. Updates are
// last-write-wins per address; readers see a copy.
type Store struct {
	mu     sync.RWMutex
	states map[string]State
	notify chan struct{}
}

func NewStore() *Store {
	return &Store{
		states: make(map[string]State),
		notify: make(chan struct{}, 1),
	}
}

// Update replaces the state held for addr.
func (s *Store) Update(addr string, state State) {
	s.mu.Lock()
	s.states[NormalizeAddr(addr)] = state.clone()
	s.mu.Unlock()
	s.signal()
}

// Clear forgets addr until its next update.
func (s *Store) Clear(addr string) {
	key := NormalizeAddr(addr)
	s.mu.Lock()
	_, existed := s.states[key]
	delete(s.states, key)
	s.mu.Unlock()
	if existed {
		s.signal()
	}
}

func (s *Store) Get(addr string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[NormalizeAddr(addr)]
	if !ok {
		return State{}, false
	}
	return state.clone(), true
}

// Loaded reports whether every addr has a stored state.
func (s *Store) Loaded(addrs ...string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, addr := range addrs {
		if _, ok := s.states[NormalizeAddr(addr)]; !ok {
			return false
		}
	}
	return true
}

// Balance is the account value from addr's margin summary.
func (s *Store) Balance(addr string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[NormalizeAddr(addr)]
	if !ok {
		return 0, false
	}
	return state.Margin.AccountValue, true
}

// Changes fires after one or more mutations. Bursts coalesce into a single
// pending signal.
func (s *Store) Changes() <-chan struct{} {
	return s.notify
}

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
