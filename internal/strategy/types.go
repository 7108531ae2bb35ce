package strategy

// State is the lifecycle position of one asset within a batch. An asset
// with no entry is Open.
type State string

type Event string

const (
	StateOpen       State = "OPEN"
	StateCreating   State = "CREATING"
	StateRecreating State = "RECREATING"
	StateClosing    State = "CLOSING"
)

const (
	EventCreate   Event = "CREATE"
	EventRecreate Event = "RECREATE"
	EventClose    Event = "CLOSE"
	EventDone     Event = "DONE"
)

// Busy reports whether an action is in flight in this state.
func (s State) Busy() bool {
	return s != StateOpen && s != ""
}
