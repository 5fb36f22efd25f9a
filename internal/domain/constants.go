package domain

// State is the processing state of one (asset, variation) pair
type State string

// Processing states
const (
	StateInitialized  State = "INITIALIZED"
	StatePass1Running State = "PASS1_RUNNING"
	StatePass1Done    State = "PASS1_DONE"
	StatePass2Queued  State = "PASS2_QUEUED"
	StatePass2Running State = "PASS2_RUNNING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
