package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// ErrIllegalTransition is returned for a transition the table does not allow
var ErrIllegalTransition = errors.New("illegal state transition")

// transitions lists the allowed next states. Any state may restart at
// Initialized when an asset is reprocessed.
var transitions = map[domain.State][]domain.State{
	domain.StateInitialized:  {domain.StatePass1Running, domain.StateFailed},
	domain.StatePass1Running: {domain.StatePass1Done, domain.StateFailed},
	domain.StatePass1Done:    {domain.StatePass2Queued, domain.StateDone, domain.StateFailed},
	domain.StatePass2Queued:  {domain.StatePass2Running, domain.StateFailed},
	domain.StatePass2Running: {domain.StateDone, domain.StateFailed, domain.StatePass2Queued},
}

// entry states for a key the process has not seen; a worker process first
// meets a key when pass 2 starts
var entryStates = []domain.State{domain.StateInitialized, domain.StatePass2Running}

func allowed(from domain.State, known bool, to domain.State) bool {
	if to == domain.StateInitialized {
		return true
	}
	next := entryStates
	if known {
		next = transitions[from]
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// StateTable tracks the in-process state of each queue key. Terminal keys
// are dropped.
type StateTable struct {
	mu     sync.Mutex
	states map[domain.QueueKey]domain.State
}

// NewStateTable creates an empty table
func NewStateTable() *StateTable {
	return &StateTable{states: make(map[domain.QueueKey]domain.State)}
}

// Transition moves key to state to, or rejects the move
func (t *StateTable) Transition(key domain.QueueKey, to domain.State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	from, known := t.states[key]
	if !allowed(from, known, to) {
		if !known {
			from = "NONE"
		}
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, key, from, to)
	}

	if to.Terminal() {
		delete(t.states, key)
		return nil
	}
	t.states[key] = to
	return nil
}

// Get returns the current state of key
func (t *StateTable) Get(key domain.QueueKey) (domain.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[key]
	return s, ok
}

// Handoff forgets key if it is still waiting in the queue. Whichever process
// consumes the job tracks it from there.
func (t *StateTable) Handoff(key domain.QueueKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[key] == domain.StatePass2Queued {
		delete(t.states, key)
	}
}

// Len returns the number of tracked keys
func (t *StateTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
