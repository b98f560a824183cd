package link

import (
	"sync"

	"github.com/meshtenna/meshtenna/internal/util"
)

// State is the lifecycle state of the radio link.
type State int

const (
	Disconnected State = iota
	Pairing
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Pairing:
		return "PAIRING"
	case Connected:
		return "CONNECTED"
	}
	return "UNKNOWN"
}

// subscriberBuffer bounds each subscriber channel. Transitions are
// rare (pairing and power cycles), so a small buffer never fills in
// practice; a consumer that stalls this long has already lost the
// stream and will observe the resulting resync instead.
const subscriberBuffer = 16

// Tracker is the single process-wide holder of link state. Adapters
// drive it; every other component observes it, so both directions' ARQ
// instances see identical transitions. It is injected explicitly
// rather than kept as package-level mutable state.
type Tracker struct {
	mu    sync.Mutex
	state State
	subs  []chan State
}

// NewTracker creates a Tracker in the Disconnected state.
func NewTracker() *Tracker {
	return &Tracker{state: Disconnected}
}

// State returns the current link state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Set records a transition and fans it out to all subscribers.
// Setting the current state again is a no-op.
func (t *Tracker) Set(s State) {
	t.mu.Lock()
	if s == t.state {
		t.mu.Unlock()
		return
	}
	prev := t.state
	t.state = s
	subs := make([]chan State, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	util.LogInfo("link state: %s → %s", prev, s)

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			util.LogWarning("link state subscriber lagging, dropped %s transition", s)
		}
	}
}

// Subscribe returns a channel receiving every subsequent transition.
func (t *Tracker) Subscribe() <-chan State {
	ch := make(chan State, subscriberBuffer)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}
