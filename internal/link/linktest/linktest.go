// Package linktest provides an in-memory pair of linked radio
// adapters for tests: frames sent by one side arrive at the other
// after an optional delay, with configurable loss and duplication,
// and the pair can be power-cycled mid-test.
package linktest

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/meshtenna/meshtenna/internal/link"
)

// Options shape the simulated mesh link.
type Options struct {
	MTU      int           // per-frame budget; 0 means 220
	LossRate float64       // probability a frame vanishes in transit
	DupRate  float64       // probability a frame is delivered twice
	MaxDelay time.Duration // per-frame random delivery delay upper bound
	Seed     uint64        // deterministic randomness; 0 means seed 1
}

// Pair creates two linked mock radios sharing the given options. Each
// side must be given its own Tracker.
func Pair(opts Options, trackerA, trackerB *link.Tracker) (*Mock, *Mock) {
	if opts.MTU == 0 {
		opts.MTU = 220
	}
	seed := opts.Seed
	if seed == 0 {
		seed = 1
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b9))
	rngMu := &sync.Mutex{} // the rng is shared by both sides

	a := &Mock{opts: opts, tracker: trackerA, rng: rng, rngMu: rngMu, recv: make(chan []byte, 256), done: make(chan struct{})}
	b := &Mock{opts: opts, tracker: trackerB, rng: rng, rngMu: rngMu, recv: make(chan []byte, 256), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Mock is one side of the simulated link.
type Mock struct {
	opts    Options
	tracker *link.Tracker
	peer    *Mock

	rng   *rand.Rand
	rngMu *sync.Mutex

	recv chan []byte

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// Connect marks the link paired and connected.
func (m *Mock) Connect(ctx context.Context) error {
	m.tracker.Set(link.Pairing)
	m.tracker.Set(link.Connected)
	return nil
}

// Send delivers the frame to the peer, subject to the configured loss,
// duplication, and delay.
func (m *Mock) Send(ctx context.Context, payload []byte) error {
	if m.tracker.State() != link.Connected {
		return link.ErrLinkUnavailable
	}

	m.rngMu.Lock()
	lost := m.rng.Float64() < m.opts.LossRate
	dup := m.rng.Float64() < m.opts.DupRate
	var delay, delay2 time.Duration
	if m.opts.MaxDelay > 0 {
		delay = time.Duration(m.rng.Int64N(int64(m.opts.MaxDelay)))
		delay2 = time.Duration(m.rng.Int64N(int64(m.opts.MaxDelay)))
	}
	m.rngMu.Unlock()

	if lost {
		return nil
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	m.deliver(data, delay)
	if dup {
		m.deliver(data, delay2)
	}
	return nil
}

func (m *Mock) deliver(data []byte, delay time.Duration) {
	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-m.done:
				return
			case <-m.peer.done:
				return
			}
		}
		// Drop rather than block when the peer is down or saturated.
		if m.peer.tracker.State() != link.Connected {
			return
		}
		select {
		case m.peer.recv <- data:
		case <-m.peer.done:
		default:
		}
	}()
}

// Recv returns the inbound frame channel.
func (m *Mock) Recv() <-chan []byte {
	return m.recv
}

// MTU returns the configured frame budget.
func (m *Mock) MTU() int {
	return m.opts.MTU
}

// Close shuts this side down.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
		m.tracker.Set(link.Disconnected)
	}
	return nil
}

// PowerCycle simulates a radio power cycle on this side: the link
// drops, stays down for the given duration, and comes back.
func (m *Mock) PowerCycle(down time.Duration) {
	m.tracker.Set(link.Disconnected)
	go func() {
		select {
		case <-time.After(down):
		case <-m.done:
			return
		}
		m.tracker.Set(link.Pairing)
		m.tracker.Set(link.Connected)
	}()
}
