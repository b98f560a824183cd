// Package serialradio adapts a KISS-framed mesh radio on a serial
// port (goTenna-class USB devices, packet-radio TNCs) to the tunnel's
// link capability.
package serialradio

import (
	"context"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/meshtenna/meshtenna/internal/config"
	"github.com/meshtenna/meshtenna/internal/frame"
	"github.com/meshtenna/meshtenna/internal/link"
	"github.com/meshtenna/meshtenna/internal/util"
)

const (
	// mtu allows 210 stream bytes per transmission plus tunnel frame
	// overhead. 210 is what goTenna-class hardware accepts once its
	// own headers are on.
	mtu = 210 + frame.Overhead

	recvBuffer     = 64
	pairingTimeout = 30 * time.Second
	reopenDelay    = 5 * time.Second
)

// Radio is a Link over a serial-attached mesh device. A background
// goroutine owns the port: it pairs, pumps inbound KISS frames, and
// reopens the device after a power cycle, driving the shared state
// Tracker through the corresponding transitions.
type Radio struct {
	cfg     config.Config
	tracker *link.Tracker
	limiter *util.RateLimiter

	recv chan []byte

	mu      sync.Mutex
	port    serial.Port
	started bool
	closed  bool
	stop    chan struct{}

	// openPort and pairTimeout are swappable for tests.
	openPort    func() (serial.Port, error)
	pairTimeout time.Duration
}

// New creates a serial radio adapter. The device is not touched until
// Connect.
func New(cfg config.Config, tracker *link.Tracker) *Radio {
	r := &Radio{
		cfg:         cfg,
		tracker:     tracker,
		recv:        make(chan []byte, recvBuffer),
		stop:        make(chan struct{}),
		pairTimeout: pairingTimeout,
	}
	if cfg.RateLimit {
		r.limiter = util.NewRateLimiter()
	}
	r.openPort = func() (serial.Port, error) {
		return serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.Baud})
	}
	return r
}

// Connect starts the port-management goroutine. Idempotent; pairing
// completion and later power cycles are observed via the Tracker.
func (r *Radio) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return nil
	}
	r.started = true
	go r.run()
	return nil
}

// run opens the device, reads it until it fails, and reopens it.
// Every cycle is a PAIRING then CONNECTED transition; every failure is
// a DISCONNECTED transition, which the ARQ layer treats as losing all
// frames in flight.
func (r *Radio) run() {
	defer close(r.recv)
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		r.tracker.Set(link.Pairing)
		port, err := r.pair()
		if err != nil {
			util.LogWarning("radio pairing failed: %v (retrying in %v)", err, reopenDelay)
			r.tracker.Set(link.Disconnected)
			select {
			case <-time.After(reopenDelay):
				continue
			case <-r.stop:
				return
			}
		}

		r.mu.Lock()
		r.port = port
		r.mu.Unlock()
		r.tracker.Set(link.Connected)

		r.readLoop(port)

		r.mu.Lock()
		r.port = nil
		r.mu.Unlock()
		port.Close()
		r.tracker.Set(link.Disconnected)
	}
}

type openResult struct {
	port serial.Port
	err  error
}

// pair opens the serial port and flushes stale device output. The
// open itself must complete within the pairing timeout.
func (r *Radio) pair() (serial.Port, error) {
	ch := make(chan openResult, 1)
	go func() {
		p, err := r.openPort()
		ch <- openResult{p, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		res.port.ResetInputBuffer()
		res.port.ResetOutputBuffer()
		return res.port, nil
	case <-time.After(r.pairTimeout):
		go drainLateOpen(ch)
		return nil, context.DeadlineExceeded
	case <-r.stop:
		go drainLateOpen(ch)
		return nil, context.Canceled
	}
}

// drainLateOpen closes a port whose open completed after the caller
// gave up waiting, so an abandoned open cannot leak the device.
func drainLateOpen(ch <-chan openResult) {
	if res := <-ch; res.err == nil {
		res.port.Close()
	}
}

// readLoop pumps the port into the receive channel until a read error
// (device unplugged or power cycled).
func (r *Radio) readLoop(port serial.Port) {
	var dec kissDecoder
	buf := make([]byte, 512)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			for _, payload := range dec.feed(buf[:n]) {
				select {
				case r.recv <- payload:
				case <-r.stop:
					return
				}
			}
		}
		if err != nil {
			select {
			case <-r.stop:
			default:
				util.LogWarning("radio read failed: %v", err)
			}
			return
		}
	}
}

// Send transmits one frame, honoring the mesh duty-cycle limiter.
func (r *Radio) Send(ctx context.Context, payload []byte) error {
	if r.tracker.State() != link.Connected {
		return link.ErrLinkUnavailable
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	r.mu.Lock()
	port := r.port
	r.mu.Unlock()
	if port == nil {
		return link.ErrLinkUnavailable
	}

	_, err := port.Write(kissEncode(payload))
	return err
}

// Recv returns the inbound frame channel.
func (r *Radio) Recv() <-chan []byte {
	return r.recv
}

// MTU returns the per-transmission payload budget.
func (r *Radio) MTU() int {
	return mtu
}

// Close stops the adapter and closes the device.
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	port := r.port
	r.mu.Unlock()

	close(r.stop)
	if port != nil {
		port.Close()
	}
	return nil
}
