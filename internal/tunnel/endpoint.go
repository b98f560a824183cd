// Package tunnel bridges a local TCP socket to the mesh radio link.
// The MESH and GATEWAY roles run the identical stack built here; they
// differ only in how the bridged socket is obtained and which address
// it points at.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/meshtenna/meshtenna/internal/arq"
	"github.com/meshtenna/meshtenna/internal/config"
	"github.com/meshtenna/meshtenna/internal/link"
	"github.com/meshtenna/meshtenna/internal/util"
)

// readBuffer is the socket read size. Reads are fragmented down to the
// radio payload budget anyway, so this only bounds one Send call.
const readBuffer = 4 * 1024

// Endpoint is one side of the tunnel: a bridged TCP socket, the ARQ
// engine, and the radio link underneath.
type Endpoint struct {
	cfg     config.Config
	lnk     link.Link
	tracker *link.Tracker
}

// New creates an endpoint over an already-constructed radio link.
func New(cfg config.Config, lnk link.Link, tracker *link.Tracker) *Endpoint {
	return &Endpoint{cfg: cfg, lnk: lnk, tracker: tracker}
}

// Run connects the radio and bridges local TCP connections one at a
// time until ctx is cancelled or the tunnel fails fatally
// (resynchronization abandoned, radio closed, listener gone). A
// bridged connection closing normally is not fatal: the endpoint waits
// for the next one and resynchronizes the stream first.
func (e *Endpoint) Run(ctx context.Context) error {
	if err := e.lnk.Connect(ctx); err != nil {
		return fmt.Errorf("radio connect: %w", err)
	}

	a := arq.New(e.cfg, e.lnk, e.tracker)

	arqErr := make(chan error, 1)
	go func() {
		arqErr <- a.Run(ctx)
	}()

	var listener net.Listener
	if e.cfg.SocketMode == config.SocketListen {
		l, err := net.Listen("tcp", e.cfg.SocketAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", e.cfg.SocketAddr, err)
		}
		listener = l
		defer listener.Close()
		go func() {
			<-ctx.Done()
			listener.Close()
		}()
		util.LogInfo("bridging %s connections on %s", e.cfg.Role, e.cfg.SocketAddr)
	}

	first := true
	for {
		conn, err := e.acquireSocket(ctx, listener)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return err
		}

		if !first {
			// The previous bridged connection died with bytes possibly
			// still in flight for it. Restart sequencing and discard
			// anything already reassembled so the new connection
			// begins with a clean stream.
			a.Reset("new bridged connection")
			alive := true
			for drained := false; !drained; {
				select {
				case _, ok := <-a.Deliveries():
					if !ok {
						// The engine exited while no connection was
						// bridged; its closed channel stays ready.
						alive = false
						drained = true
					}
				default:
					drained = true
				}
			}
			if !alive {
				conn.Close()
				err := <-arqErr
				if err != nil && !errors.Is(err, context.Canceled) {
					util.LogError("tunnel failed: %v", err)
					return err
				}
				return errors.New("tunnel stopped")
			}
		}
		first = false

		err = e.bridge(ctx, conn, a, arqErr)
		if err != nil {
			return err
		}
	}
}

// acquireSocket obtains the bridged TCP connection, either by
// accepting the payment node / remote peer or by dialing out to it.
func (e *Endpoint) acquireSocket(ctx context.Context, listener net.Listener) (net.Conn, error) {
	if e.cfg.SocketMode == config.SocketDial {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", e.cfg.SocketAddr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", e.cfg.SocketAddr, err)
		}
		util.LogInfo("connected to %s", e.cfg.SocketAddr)
		return conn, nil
	}

	conn, err := listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	util.LogInfo("accepted bridged connection from %s", conn.RemoteAddr())
	return conn, nil
}

// bridge pumps bytes between conn and the ARQ engine until either
// side ends. Returns nil when only the local connection died (the
// caller may bridge a new one) and the tunnel error when the ARQ
// engine itself stopped.
func (e *Endpoint) bridge(ctx context.Context, conn net.Conn, a *arq.ARQ, arqErr <-chan error) error {
	bctx, cancel := context.WithCancel(ctx)
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			cancel()
			conn.Close()
		})
	}
	defer teardown()

	var wg sync.WaitGroup
	wg.Add(2)

	// Socket to radio: read local bytes, hand blobs to the ARQ send
	// path, which fragments and paces them.
	go func() {
		defer wg.Done()
		defer teardown()
		buf := make([]byte, readBuffer)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				util.Stats.AddBytesIn(n)
				blob := make([]byte, n)
				copy(blob, buf[:n])
				if serr := a.Send(bctx, blob); serr != nil {
					return
				}
			}
			if err != nil {
				select {
				case <-bctx.Done():
				default:
					util.LogInfo("local socket closed: %v", err)
				}
				return
			}
		}
	}()

	// Radio to socket: write reassembled in-order payloads to the
	// local socket. A slow peer blocks here, which backs up into
	// withheld acknowledgments and throttles the far end.
	go func() {
		defer wg.Done()
		defer teardown()
		for {
			select {
			case payload, ok := <-a.Deliveries():
				if !ok {
					return
				}
				if _, err := conn.Write(payload); err != nil {
					select {
					case <-bctx.Done():
					default:
						util.LogInfo("local socket write failed: %v", err)
					}
					return
				}
				util.Stats.AddBytesOut(len(payload))
			case <-bctx.Done():
				return
			}
		}
	}()

	// Wait for the pumps to finish or the ARQ engine to die.
	pumpsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(pumpsDone)
	}()

	select {
	case err := <-arqErr:
		teardown()
		<-pumpsDone
		if err != nil && !errors.Is(err, context.Canceled) {
			util.LogError("tunnel failed: %v", err)
			return err
		}
		return errors.New("tunnel stopped")
	case <-pumpsDone:
		return nil
	}
}
