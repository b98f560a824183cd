package arq

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/meshtenna/meshtenna/internal/config"
	"github.com/meshtenna/meshtenna/internal/frame"
	"github.com/meshtenna/meshtenna/internal/link"
	"github.com/meshtenna/meshtenna/internal/link/linktest"
)

// testConfig returns tunnel tuning scaled down for in-process tests.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxPayload = 100
	cfg.RetransmitInterval = 50 * time.Millisecond
	cfg.MaxRetries = 20
	cfg.MaxInFlight = 8
	cfg.ReassemblyDepth = 32
	cfg.ResyncAttempts = 20
	return cfg
}

// startPair wires two ARQ engines over a simulated link and runs them
// until the test ends.
func startPair(t *testing.T, ctx context.Context, cfg config.Config, opts linktest.Options) (*ARQ, *ARQ) {
	t.Helper()

	trackerA, trackerB := link.NewTracker(), link.NewTracker()
	mockA, mockB := linktest.Pair(opts, trackerA, trackerB)
	t.Cleanup(func() {
		mockA.Close()
		mockB.Close()
	})

	a := New(cfg, mockA, trackerA)
	b := New(cfg, mockB, trackerB)
	go a.Run(ctx)
	go b.Run(ctx)

	mockA.Connect(ctx)
	mockB.Connect(ctx)
	return a, b
}

// collect reads delivered payloads until want bytes have arrived or
// the deadline passes.
func collect(t *testing.T, a *ARQ, want int, deadline time.Duration) []byte {
	t.Helper()

	var got []byte
	timeout := time.After(deadline)
	for len(got) < want {
		select {
		case payload, ok := <-a.Deliveries():
			if !ok {
				t.Fatalf("deliveries closed after %d/%d bytes", len(got), want)
			}
			got = append(got, payload...)
		case <-timeout:
			t.Fatalf("timed out with %d/%d bytes delivered", len(got), want)
		}
	}
	return got
}

// TestTransferNoLoss verifies the baseline: a 500-byte blob with a
// 100-byte payload budget crosses as five fragments and arrives
// byte-exact.
func TestTransferNoLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, b := startPair(t, ctx, testConfig(), linktest.Options{Seed: 1})

	blob := makeBlob(500, 0x5a)
	if err := a.Send(ctx, blob); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := collect(t, b, len(blob), 15*time.Second)
	if !bytes.Equal(got, blob) {
		t.Errorf("delivered bytes differ from the blob")
	}
}

// TestTransferWithLoss verifies that 10% frame loss is absorbed by
// retransmission: a 10 KB transfer still arrives complete and ordered.
func TestTransferWithLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	opts := linktest.Options{LossRate: 0.10, MaxDelay: 5 * time.Millisecond, Seed: 42}
	a, b := startPair(t, ctx, testConfig(), opts)

	blob := makeBlob(10*1024, 0x17)
	go a.Send(ctx, blob)

	got := collect(t, b, len(blob), 90*time.Second)
	if !bytes.Equal(got, blob) {
		t.Errorf("delivered bytes differ from the blob")
	}
}

// TestTransferWithDuplication verifies that duplicated frames are
// deduplicated: the output contains each byte exactly once.
func TestTransferWithDuplication(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	opts := linktest.Options{DupRate: 0.3, MaxDelay: 5 * time.Millisecond, Seed: 7}
	a, b := startPair(t, ctx, testConfig(), opts)

	blob := makeBlob(4*1024, 0x33)
	go a.Send(ctx, blob)

	got := collect(t, b, len(blob), 45*time.Second)
	if !bytes.Equal(got, blob) {
		t.Errorf("delivered bytes differ from the blob")
	}

	// Nothing further may trickle in after the full blob.
	select {
	case extra := <-b.Deliveries():
		t.Errorf("received %d extra bytes after the complete blob", len(extra))
	case <-time.After(500 * time.Millisecond):
	}
}

// TestBidirectionalTransfer verifies that the two directions do not
// interfere: both sides send concurrently and both receive exactly
// what the other sent.
func TestBidirectionalTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	opts := linktest.Options{MaxDelay: 2 * time.Millisecond, Seed: 3}
	a, b := startPair(t, ctx, testConfig(), opts)

	blobA := makeBlob(3*1024, 0x01)
	blobB := makeBlob(2*1024, 0x02)
	go a.Send(ctx, blobA)
	go b.Send(ctx, blobB)

	gotB := collect(t, b, len(blobA), 45*time.Second)
	gotA := collect(t, a, len(blobB), 45*time.Second)

	if !bytes.Equal(gotB, blobA) {
		t.Errorf("side B received corrupted stream")
	}
	if !bytes.Equal(gotA, blobB) {
		t.Errorf("side A received corrupted stream")
	}
}

// TestPowerCycleResync verifies recovery from a radio power cycle in
// the middle of a transfer: unacknowledged bytes are retransmitted
// after the resynchronization cycle and nothing is duplicated.
func TestPowerCycleResync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	cfg := testConfig()
	trackerA, trackerB := link.NewTracker(), link.NewTracker()
	mockA, mockB := linktest.Pair(linktest.Options{Seed: 11}, trackerA, trackerB)
	defer mockA.Close()
	defer mockB.Close()

	a := New(cfg, mockA, trackerA)
	b := New(cfg, mockB, trackerB)
	go a.Run(ctx)
	go b.Run(ctx)
	mockA.Connect(ctx)
	mockB.Connect(ctx)

	first := makeBlob(1024, 0x44)
	if err := a.Send(ctx, first); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := collect(t, b, len(first), 30*time.Second)

	// Power cycle both radios mid-stream.
	mockA.PowerCycle(200 * time.Millisecond)
	mockB.PowerCycle(200 * time.Millisecond)

	second := makeBlob(1024, 0x55)
	go a.Send(ctx, second)

	got = append(got, collect(t, b, len(second), 60*time.Second)...)

	want := append(append([]byte{}, first...), second...)
	if !bytes.Equal(got, want) {
		t.Errorf("stream after power cycle differs (got %d bytes, want %d)", len(got), len(want))
	}
}

// TestStaleResyncMarkerIgnored verifies that a delayed marker from an
// already-completed cycle does not drag a settled engine back to the
// dead epoch or clear its receive state. The loop is not running, so
// handling frames directly here is single-threaded.
func TestStaleResyncMarkerIgnored(t *testing.T) {
	tracker := link.NewTracker()
	m, _ := linktest.Pair(linktest.Options{Seed: 8}, tracker, link.NewTracker())
	defer m.Close()

	a := New(testConfig(), m, tracker)
	a.state = stateNormal
	a.epoch = 5
	a.nextSeq = 3

	// One delivered frame makes the receive state visibly live.
	if _, err := a.reasm.Feed(&frame.Frame{Flags: frame.FlagMore, Epoch: 5, Seq: 1, Payload: []byte("x")}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	a.drainDeliveries()
	if a.reasm.Delivered() != 1 {
		t.Fatalf("Delivered() = %d before the marker, want 1", a.reasm.Delivered())
	}

	a.handleFrame(&frame.Frame{Flags: frame.FlagResync, Epoch: 3})

	if a.epoch != 5 {
		t.Errorf("epoch = %d after a stale marker, want 5", a.epoch)
	}
	if a.state != stateNormal {
		t.Errorf("state changed after a stale marker")
	}
	if a.reasm.Delivered() != 1 {
		t.Errorf("receive state was reset by a stale marker")
	}

	// Wraparound: epoch 255 is behind epoch 2 on the circle.
	a.epoch = 2
	a.handleFrame(&frame.Frame{Flags: frame.FlagResync, Epoch: 255})
	if a.epoch != 2 {
		t.Errorf("epoch = %d after a pre-wrap stale marker, want 2", a.epoch)
	}

	// A genuinely newer epoch is still adopted.
	a.handleFrame(&frame.Frame{Flags: frame.FlagResync, Epoch: 3})
	if a.epoch != 3 {
		t.Errorf("epoch = %d after the peer's fresh marker, want 3", a.epoch)
	}
	if a.reasm.Delivered() != 0 {
		t.Errorf("receive state not reset on adopting the peer's epoch")
	}
}

// TestReorderOverflowRecovery drives deep reordering into a shallow
// reassembly buffer so overflow-triggered resynchronization fires,
// and verifies the stream still arrives intact afterwards.
func TestReorderOverflowRecovery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.ReassemblyDepth = 2

	opts := linktest.Options{LossRate: 0.05, MaxDelay: 25 * time.Millisecond, Seed: 99}
	a, b := startPair(t, ctx, cfg, opts)

	blob := makeBlob(5*1024, 0x66)
	go a.Send(ctx, blob)

	got := collect(t, b, len(blob), 90*time.Second)
	if !bytes.Equal(got, blob) {
		t.Errorf("delivered bytes differ from the blob")
	}
}
