package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide tunnel traffic counter.
var Stats = &stats{}

type stats struct {
	FramesSent    atomic.Int64 // frames handed to the radio link since process start
	FramesRecv    atomic.Int64 // frames received from the radio link since process start
	Retransmits   atomic.Int64 // frames sent more than once
	CorruptFrames atomic.Int64 // frames dropped on checksum mismatch
	Resyncs       atomic.Int64 // completed resynchronization cycles
	BytesIn       atomic.Int64 // bridged bytes read from the local socket
	BytesOut      atomic.Int64 // bridged bytes written to the local socket
}

func (s *stats) AddFrameSent()     { s.FramesSent.Add(1) }
func (s *stats) AddFrameRecv()     { s.FramesRecv.Add(1) }
func (s *stats) AddRetransmit()    { s.Retransmits.Add(1) }
func (s *stats) AddCorrupt()       { s.CorruptFrames.Add(1) }
func (s *stats) AddResync()        { s.Resyncs.Add(1) }
func (s *stats) AddBytesIn(n int)  { s.BytesIn.Add(int64(n)) }
func (s *stats) AddBytesOut(n int) { s.BytesOut.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 30 seconds. Mesh links move bytes per minute, not per second,
// so the reporting window is wide. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		var prevIn, prevOut, prevSent, prevRetr int64
		for {
			select {
			case <-ticker.C:
				in := Stats.BytesIn.Load()
				out := Stats.BytesOut.Load()
				sent := Stats.FramesSent.Load()
				retr := Stats.Retransmits.Load()

				if in != prevIn || out != prevOut || sent != prevSent {
					pterm.DefaultLogger.Info(formatStats(
						float64(in-prevIn), float64(out-prevOut),
						sent-prevSent, retr-prevRetr))
				}

				prevIn = in
				prevOut = out
				prevSent = sent
				prevRetr = retr

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width
// (exactly 8 chars), for example: "99.0   B", " 1.5 KiB", "98.9 GiB".
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the last window's activity.
func formatStats(in, out float64, frames, retr int64) string {
	return fmt.Sprintf("In: %s | Out: %s | Frames: %3d (%d retransmitted)",
		FormatBytes(in),
		FormatBytes(out),
		frames,
		retr,
	)
}
