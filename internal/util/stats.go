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

// Stats is the process-wide media counter.
var Stats = &stats{}

type stats struct {
	Calls       atomic.Int64 // cumulative count of negotiated calls since process start
	FramesSent  atomic.Int64 // captured frames written to local tracks
	BytesSent   atomic.Int64 // payload bytes of those frames
	PacketsRecv atomic.Int64 // RTP packets read from remote tracks
	BytesRecv   atomic.Int64 // payload bytes of those packets
}

func (s *stats) AddCall() { s.Calls.Add(1) }

func (s *stats) AddFrame(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddPacket(n int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs media statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevFrames, prevPackets int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				frames := Stats.FramesSent.Load()
				packets := Stats.PacketsRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				fps := float64(frames-prevFrames) / 10.0
				pps := float64(packets-prevPackets) / 10.0

				if outS > 0 || inS > 0 {
					pterm.DefaultLogger.Info(formatStats(outS, inS, fps, pps))
				}

				prevSent = sent
				prevRecv = recv
				prevFrames = frames
				prevPackets = packets

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(outS, inS, fps, pps float64) string {
	return fmt.Sprintf("Out: %s/s (%4.1f fps) | In: %s/s (%5.1f pkt/s)",
		formatBytes(outS),
		fps,
		formatBytes(inS),
		pps,
	)
}
