package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Stats counts datagram traffic of one node.
type Stats struct {
	FramesSent  atomic.Int64
	FramesRecv  atomic.Int64
	BytesSent   atomic.Int64
	BytesRecv   atomic.Int64
	Retransmits atomic.Int64 // reliable sends that had to be repeated
	Dropped     atomic.Int64 // malformed, unknown-sender or overflow datagrams
}

func NewStats() *Stats { return &Stats{} }

func (s *Stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *Stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *Stats) AddRetransmit() { s.Retransmits.Add(1) }
func (s *Stats) AddDropped()    { s.Dropped.Add(1) }

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	FramesSent  int64 `json:"frames_sent"`
	FramesRecv  int64 `json:"frames_recv"`
	BytesSent   int64 `json:"bytes_sent"`
	BytesRecv   int64 `json:"bytes_recv"`
	Retransmits int64 `json:"retransmits"`
	Dropped     int64 `json:"dropped"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		FramesSent:  s.FramesSent.Load(),
		FramesRecv:  s.FramesRecv.Load(),
		BytesSent:   s.BytesSent.Load(),
		BytesRecv:   s.BytesRecv.Load(),
		Retransmits: s.Retransmits.Load(),
		Dropped:     s.Dropped.Load(),
	}
}

// StartReporter logs traffic rates every interval while there is traffic.
// It stops when ctx is cancelled.
func (s *Stats) StartReporter(ctx context.Context, log Logger, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		prev := s.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := s.Snapshot()
				inS := float64(cur.BytesRecv-prev.BytesRecv) / secs
				outS := float64(cur.BytesSent-prev.BytesSent) / secs
				retx := cur.Retransmits - prev.Retransmits
				drop := cur.Dropped - prev.Dropped

				if inS > 0 || outS > 0 || retx > 0 || drop > 0 {
					log.Info("%s", formatStats(inS, outS, retx, drop))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width string, e.g. "99.0   B"
// or " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(inS, outS float64, retx, drop int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Retx: %3d | Drop: %3d",
		formatBytes(inS),
		formatBytes(outS),
		retx,
		drop,
	)
}
