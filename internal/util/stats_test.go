package util

import (
	"bytes"
	"testing"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}
	for _, tc := range testCases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStatsSnapshot(t *testing.T) {
	s := NewStats()
	s.AddSent(10)
	s.AddSent(5)
	s.AddRecv(7)
	s.AddRetransmit()
	s.AddDropped()

	got := s.Snapshot()
	want := Snapshot{FramesSent: 2, FramesRecv: 1, BytesSent: 15, BytesRecv: 7, Retransmits: 1, Dropped: 1}
	if got != want {
		t.Fatalf("Snapshot = %+v, want %+v", got, want)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, false)
	l.Debug("hidden %d", 1)
	l.Info("shown %d", 2)

	out := buf.String()
	if bytes.Contains([]byte(out), []byte("hidden")) {
		t.Errorf("debug message written at info level: %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("shown 2")) {
		t.Errorf("info message missing: %q", out)
	}

	buf.Reset()
	Prefixed(l, "[node]").Warn("careful")
	if !bytes.Contains(buf.Bytes(), []byte("[node] careful")) {
		t.Errorf("prefix missing: %q", buf.String())
	}
}
