package quality

import (
	"testing"
	"time"

	"github.com/mosaicnetworks/murmur/src/media"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		rtt  float64
		lost int64
		tier Tier
	}{
		{0, 0, Excellent},
		{100, 2, Excellent},
		{101, 0, Good},
		{50, 3, Good},
		{200, 5, Good},
		{201, 0, Fair},
		{10, 6, Fair},
		{500, 10, Fair},
		{501, 0, Poor},
		{10, 11, Poor},
		{800, 50, Poor},
	}

	for _, c := range cases {
		if got := Classify(c.rtt, c.lost); got != c.tier {
			t.Fatalf("Classify(%v, %d) should be %s, not %s", c.rtt, c.lost, c.tier, got)
		}
	}
}

func TestMonitorBitrate(t *testing.T) {
	m := NewMonitor("bbb-2")
	start := time.Unix(1700000000, 0)

	first := m.Observe(media.Stats{BytesReceived: 1000}, start)
	if first.Bitrate != 0 {
		t.Fatalf("first sample should have no bitrate, got %v", first.Bitrate)
	}

	second := m.Observe(media.Stats{
		BytesReceived: 9000,
		PacketsLost:   3,
		RoundTripTime: 150 * time.Millisecond,
		HasRTT:        true,
	}, start.Add(2*time.Second))

	if second.Bitrate != 32000 {
		t.Fatalf("bitrate should be 8000 bytes * 8 / 2s = 32000, not %v", second.Bitrate)
	}

	if second.RoundTripTimeMs != 150 || second.Tier != Good {
		t.Fatalf("unexpected sample %+v", second)
	}

	latest, ok := m.Latest()
	if !ok || latest != second {
		t.Fatalf("Latest should return the last sample")
	}

	m.Reset()

	if _, ok := m.Latest(); ok {
		t.Fatalf("Reset should discard the latest sample")
	}

	third := m.Observe(media.Stats{BytesReceived: 20000}, start.Add(4*time.Second))
	if third.Bitrate != 0 {
		t.Fatalf("history should be discarded after Reset, got bitrate %v", third.Bitrate)
	}
}
