package stats_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"blelink/events"
	"blelink/stats"
)

func TestSamplerEmitsSpeedSamples(t *testing.T) {
	rec := events.NewRecorder()
	s := stats.New(20*time.Millisecond, rec, "sess", prometheus.NewRegistry())
	c := s.Track("rx")
	c.Add(1000)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, ok := rec.Last(events.KindDspsStats)
		return ok
	}, time.Second, 5*time.Millisecond)

	e, _ := rec.Last(events.KindDspsStats)
	sample := e.Payload.(stats.Sample)
	require.Equal(t, "rx", sample.Name)
	require.Equal(t, int64(1000), sample.BytesTotal)
	require.Greater(t, sample.Speed, int64(0))
}

func TestSamplerIntervalResets(t *testing.T) {
	rec := events.NewRecorder()
	s := stats.New(15*time.Millisecond, rec, "sess", nil)
	c := s.Track("filesend")
	c.Add(300)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(rec.Events()) >= 3
	}, time.Second, 5*time.Millisecond)

	// Only the first interval saw bytes; later samples must report a zero
	// delta while the lifetime total stays put.
	var sawDrained bool
	for _, e := range rec.Events() {
		sample := e.Payload.(stats.Sample)
		require.Equal(t, int64(300), sample.BytesTotal)
		if sample.BytesInterval == 0 {
			sawDrained = true
		}
	}
	require.True(t, sawDrained)
}

func TestSamplerStartStopIdempotent(t *testing.T) {
	s := stats.New(time.Hour, events.Discard, "sess", nil)
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}

func TestUntrackStopsSampling(t *testing.T) {
	rec := events.NewRecorder()
	s := stats.New(10*time.Millisecond, rec, "sess", prometheus.NewRegistry())
	s.Track("op").Add(50)
	s.Untrack("op")

	s.Start()
	defer s.Stop()
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, rec.Events())
}
