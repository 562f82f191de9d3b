package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
)

type MetricsTestSuite struct {
	suite.Suite
	registry *prometheus.Registry
	metrics  *Metrics
}

func (s *MetricsTestSuite) SetupTest() {
	s.registry = prometheus.NewRegistry()
	s.metrics = New(s.registry)
}

func (s *MetricsTestSuite) TestCounters() {
	s.metrics.Session("UPLOADING")
	s.metrics.Session("UPLOADING")
	s.metrics.Chunk("written", 1024)
	s.metrics.Chunk("integrity_error", 0)
	s.metrics.Reclaimed("expired", 2)
	s.metrics.Reclaimed("orphan", 0)

	s.InDelta(2, testutil.ToFloat64(s.metrics.SessionsTotal.WithLabelValues("UPLOADING")), 0)
	s.InDelta(1, testutil.ToFloat64(s.metrics.ChunksTotal.WithLabelValues("written")), 0)
	s.InDelta(1024, testutil.ToFloat64(s.metrics.BytesReceived), 0)
	s.InDelta(2, testutil.ToFloat64(s.metrics.GCReclaimed.WithLabelValues("expired")), 0)
	s.InDelta(0, testutil.ToFloat64(s.metrics.GCReclaimed.WithLabelValues("orphan")), 0)
}

func (s *MetricsTestSuite) TestOffload() {
	s.metrics.Offload("success", 4096, 2*time.Second)
	s.metrics.Offload("retry", 0, 0)

	s.InDelta(4096, testutil.ToFloat64(s.metrics.OffloadBytes), 0)
	s.InDelta(1, testutil.ToFloat64(s.metrics.OffloadJobs.WithLabelValues("retry")), 0)
}

func (s *MetricsTestSuite) TestRegisteredOnce() {
	s.Panics(func() { New(s.registry) }, "a second registration on the same registry collides")
}

func (s *MetricsTestSuite) TestNilSafe() {
	var m *Metrics
	s.NotPanics(func() {
		m.ObserveRequest("GET", "/healthz", "200", time.Millisecond)
		m.Session("COMPLETED")
		m.Chunk("written", 1)
		m.Verdict("OK")
		m.Ban()
		m.Offload("success", 1, time.Second)
		m.Reclaimed("orphan", 1)
	})
}

func TestMetricsSuite(t *testing.T) {
	suite.Run(t, new(MetricsTestSuite))
}
