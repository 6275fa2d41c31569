package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go-coopcore"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	stats coopcore.Stats
}

func (s *stubSource) Stats() coopcore.Stats {
	return s.stats
}

func TestMetrics(t *testing.T) {
	var newSource = func() *stubSource {
		var src = &stubSource{}
		src.stats.Peers = 3
		src.stats.AlivePeers = 2
		src.stats.Consensus.Accepted = 4
		src.stats.Consensus.TimedOut = 1
		src.stats.Leases.Denied = 5
		src.stats.Maintenance = 7
		return src
	}

	t.Run("should collect every node statistic", func(t *testing.T) {
		var sut = NewCollector(newSource())

		var count = testutil.CollectAndCount(sut)

		assert.Equal(t, len(gauges)+len(counters)+3+8, count)
	})

	t.Run("should export stats through the registry", func(t *testing.T) {
		// Arrange
		var (
			src = newSource()
			sut = New(src)
		)

		// Act
		var families, err = sut.Registry.Gather()
		require.NoError(t, err)

		// Assert
		var values = map[string]float64{}
		for _, f := range families {
			for _, m := range f.GetMetric() {
				var label string
				for _, l := range m.GetLabel() {
					label = l.GetValue()
				}
				var key = f.GetName()
				if label != "" {
					key += "/" + label
				}
				switch {
				case m.GetGauge() != nil:
					values[key] = m.GetGauge().GetValue()
				case m.GetCounter() != nil:
					values[key] = m.GetCounter().GetValue()
				}
			}
		}
		assert.Equal(t, 3.0, values["coopcore_peers"])
		assert.Equal(t, 2.0, values["coopcore_alive_peers"])
		assert.Equal(t, 7.0, values["coopcore_maintenance_passes_total"])
		assert.Equal(t, 4.0, values["coopcore_proposals_resolved_total/accepted"])
		assert.Equal(t, 1.0, values["coopcore_proposals_resolved_total/timed_out"])
		assert.Equal(t, 5.0, values["coopcore_lease_operations_total/denied"])
	})

	t.Run("should read a fresh snapshot on every scrape", func(t *testing.T) {
		var (
			src = newSource()
			sut = New(src)
			srv = httptest.NewServer(sut.Handler())
		)
		defer srv.Close()

		src.stats.Peers = 11
		var resp, err = http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body, _ = io.ReadAll(resp.Body)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "coopcore_peers 11")
		assert.Contains(t, string(body), "coopcore_uptime_seconds")
	})

	t.Run("should instrument requests by status class", func(t *testing.T) {
		var sut = New(newSource())
		var handler = sut.Instrument("status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("fail") != "" {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status?fail=1", nil))

		assert.Equal(t, 2.0, testutil.ToFloat64(sut.requestsTotal.WithLabelValues("status", "2xx")))
		assert.Equal(t, 1.0, testutil.ToFloat64(sut.requestsTotal.WithLabelValues("status", "5xx")))
		assert.Equal(t, 0.0, testutil.ToFloat64(sut.inFlight.WithLabelValues("status")))
	})

	t.Run("should export build info", func(t *testing.T) {
		var sut = New(newSource())

		sut.SetBuildInfo("v0.1.0")

		assert.Equal(t, 1.0, testutil.ToFloat64(sut.buildInfo.WithLabelValues("v0.1.0")))
	})
}
