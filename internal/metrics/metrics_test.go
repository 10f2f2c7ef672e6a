package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersIncrement(t *testing.T) {
	m := New()

	m.RequestSubmitted()
	m.RequestSubmitted()
	m.Outcome("paired", "arrival")
	m.DirectoryWrite("create", nil)
	m.DirectoryWrite("create", errors.New("disk full"))
	m.DirectoryRetry("delete")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("paired", "arrival")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.directoryWrites.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.directoryWrites.WithLabelValues("create", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.directoryRetries.WithLabelValues("delete")))

	m.GatewayFrame("match_request", "rate_limited")
	m.Delivery("match_timeout", "no_connection")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayFrames.WithLabelValues("match_request", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("match_timeout", "no_connection")))
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RequestSubmitted()
		m.Outcome("unmatched", "expiry")
		m.CancelIgnored()
		m.Teardown()
		m.Handoff("expired")
		m.MessageDropped("match.request", "malformed")
		m.RoomEmptied()
		m.GatewayFrame("match_request", "accepted")
		m.Delivery("match_found", "delivered")
		m.RegisterGauge("pool_size", "help", func() float64 { return 0 })
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_HandlerExposesGauge(t *testing.T) {
	m := New()
	m.RegisterGauge("pool_size", "Requests currently waiting.", func() float64 { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "matchboard_pool_size 3"), "gauge missing from exposition")
}
