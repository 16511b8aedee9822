package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sensoralert/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, counter.Write(m))
	return m.GetCounter().GetValue()
}

func TestCollectorCountsPipelineSignals(t *testing.T) {
	t.Parallel()

	c := New()
	c.ObserveEvent(EventMatched, 2)
	c.ObserveEvent(EventUnmatched, 0)
	c.ObserveTransition("created")
	c.ObserveTransition("created")
	c.ObserveAttempt(domain.ChannelWebhook, domain.ExecutionFailed, 30*time.Millisecond)
	c.ObserveAttempt(domain.ChannelWebhook, domain.ExecutionSuccess, 20*time.Millisecond)

	assert.Equal(t, 1.0, counterValue(t, c.events.WithLabelValues(EventMatched)))
	assert.Equal(t, 1.0, counterValue(t, c.events.WithLabelValues(EventUnmatched)))
	assert.Equal(t, 2.0, counterValue(t, c.filterMatches))
	assert.Equal(t, 2.0, counterValue(t, c.alerts.WithLabelValues("created")))
	assert.Equal(t, 1.0, counterValue(t, c.dispatchAttempts.WithLabelValues("webhook", "failed")))
	assert.Equal(t, 1.0, counterValue(t, c.dispatchAttempts.WithLabelValues("webhook", "success")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	c := New()
	c.ObserveEvent(EventMatched, 1)
	server := httptest.NewServer(c.Handler())
	defer server.Close()

	response, err := http.Get(server.URL)
	require.NoError(t, err)
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `sensoralert_events_total{result="matched"} 1`), text)
	assert.True(t, strings.Contains(text, "sensoralert_filter_matches_total 1"))
}
