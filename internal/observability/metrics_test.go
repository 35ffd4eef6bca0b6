package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	m := NewMetrics()
	m.RequestsHandled.WithLabelValues("tools/call", "ok").Inc()
	m.RequestsHandled.WithLabelValues("tools/call", "ok").Inc()
	m.JobsFinished.WithLabelValues("completed").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsHandled.WithLabelValues("tools/call", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinished.WithLabelValues("completed")))
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	require.NotSame(t, a.Registry, b.Registry)
	a.TransportWriteFailures.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.TransportWriteFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TransportWriteFailures))
}

func TestNewLoggerRejectsStdout(t *testing.T) {
	_, _, err := NewLogger("info", "stdout")
	require.Error(t, err)
}

func TestNewLoggerLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		logger, closer, err := NewLogger(lvl, "stderr")
		require.NoError(t, err, lvl)
		require.NotNil(t, logger)
		assert.Nil(t, closer)
	}
	_, _, err := NewLogger("loud", "stderr")
	assert.Error(t, err)
}
