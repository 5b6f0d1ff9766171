package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.NotificationReceived("x")
	m.NotificationDropped(DropDuplicate)
	m.WriteFinished(WriteOK, time.Millisecond)
	m.RegistrySize(1, 1)
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.NotificationDropped(DropDuplicate)
	m.NotificationDropped(DropDuplicate)
	m.WriteFinished(WriteTimeout, 2*time.Second)
	m.LateResponse()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dropped.WithLabelValues(DropDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writes.WithLabelValues(WriteTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lateResponses))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}
