package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/comacode/hostd/lib/metrics"
)

func TestCountersIncrement(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg)

	m.ConnectionsAccepted.Inc()
	m.HandshakeFailure.WithLabelValues("AUTH_FAILED").Inc()

	var out dto.Metric
	require.NoError(t, m.ConnectionsAccepted.Write(&out))
	require.Equal(t, float64(1), out.GetCounter().GetValue())
}
