package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTransitionUpdatesGauge(t *testing.T) {
	all := []string{"Offline", "ClientConnecting", "ClientConnected"}

	before := testutil.ToFloat64(stateTransitions.WithLabelValues("Offline", "ClientConnecting"))
	RecordTransition("Offline", "ClientConnecting", all)

	assert.Equal(t, before+1, testutil.ToFloat64(stateTransitions.WithLabelValues("Offline", "ClientConnecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(currentState.WithLabelValues("ClientConnecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(currentState.WithLabelValues("Offline")))
}

func TestServiceErrorDefaultsKind(t *testing.T) {
	before := testutil.ToFloat64(serviceErrors.WithLabelValues("query", "unknown"))
	IncServiceError("query", "")
	assert.Equal(t, before+1, testutil.ToFloat64(serviceErrors.WithLabelValues("query", "unknown")))
}
