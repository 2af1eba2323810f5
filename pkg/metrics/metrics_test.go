package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTurn(t *testing.T) {
	before := testutil.ToFloat64(TurnsTotal.WithLabelValues("PresentCandidates"))
	RecordTurn("PresentCandidates", 5*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(TurnsTotal.WithLabelValues("PresentCandidates")))
}

func TestRecordResolverCall(t *testing.T) {
	before := testutil.ToFloat64(ResolverRequests.WithLabelValues("timeout"))
	RecordResolverCall("timeout", 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(ResolverRequests.WithLabelValues("timeout")))
}

func TestRecordBreakerState(t *testing.T) {
	cases := map[string]float64{"closed": 0, "half-open": 1, "open": 2}
	for state, want := range cases {
		RecordBreakerState("catalog", state)
		assert.Equal(t, want, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("catalog")), state)
	}
}

func TestRecordSessionClosed(t *testing.T) {
	before := testutil.ToFloat64(SessionsClosed.WithLabelValues("unknown"))
	RecordSessionClosed("")
	assert.Equal(t, before+1, testutil.ToFloat64(SessionsClosed.WithLabelValues("unknown")))
}
