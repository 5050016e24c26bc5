package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesIsolatedRegistries(t *testing.T) {
	// promauto panics on duplicate registration, so constructing two
	// instances proves each carries its own registry.
	require.NotPanics(t, func() {
		_ = New()
		_ = New()
	})
}

func TestTraceIngestedCountsBySource(t *testing.T) {
	m := New()

	m.TraceIngested("api")
	m.TraceIngested("capture")
	m.TraceIngested("capture")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TracesIngested.WithLabelValues("api")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TracesIngested.WithLabelValues("capture")))
}

func TestMatchResultMapsBoolToOutcome(t *testing.T) {
	m := New()

	m.MatchResult(true)
	m.MatchResult(true)
	m.MatchResult(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MatchResults.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MatchResults.WithLabelValues("miss")))
}

func TestGroupingRunCountsByResult(t *testing.T) {
	m := New()

	m.GroupingRun(GroupingOK)
	m.GroupingRun(GroupingNoop)
	m.GroupingRun(GroupingSkipped)
	m.GroupingRun(GroupingError)
	m.GroupingRun(GroupingError)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GroupingRuns.WithLabelValues(GroupingOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GroupingRuns.WithLabelValues(GroupingNoop)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GroupingRuns.WithLabelValues(GroupingSkipped)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GroupingRuns.WithLabelValues(GroupingError)))
}

func TestExecutionFinishedCountsByStatus(t *testing.T) {
	m := New()

	m.ExecutionFinished("completed")
	m.ExecutionFinished("completed")
	m.ExecutionFinished("failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Executions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("failed")))
}

func TestParseFailureCountsByProvider(t *testing.T) {
	m := New()

	m.ParseFailure("openai")
	m.ParseFailure("unknown")
	m.ParseFailure("unknown")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseFailures.WithLabelValues("openai")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ParseFailures.WithLabelValues("unknown")))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.QueueDepth.Set(3)
	m.QueueDrops.Inc()
	m.TraceIngested("api")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "promptloom_grouping_queue_depth 3"), body)
	assert.True(t, strings.Contains(body, "promptloom_grouping_queue_drops_total 1"), body)
	assert.True(t, strings.Contains(body, `promptloom_traces_ingested_total{source="api"} 1`), body)
}
