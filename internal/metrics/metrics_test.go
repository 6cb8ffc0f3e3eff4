package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/metrics"
)

type fixedPool struct{ stats executor.PoolStats }

func (p fixedPool) Stats() executor.PoolStats { return p.stats }

func record(kind executor.Kind, res executor.Resource) executor.Record {
	return executor.Record{
		Backend: "process",
		Result: executor.Result{
			Outcome:  kind,
			Resource: res,
			Duration: 120 * time.Millisecond,
		},
	}
}

func TestMetrics_CountsOutcomes(t *testing.T) {
	m := metrics.New()
	ctx := context.Background()

	m.ExecutionFinished(ctx, record(executor.KindSuccess, ""))
	m.ExecutionFinished(ctx, record(executor.KindSuccess, ""))
	m.ExecutionFinished(ctx, record(executor.KindResourceExceeded, executor.ResourceMemory))
	m.ExecutionFinished(ctx, record(executor.KindSandboxViolation, ""))

	count, err := testutil.GatherAndCount(m.Registry(), "cellrunner_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "one series per (backend, outcome, resource)")

	count, err = testutil.GatherAndCount(m.Registry(), "cellrunner_sandbox_violations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_HandlerServesPoolGauges(t *testing.T) {
	m := metrics.New()
	m.WatchPool(fixedPool{executor.PoolStats{Running: 3, Queued: 2, MaxConcurrency: 4, QueueLength: 16}})
	m.ExecutionFinished(context.Background(), record(executor.KindSandboxViolation, ""))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "cellrunner_pool_running 3")
	assert.Contains(t, text, "cellrunner_pool_queued 2")
	assert.Contains(t, text, `cellrunner_sandbox_violations_total{backend="process"} 1`)
	assert.Contains(t, text, "cellrunner_execution_duration_seconds_bucket")
}
