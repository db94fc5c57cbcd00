package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/gradebox/sandbox"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	t.Run("Sandboxes", func(t *testing.T) {
		m.SandboxCreated("python")
		m.SandboxCreated("python")
		m.SandboxDestroyed("python")

		assert.Equal(t, 2.0, testutil.ToFloat64(m.sandboxesCreated.WithLabelValues("python")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.sandboxesActive.WithLabelValues("python")))
	})

	t.Run("Executions", func(t *testing.T) {
		m.ExecutionFinished("python", sandbox.StateCompleted.String(), 300*time.Millisecond)
		m.ExecutionFinished("python", sandbox.StateTimedOut.String(), 5*time.Second)

		assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("python", "completed")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("python", "timed_out")))
		assert.Equal(t, 1, testutil.CollectAndCount(m.executionDuration))
	})

	t.Run("Workdirs", func(t *testing.T) {
		m.WorkdirAcquired()
		m.WorkdirAcquired()
		m.WorkdirReleased()
		m.CleanupFailed("volume")

		assert.Equal(t, 1.0, testutil.ToFloat64(m.workdirsActive))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.cleanupFailures.WithLabelValues("volume")))
	})

	t.Run("Requests", func(t *testing.T) {
		m.RequestHandled("run", "ok", 10*time.Millisecond)
		m.RequestHandled("run", string(sandbox.KindUnknownProfile), time.Millisecond)
		m.RequestDropped("duplicate")
		m.BrokerError()

		assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("run", "ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("run", "UnknownProfile")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsDropped.WithLabelValues("duplicate")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.brokerErrors))
	})

	t.Run("DoubleRegistration", func(t *testing.T) {
		_, err := New(reg)
		require.Error(t, err)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.SandboxCreated("gcc")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `gradebox_sandboxes_created_total{profile="gcc"} 1`))
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer(zaptest.NewLogger(t), "127.0.0.1:0", prometheus.NewRegistry())
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}
