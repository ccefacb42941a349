package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pharmatrace/internal/holdings"
	"github.com/drfirst/go-pharmatrace/internal/ledger"
	"github.com/drfirst/go-pharmatrace/pkg/circuitbreaker"
)

func TestMetrics_LedgerObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())
	var obs ledger.Observer = m

	obs.OperationCompleted(ledger.OpTransfer, nil, 3*time.Millisecond)
	obs.OperationCompleted(ledger.OpTransfer, ledger.ErrSameOwner, time.Millisecond)
	obs.OperationCompleted(ledger.OpCreate, ledger.ErrBusy, time.Millisecond)
	obs.LockBusy()
	obs.LockWaited(time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("transfer_batch", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("transfer_batch", "same_owner")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("create_batch", "busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockBusyTotal))
}

func TestMetrics_IndexerAndRelay(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.OutboxPublished("custody.events", nil)
	m.OutboxPublished("custody.events", errors.New("broker down"))
	m.OutboxPending(7)
	m.ConsumerLag(map[string]int64{"custody.events": 12})
	m.ProjectionOutcome(holdings.OutcomeApplied, nil)
	m.ProjectionOutcome(holdings.OutcomeDuplicate, nil)
	m.ProjectionOutcome("", errors.New("redis down"))
	m.ArchiveWritten(true, nil)
	m.ArchiveWritten(false, nil)
	m.BreakerStateChanged("holdings", circuitbreaker.StateOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxPublishes.WithLabelValues("custody.events", "error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.OutboxPendingGauge))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.ConsumerLagGauge.WithLabelValues("custody.events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProjectionApplied.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProjectionApplied.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArchiveWrites.WithLabelValues("exists")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("holdings")))

	m.BreakerStateChanged("holdings", circuitbreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("holdings")))
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.LockBusy()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ledger_lock_busy_total 1"))
}
