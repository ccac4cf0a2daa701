package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationCounters(t *testing.T) {
	m := New()

	m.OperationSubmitted("backup")
	m.OperationStarted("backup")
	assert.InDelta(t, 1, testutil.ToFloat64(m.running.WithLabelValues("backup")), 0)

	m.OperationFinished("backup", "COMPLETED", true)
	assert.InDelta(t, 0, testutil.ToFloat64(m.running.WithLabelValues("backup")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.finished.WithLabelValues("backup", "COMPLETED")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.submitted.WithLabelValues("backup")), 0)

	m.OperationFinished("restore", "FAILED", false)
	assert.InDelta(t, 0, testutil.ToFloat64(m.running.WithLabelValues("restore")), 0)

	m.CountTransfer("backup", "upload", 42)
	assert.InDelta(t, 42, testutil.ToFloat64(m.transferBytes.WithLabelValues("backup", "upload")), 0)

	m.CountBackup(100, nil)
	assert.InDelta(t, 1, testutil.ToFloat64(m.backupSuccess), 0)
	assert.InDelta(t, 100, testutil.ToFloat64(m.backupSize), 0)

	m.CountBackup(0, errors.New("boom"))
	assert.InDelta(t, 0, testutil.ToFloat64(m.backupSuccess), 0)
}

func TestHandler(t *testing.T) {
	m := New()
	m.CountLockConflict()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "node_agent_transfer_lock_conflicts_total 1")
}
