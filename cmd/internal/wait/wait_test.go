package wait

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	v1 "github.com/metal-stack/node-agent/api/v1"
	"github.com/metal-stack/node-agent/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		switch calls.Add(1) {
		case 1:
			http.Error(w, "database unreachable", http.StatusBadGateway)
		case 2:
			_ = json.NewEncoder(w).Encode(v1.NodeStatus{ReleaseVersion: "3.11.4", OperationMode: "JOINING"})
		default:
			_ = json.NewEncoder(w).Encode(v1.NodeStatus{ReleaseVersion: "3.11.4", OperationMode: "NORMAL"})
		}
	}))
	defer srv.Close()

	err := start(context.Background(), slog.Default(), client.New(), srv.URL, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}
