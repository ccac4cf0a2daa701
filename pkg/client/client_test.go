package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	v1 "github.com/metal-stack/node-agent/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sidecar is a minimal operation endpoint whose operations advance one state per poll
type sidecar struct {
	mu        sync.Mutex
	progress  map[string][]v1.OperationSnapshot
	polls     map[string]int
	submitted []string
}

func newSidecar(t *testing.T) (*sidecar, string) {
	s := &sidecar{
		progress: map[string][]v1.OperationSnapshot{},
		polls:    map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /operations/{kind}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.PathValue("kind") != v1.KindDecommission {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(v1.OperationError{Kind: v1.ErrorKindUnknownOperation, Message: "unknown"})
			return
		}

		s.mu.Lock()
		s.submitted = append(s.submitted, string(body))
		s.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(v1.SubmitResponse{ID: "op-1"})
	})
	mux.HandleFunc("GET /operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		id := r.PathValue("id")
		states, ok := s.progress[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(v1.OperationError{Kind: v1.ErrorKindNotFound, Message: "operation not found"})
			return
		}

		i := min(s.polls[id], len(states)-1)
		s.polls[id]++
		_ = json.NewEncoder(w).Encode(states[i])
	})
	mux.HandleFunc("GET /operations", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(v1.OperationList{Operations: []v1.OperationSnapshot{{ID: "op-1", State: v1.StateRunning}}})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(v1.NodeStatus{ReleaseVersion: "3.11.4", OperationMode: "NORMAL", ManagedVersion: "3.x"})
	})
	mux.HandleFunc("GET /broken/status", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return s, srv.URL
}

func (s *sidecar) pollCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[id]
}

func (s *sidecar) submissions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

func (s *sidecar) set(id string, states ...v1.OperationState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range states {
		snapshot := v1.OperationSnapshot{ID: id, Kind: v1.KindDecommission, State: st}
		if st == v1.StateFailed {
			snapshot.Error = &v1.OperationError{Kind: v1.ErrorKindDatabase, Message: "node is joining"}
		}
		s.progress[id] = append(s.progress[id], snapshot)
	}
}

func TestSubmitAndAwait(t *testing.T) {
	s, addr := newSidecar(t)
	s.set("op-1", v1.StatePending, v1.StateRunning, v1.StateRunning, v1.StateCompleted)

	c := New()

	id, err := c.Submit(context.Background(), addr, &v1.DecommissionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "op-1", id)
	assert.Equal(t, []string{"{}"}, s.submissions())

	snapshot, err := c.AwaitTerminal(context.Background(), addr, id, time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, v1.StateCompleted, snapshot.State)
	assert.Equal(t, 4, s.pollCount("op-1"))
}

func TestAwaitTerminal_FailedIsReturnedVerbatim(t *testing.T) {
	s, addr := newSidecar(t)
	s.set("op-1", v1.StateRunning, v1.StateFailed)

	snapshot, err := New().AwaitTerminal(context.Background(), addr, "op-1", time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, v1.StateFailed, snapshot.State)
	require.NotNil(t, snapshot.Error)
	assert.Equal(t, v1.ErrorKindDatabase, snapshot.Error.Kind)
	assert.Equal(t, "node is joining", snapshot.Error.Message)
}

func TestAwaitTerminal_Timeout(t *testing.T) {
	s, addr := newSidecar(t)
	s.set("op-1", v1.StateRunning)

	snapshot, err := New().AwaitTerminal(context.Background(), addr, "op-1", 5*time.Millisecond, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, v1.StateRunning, snapshot.State, "last observed state is returned")

	polls := s.pollCount("op-1")

	later, err := New().Poll(context.Background(), addr, "op-1")
	require.NoError(t, err)
	assert.Equal(t, v1.StateRunning, later.State, "remote operation is untouched by the timeout")
	assert.Equal(t, polls+1, s.pollCount("op-1"), "no polling continues after the timeout")
}

func TestAwaitTerminal_Cancelled(t *testing.T) {
	s, addr := newSidecar(t)
	s.set("op-1", v1.StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := New().AwaitTerminal(ctx, addr, "op-1", 5*time.Millisecond, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrPollTimeout)
}

func TestAwaitTerminal_UnknownOperation(t *testing.T) {
	_, addr := newSidecar(t)

	_, err := New().AwaitTerminal(context.Background(), addr, "missing", time.Millisecond, time.Minute)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusNotFound, remoteErr.StatusCode)
	assert.Equal(t, v1.ErrorKindNotFound, remoteErr.Kind)
}

func TestSubmit_RemoteError(t *testing.T) {
	_, addr := newSidecar(t)

	_, err := New().Submit(context.Background(), addr, &v1.CleanupRequest{})

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusNotFound, remoteErr.StatusCode)
	assert.Equal(t, v1.ErrorKindUnknownOperation, remoteErr.Kind)
}

func TestListAndNodeStatus(t *testing.T) {
	_, addr := newSidecar(t)
	c := New()

	ops, err := c.List(context.Background(), addr)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-1", ops[0].ID)

	status, err := c.NodeStatus(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, &v1.NodeStatus{ReleaseVersion: "3.11.4", OperationMode: "NORMAL", ManagedVersion: "3.x"}, status)

	_, err = c.NodeStatus(context.Background(), addr+"/broken")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusBadGateway, remoteErr.StatusCode)
	assert.Empty(t, remoteErr.Kind)
	assert.Equal(t, "bad gateway", remoteErr.Message)
}

func TestInvalidAddress(t *testing.T) {
	_, err := New().Poll(context.Background(), "localhost:8080", "op-1")
	require.Error(t, err)
}
