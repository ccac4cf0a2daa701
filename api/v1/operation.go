package v1

import (
	"encoding/json"
	"time"
)

// OperationState is the lifecycle state of an operation.
type OperationState string

const (
	StatePending   OperationState = "PENDING"
	StateRunning   OperationState = "RUNNING"
	StateCompleted OperationState = "COMPLETED"
	StateFailed    OperationState = "FAILED"
)

// IsTerminal returns true for COMPLETED and FAILED.
func (s OperationState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Rank orders states along the lifecycle, terminal states share the highest rank.
func (s OperationState) Rank() int {
	switch s {
	case StatePending:
		return 0
	case StateRunning:
		return 1
	case StateCompleted, StateFailed:
		return 2
	default:
		return -1
	}
}

// ErrorKind classifies why an operation failed.
type ErrorKind string

const (
	ErrorKindLockUnavailable ErrorKind = "lock_unavailable"
	ErrorKindStorage         ErrorKind = "storage"
	ErrorKindInvalidKey      ErrorKind = "invalid_key"
	ErrorKindVersion         ErrorKind = "version"
	ErrorKindIntegrity       ErrorKind = "integrity"
	ErrorKindDatabase        ErrorKind = "database"
	ErrorKindInternal        ErrorKind = "internal"

	// returned synchronously on submission only
	ErrorKindUnknownOperation ErrorKind = "unknown_operation"
	ErrorKindInvalidRequest   ErrorKind = "invalid_request"
	ErrorKindQueueFull        ErrorKind = "queue_full"
	ErrorKindNotFound         ErrorKind = "not_found"
)

// OperationError is attached to failed operations and returned as error body by the endpoint.
type OperationError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *OperationError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// OperationSnapshot is a point in time copy of an operation.
type OperationSnapshot struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	State       OperationState  `json:"state"`
	Error       *OperationError `json:"error,omitempty"`
	Request     json.RawMessage `json:"request,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// SubmitResponse is returned when an operation was accepted.
type SubmitResponse struct {
	ID string `json:"id"`
}

// OperationList is returned when listing all operations of a node.
type OperationList struct {
	Operations []OperationSnapshot `json:"operations"`
}

// NodeStatus describes the database node the sidecar runs next to.
type NodeStatus struct {
	ReleaseVersion string `json:"releaseVersion"`
	OperationMode  string `json:"operationMode"`
	ManagedVersion string `json:"managedVersion,omitempty"`
}
