package operations

import (
	"errors"
	"fmt"

	v1 "github.com/metal-stack/node-agent/api/v1"
	"github.com/metal-stack/node-agent/cmd/internal/database"
	"github.com/metal-stack/node-agent/cmd/internal/lock"
	"github.com/metal-stack/node-agent/cmd/internal/storage"
	"github.com/metal-stack/node-agent/cmd/internal/version"
)

var (
	// ErrUnknownOperationKind is returned on submission of a kind that is not registered
	ErrUnknownOperationKind = errors.New("unknown operation kind")
	// ErrInvalidRequest is returned when a request cannot be decoded or validated
	ErrInvalidRequest = errors.New("invalid request")
	// ErrQueueFull is returned when no more operations can be accepted
	ErrQueueFull = errors.New("operation queue is full")
	// ErrNotFound is returned for unknown operation ids
	ErrNotFound = errors.New("operation not found")
	// ErrIntegrity is returned when transferred data does not match what was recorded for it
	ErrIntegrity = errors.New("integrity check failed")
)

// PanicError is the failure recorded for an operation body that panicked.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", p.Value)
}

// Classify maps an operation failure to the error attached to the FAILED operation.
func Classify(err error) *v1.OperationError {
	if err == nil {
		return nil
	}

	var (
		kind       v1.ErrorKind
		backendErr *storage.BackendError
	)

	switch {
	case errors.Is(err, lock.ErrLockUnavailable):
		kind = v1.ErrorKindLockUnavailable
	case errors.Is(err, storage.ErrInvalidKey):
		kind = v1.ErrorKindInvalidKey
	case errors.Is(err, version.ErrDigestMismatch), errors.Is(err, ErrIntegrity):
		kind = v1.ErrorKindIntegrity
	case errors.Is(err, version.ErrMalformedVersion), errors.Is(err, version.ErrUnsupportedVersion):
		kind = v1.ErrorKindVersion
	case errors.As(err, &backendErr):
		kind = v1.ErrorKindStorage
	case errors.Is(err, database.ErrAdmin):
		kind = v1.ErrorKindDatabase
	default:
		kind = v1.ErrorKindInternal
	}

	return &v1.OperationError{
		Kind:    kind,
		Message: err.Error(),
	}
}
