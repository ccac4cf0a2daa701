package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	v1 "github.com/metal-stack/node-agent/api/v1"
)

// ErrPollTimeout is returned by AwaitTerminal when the operation did not finish in time.
// The remote operation is not affected.
var ErrPollTimeout = errors.New("timed out waiting for operation")

var errNotTerminal = errors.New("operation not yet terminal")

// RemoteError is returned for non-2xx responses of a sidecar
type RemoteError struct {
	StatusCode int
	Kind       v1.ErrorKind
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("sidecar responded with %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sidecar responded with %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

// Client talks to the operation endpoint of node agents. It is not bound to a single sidecar,
// every call names the address it is sent to.
type Client struct {
	log *slog.Logger
	hc  *http.Client
}

type Option func(c *Client)

// WithHTTPClient replaces the default http client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// WithLogger sets the logger used while awaiting operations
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New returns a new node agent client.
func New(opts ...Option) *Client {
	c := &Client{
		log: slog.New(slog.DiscardHandler),
		hc:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func endpoint(address string, elems ...string) (string, error) {
	parsedurl, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	if parsedurl.Host == "" {
		return "", fmt.Errorf("invalid url:%s, must be in the form scheme://host[:port]/basepath", address)
	}

	escaped := make([]string, 0, len(elems))
	for _, e := range elems {
		escaped = append(escaped, url.PathEscape(e))
	}

	return parsedurl.JoinPath(escaped...).String(), nil
}

func (c *Client) do(ctx context.Context, method, address string, body io.Reader, into any, elems ...string) error {
	u, err := endpoint(address, elems...)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("unable to reach sidecar %s: %w", address, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("unable to read response of sidecar %s: %w", address, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remoteErr := &RemoteError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}

		var opErr v1.OperationError
		if json.Unmarshal(data, &opErr) == nil && opErr.Kind != "" {
			remoteErr.Kind = opErr.Kind
			remoteErr.Message = opErr.Message
		}

		return remoteErr
	}

	if into == nil {
		return nil
	}

	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("unable to decode response of sidecar %s: %w", address, err)
	}

	return nil
}

// Submit sends the request to the sidecar and returns the id of the created operation.
// The call is never retried, a resubmission could run the operation twice.
func (c *Client) Submit(ctx context.Context, address string, req v1.Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("unable to encode %s request: %w", req.Kind(), err)
	}

	var resp v1.SubmitResponse
	if err := c.do(ctx, http.MethodPost, address, bytes.NewReader(body), &resp, "operations", req.Kind()); err != nil {
		return "", err
	}

	return resp.ID, nil
}

// Poll reads the current state of an operation once
func (c *Client) Poll(ctx context.Context, address, id string) (v1.OperationSnapshot, error) {
	var snapshot v1.OperationSnapshot
	if err := c.do(ctx, http.MethodGet, address, nil, &snapshot, "operations", id); err != nil {
		return v1.OperationSnapshot{}, err
	}
	return snapshot, nil
}

// AwaitTerminal polls the operation until it is COMPLETED or FAILED and returns its final snapshot.
//
// A FAILED operation is returned as is, without error. ErrPollTimeout is returned if the
// operation is not terminal after timeout, cancelling ctx stops polling. Neither touches the
// remote operation. Unreachable sidecars are polled again, error responses end the wait.
func (c *Client) AwaitTerminal(ctx context.Context, address, id string, interval, timeout time.Duration) (v1.OperationSnapshot, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last v1.OperationSnapshot

	snapshot, err := retry.DoWithData(
		func() (v1.OperationSnapshot, error) {
			s, err := c.Poll(pollCtx, address, id)
			if err != nil {
				return s, err
			}
			last = s
			if !s.State.IsTerminal() {
				return s, errNotTerminal
			}
			return s, nil
		},
		retry.Context(pollCtx),
		retry.Attempts(0),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var remoteErr *RemoteError
			return !errors.As(err, &remoteErr)
		}),
		retry.OnRetry(func(n uint, err error) {
			if errors.Is(err, errNotTerminal) {
				c.log.Debug("operation not yet terminal", "id", id, "state", last.State, "attempt", n)
				return
			}
			c.log.Error("error polling operation", "id", id, "attempt", n, "error", err)
		}),
	)
	if err == nil {
		return snapshot, nil
	}

	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	if pollCtx.Err() != nil {
		return last, fmt.Errorf("%w %s after %s, last state %q", ErrPollTimeout, id, timeout, last.State)
	}

	return last, err
}

// List returns all operations known to the sidecar in submission order
func (c *Client) List(ctx context.Context, address string) ([]v1.OperationSnapshot, error) {
	var list v1.OperationList
	if err := c.do(ctx, http.MethodGet, address, nil, &list, "operations"); err != nil {
		return nil, err
	}
	return list.Operations, nil
}

// NodeStatus returns the status the database node reports to its sidecar
func (c *Client) NodeStatus(ctx context.Context, address string) (*v1.NodeStatus, error) {
	var status v1.NodeStatus
	if err := c.do(ctx, http.MethodGet, address, nil, &status, "status"); err != nil {
		return nil, err
	}
	return &status, nil
}
