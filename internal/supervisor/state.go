package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// State is the connectivity state of the link or the transport.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON health output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Link is the network association (device to access point). The host
// operating system usually owns association; Connect waits for it.
type Link interface {
	// Connect makes one attempt to bring the link up.
	Connect(ctx context.Context) error
	// Status reports the current link state without blocking.
	Status() State
	// LocalAddress returns the link's address, or nil when down.
	LocalAddress() net.IP
}

// Transport is the publish/subscribe broker connection.
type Transport interface {
	// Connect makes one attempt to establish the broker session.
	Connect(ctx context.Context) error
	// Publish sends payload on topic. An error means the message was
	// not delivered and the session should be considered lost.
	Publish(ctx context.Context, topic string, payload []byte) error
	// IsConnected reports whether the session is believed alive.
	IsConnected() bool
	// Poll services the transport's internal state once per loop tick.
	Poll()
	// Close tears the session down. It is safe to call on a dead session.
	Close(ctx context.Context) error
}

// Announcer is implemented by transports that publish an availability
// message before a graceful shutdown.
type Announcer interface {
	AnnounceOffline(ctx context.Context) error
}

var (
	// ErrTransportNotConnected is returned by Publish when the transport
	// is not in the Connected state. The transport is not touched.
	ErrTransportNotConnected = errors.New("transport not connected")

	// ErrNoTransport is returned when the device runs without a publish
	// transport (HTTP-only mode).
	ErrNoTransport = errors.New("no transport configured")
)

// Reasoner is implemented by driver errors that carry a short reason
// code for diagnostics, e.g. rc=5.
type Reasoner interface {
	Reason() string
}

// ReasonOf extracts a reason code from err, or "error" when none is
// attached.
func ReasonOf(err error) string {
	var r Reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

// ConnectError reports that establishing the link or transport gave up,
// either because the retry policy was exhausted or the context ended.
type ConnectError struct {
	Target   string // "link" or "transport"
	Attempts int
	Reason   string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connect failed after %d attempts (%s): %v", e.Target, e.Attempts, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ConnStatus is the health of one connection, suitable for JSON
// serialization in health endpoints.
type ConnStatus struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Since     time.Time `json:"since,omitzero"`
	Attempts  int       `json:"attempts"`
	Exhausted bool      `json:"exhausted"`
	Drops     int       `json:"drops"`
	LastError string    `json:"last_error,omitempty"`
}

// Status is a snapshot of both connections.
type Status struct {
	Link      ConnStatus  `json:"link"`
	Transport *ConnStatus `json:"transport,omitempty"`
}

// Healthy reports false when a bounded retry policy has given up on
// either connection.
func (s Status) Healthy() bool {
	if s.Link.Exhausted {
		return false
	}
	return s.Transport == nil || !s.Transport.Exhausted
}
