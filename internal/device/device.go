package device

import (
	"context"
	"errors"
	"fmt"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ConnectionStatus is the connectivity of a link as last reported by the platform.
type ConnectionStatus int

const (
	Offline ConnectionStatus = iota
	Online
)

func (s ConnectionStatus) String() string {
	if s == Online {
		return "Online"
	}
	return "Offline"
}

// Advertisement is a single discovery record.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
	Services() []string
}

// Central discovers peripherals and opens links to them.
type Central interface {
	// Scan reports advertisements until ctx is done. Returns nil on cancellation.
	Scan(ctx context.Context, handler func(Advertisement)) error

	// Connect opens a link. The link stays usable after a drop: Probe re-establishes it.
	Connect(ctx context.Context, address string) (Link, error)
}

// Link is a handle to one peripheral.
type Link interface {
	Address() string
	IsConnected() bool

	// Characteristic looks a characteristic up in the discovered profile.
	// Returns *NotFoundError when the service or characteristic is absent.
	Characteristic(service, uuid string) (Characteristic, error)

	// Probe performs a harmless service query. On a dropped link it nudges the
	// platform into reconnecting.
	Probe(ctx context.Context) error

	// SetStatusHandler registers the connectivity-changed callback (nil to unregister).
	// fn runs on a platform goroutine and is never invoked synchronously from
	// another Link or Characteristic method, so callers may hold their own
	// locks across Write, Subscribe or Probe.
	SetStatusHandler(fn func(ConnectionStatus))

	Close() error
}

// Pairer is implemented by links whose platform requires explicit pairing.
type Pairer interface {
	IsPaired() bool
	Pair(ctx context.Context) error
}

// Characteristic is a GATT characteristic on a connected link.
type Characteristic interface {
	UUID() string
	Write(data []byte, withResponse bool) error

	// Subscribe enables notifications. The handler runs on platform goroutines
	// and must not retain data after returning.
	Subscribe(handler func(data []byte)) (Subscription, error)
}

// Subscription is released once to stop notification delivery.
type Subscription interface {
	Release() error
}

// ReleaseFunc adapts a function to Subscription.
type ReleaseFunc func() error

func (f ReleaseFunc) Release() error { return f() }
