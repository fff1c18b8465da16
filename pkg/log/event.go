package log

import (
	"time"
)

// Event represents a connection lifecycle event captured by the endpoint.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the connection (UUID).
	// Empty for listener events.
	ConnectionID string `cbor:"2,keyasint,omitempty"`

	// Category classifies the event type.
	Category Category `cbor:"3,keyasint"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"4,keyasint,omitempty"`

	// LocalAddr is the listener address (IP:port).
	LocalAddr string `cbor:"5,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	StateChange *StateChangeEvent `cbor:"6,keyasint,omitempty"`
	Handshake   *HandshakeEvent   `cbor:"7,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"8,keyasint,omitempty"`
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryState indicates a state change.
	CategoryState Category = 0
	// CategoryHandshake indicates a completed security handshake.
	CategoryHandshake Category = 1
	// CategoryError indicates an error event.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryState:
		return "STATE"
	case CategoryHandshake:
		return "HANDSHAKE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory maps a category name back to its value.
func ParseCategory(s string) (Category, bool) {
	for _, c := range []Category{CategoryState, CategoryHandshake, CategoryError} {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// StateChangeEvent captures a listener or connection state transition.
type StateChangeEvent struct {
	// Entity is what changed state.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityListener indicates a listener state change.
	StateEntityListener StateEntity = 0
	// StateEntityConnection indicates a connection state change.
	StateEntityConnection StateEntity = 1
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityListener:
		return "LISTENER"
	case StateEntityConnection:
		return "CONNECTION"
	default:
		return "UNKNOWN"
	}
}

// Listener and connection states.
const (
	StateListening   = "LISTENING"
	StateClosed      = "CLOSED"
	StateAccepted    = "ACCEPTED"
	StateEstablished = "ESTABLISHED"
	StateRefused     = "REFUSED"
	StateFailed      = "FAILED"
)

// HandshakeEvent records what was negotiated during the security handshake.
type HandshakeEvent struct {
	// Protocol is the negotiated ALPN identifier, or "<none>".
	Protocol string `cbor:"1,keyasint"`

	// TLSVersion is the negotiated TLS version.
	TLSVersion uint16 `cbor:"2,keyasint"`

	// CipherSuite is the negotiated cipher suite.
	CipherSuite uint16 `cbor:"3,keyasint"`

	// ServerName is the SNI value sent by the peer.
	ServerName string `cbor:"4,keyasint,omitempty"`

	// Duration is the time from accept to handshake completion.
	Duration time.Duration `cbor:"5,keyasint"`
}

// ErrorEventData captures an error.
type ErrorEventData struct {
	// Stage is where the error occurred.
	Stage ErrorStage `cbor:"1,keyasint"`

	// Message is the error text.
	Message string `cbor:"2,keyasint"`

	// Code is the transport error code, if any.
	Code *uint64 `cbor:"3,keyasint,omitempty"`
}

// ErrorStage identifies where in the connection lifecycle an error occurred.
type ErrorStage uint8

const (
	// StageAccept is an error returned by the listener.
	StageAccept ErrorStage = 0
	// StageHandshake is a failed or abandoned handshake.
	StageHandshake ErrorStage = 1
	// StageAdmission is a connection refused by the admission limit.
	StageAdmission ErrorStage = 2
)

// String returns the stage name.
func (s ErrorStage) String() string {
	switch s {
	case StageAccept:
		return "ACCEPT"
	case StageHandshake:
		return "HANDSHAKE"
	case StageAdmission:
		return "ADMISSION"
	default:
		return "UNKNOWN"
	}
}
