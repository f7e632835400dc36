package telemetry

import "fmt"

// Kind tags a channel-internal error with the category the channel's state
// machine reacts to.
type Kind int

const (
	// KindCancelled is synthesized as the suspend cause on disable and
	// shutdown, and for logs dropped by discard mode or the discard drain.
	KindCancelled Kind = iota
	// KindRecoverableTransport covers network-offline, timeout, reset,
	// and 5xx/408/429 responses. The batch is retained and the channel
	// suspends with retain semantics.
	KindRecoverableTransport
	// KindFatalTransport covers any other non-2xx response. The batch
	// will never be accepted as-is; the channel suspends with discard
	// semantics.
	KindFatalTransport
	// KindSerialization means the serializer refused the log. The row is
	// never persisted; the producer is not notified.
	KindSerialization
	// KindStore means the log store failed (disk, quota, corruption).
	// The enqueue is silently dropped after a warning log.
	KindStore
	// KindDeviceInfo means the device snapshot could not be built. The
	// log is dropped with a warning.
	KindDeviceInfo
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindRecoverableTransport:
		return "recoverable_transport_error"
	case KindFatalTransport:
		return "fatal_transport_error"
	case KindSerialization:
		return "serialization_error"
	case KindStore:
		return "store_error"
	case KindDeviceInfo:
		return "device_info_error"
	default:
		return "unknown"
	}
}

// Error is the tagged error variant the channel's state machine dispatches
// on. Cause may be nil (e.g. for a synthesized Cancelled).
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Recoverable reports whether the channel should retain and retry (true)
// or discard (false) the batch associated with this error.
func (e *Error) Recoverable() bool { return e.Kind == KindRecoverableTransport }

// Cancelled synthesizes the error reported for logs the channel discards
// without sending: logs enqueued in discard mode and rows erased by the
// discard drain. It is also the suspend cause on disable and shutdown; a
// disabled channel that is not in discard mode still persists new logs.
func Cancelled() *Error { return &Error{Kind: KindCancelled} }

// RecoverableTransportError wraps a transport-layer cause classified as
// recoverable (network error, timeout, 5xx, 408, 429).
func RecoverableTransportError(cause error) *Error {
	return &Error{Kind: KindRecoverableTransport, Cause: cause}
}

// FatalTransportError wraps a transport-layer cause classified as fatal
// (any other non-2xx response).
func FatalTransportError(cause error) *Error {
	return &Error{Kind: KindFatalTransport, Cause: cause}
}

// SerializationError wraps a serializer failure.
func SerializationError(cause error) *Error {
	return &Error{Kind: KindSerialization, Cause: cause}
}

// StoreError wraps a log store failure.
func StoreError(cause error) *Error {
	return &Error{Kind: KindStore, Cause: cause}
}

// DeviceInfoError wraps a device snapshot collection failure.
func DeviceInfoError(cause error) *Error {
	return &Error{Kind: KindDeviceInfo, Cause: cause}
}
