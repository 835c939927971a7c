// Package medium defines the contract between the proximity core and the
// platform transport binding, the layer that speaks the actual radio/bus
// protocol to peer devices.
//
// Thread-safety: implementations must accept concurrent calls on every
// method. Callbacks (DiscoverySink methods, pairing results, inbound byte
// delivery) may be invoked from binding-owned goroutines; the core never
// assumes a particular delivery thread.
package medium

import (
	"fmt"
)

const (
	// ProximityUUID is the service UUID advertised and discovered by peers
	// running this stack.
	ProximityUUID = "0000fe2c-0000-1000-8000-00805f9b34fb"

	// DefaultChannel is the fixed RFCOMM channel used for the byte transport
	// profile on platforms that multiplex by channel.
	DefaultChannel uint8 = 24
)

// DeviceInfo is a discovery snapshot for one peer.
//
// Path is required and is the stable identity key (BlueZ Device1 object path
// on Linux). Other fields are optional and may be empty depending on what the
// binding has resolved so far.
type DeviceInfo struct {
	Path    string // required: identity of the device within the binding
	Address string // optional: radio address (e.g. Bluetooth MAC)
	Name    string // optional: remote display name
	Alias   string // optional: user-assigned alias, preferred over Name for display
	Chassis string // optional: remote form-factor hint ("phone", "laptop", ...)
}

// DisplayName returns Alias when set, falling back to Name.
func (d DeviceInfo) DisplayName() string {
	if d.Alias != "" {
		return d.Alias
	}
	return d.Name
}

// Filter narrows discovery to peers advertising any of the given service
// UUIDs. An empty filter discovers every visible peer.
type Filter struct {
	UUIDs []string
}

// AdvertiseRequest describes one broadcast operation.
type AdvertiseRequest struct {
	// ServiceName is the human-readable name attached to the advertisement.
	ServiceName string
	// ServiceUUID identifies the advertised service; defaults to
	// ProximityUUID when empty.
	ServiceUUID string
	// Payload is the opaque advertisement payload. Encoding is the binding's
	// concern, not this core's.
	Payload []byte
}

// AdvertiseHandle identifies one active advertisement inside the binding.
// Opaque to the core; released via StopAdvertise.
type AdvertiseHandle interface {
	ID() string
}

// DiscoverySink receives asynchronous discovery notifications from the
// binding. Implementations must not block; they may be called from any
// binding goroutine.
type DiscoverySink interface {
	// DeviceDiscovered reports a newly visible peer, or a refresh of an
	// already known one.
	DeviceDiscovered(info DeviceInfo)

	// DeviceRemoved reports that the binding no longer tracks the peer.
	DeviceRemoved(path string)

	// PropertiesChanged reports changed property values and names whose
	// cached values are no longer valid. Unknown property names must be
	// tolerated by the sink.
	PropertiesChanged(path string, changed map[string]any, invalidated []string)
}

// DiscoveryHandle represents one active discovery operation.
//
// Stop halts discovery and is idempotent. After Stop returns, the binding
// delivers no further notifications to the sink passed to DiscoverDevices.
type DiscoveryHandle struct {
	stop func()
}

// NewDiscoveryHandle wraps a binding stop function. The binding must make
// stop safe for redundant calls.
func NewDiscoveryHandle(stop func()) *DiscoveryHandle {
	return &DiscoveryHandle{stop: stop}
}

// Stop halts the discovery operation.
func (h *DiscoveryHandle) Stop() {
	if h != nil && h.stop != nil {
		h.stop()
	}
}

// Medium is the single surface the core consumes from a platform binding.
// One implementation exists per target platform; the core never depends on a
// concrete binding type.
type Medium interface {
	// DiscoverDevices begins discovery with the given filter, delivering
	// results to sink until the returned handle is stopped. Discovery is
	// restartable: a new call after a stop begins a fresh operation.
	// Contract:
	//   - Every DeviceInfo delivered has a non-empty Path.
	//   - After DiscoveryHandle.Stop returns, no further sink calls are made
	//     for that registration (guaranteed ordering, not just eventual).
	DiscoverDevices(filter Filter, sink DiscoverySink) (*DiscoveryHandle, error)

	// ReadProperty reads a single named property of the identified device.
	// Failures are reported as *Error with a FailureReason; callers are
	// expected to degrade to cached values rather than propagate.
	ReadProperty(path, name string) (any, error)

	// Pair initiates pairing with the identified device. The result is
	// delivered asynchronously via done, exactly once per call, from a
	// binding goroutine. A nil error means the devices are paired.
	Pair(path string, done func(error))

	// Advertise starts a broadcast operation. On success the returned handle
	// must eventually be released with StopAdvertise.
	Advertise(req AdvertiseRequest) (AdvertiseHandle, error)

	// StopAdvertise releases an advertising handle. Unknown or already
	// released handles are a no-op.
	StopAdvertise(h AdvertiseHandle)

	// SendBytes transmits p to the identified endpoint over an established
	// link. No partial write occurs on failure.
	SendBytes(endpoint string, p []byte) error

	// Close releases binding resources. Safe for concurrent and redundant
	// calls; after Close, other methods return an error.
	Close() error
}

// FailureReason classifies a binding failure.
type FailureReason int

const (
	// ReasonInternal is a bug inside the binding or an unclassifiable error.
	ReasonInternal FailureReason = iota
	// ReasonUnavailable means the remote object or service is not reachable
	// right now (device out of range, daemon not running).
	ReasonUnavailable
	// ReasonTimeout means the operation did not complete in time.
	ReasonTimeout
	// ReasonPermissionDenied means the caller lacks access to the resource.
	ReasonPermissionDenied
	// ReasonNotSupported means the platform cannot perform the operation.
	ReasonNotSupported
	// ReasonFailedPrecondition means the system is not in a state required
	// for the operation (e.g. adapter powered off).
	ReasonFailedPrecondition
)

func (r FailureReason) String() string {
	switch r {
	case ReasonUnavailable:
		return "unavailable"
	case ReasonTimeout:
		return "timeout"
	case ReasonPermissionDenied:
		return "permission denied"
	case ReasonNotSupported:
		return "not supported"
	case ReasonFailedPrecondition:
		return "failed precondition"
	default:
		return "internal"
	}
}

// Error is a typed binding failure. Failures crossing the medium boundary are
// always an *Error so the core can branch on Reason without knowing the
// binding's native error vocabulary.
type Error struct {
	Reason FailureReason
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("medium: %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("medium: %s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed failure for an operation.
func NewError(reason FailureReason, op string, err error) *Error {
	return &Error{Reason: reason, Op: op, Err: err}
}

// ReasonOf extracts the FailureReason from err, defaulting to ReasonInternal
// for foreign errors.
func ReasonOf(err error) FailureReason {
	if me, ok := err.(*Error); ok {
		return me.Reason
	}
	return ReasonInternal
}
