// Package device holds the discovered-peer model and the monitored registry
// that tracks peers across lost/found transitions.
package device

import (
	"sync"
	"sync/atomic"

	"nearlink/internal/devinfo"
)

var uniqueIDCounter uint64

// PairingCallback receives the result of one pairing attempt. A nil error
// means the devices are paired.
type PairingCallback func(err error)

// Device represents one discovered peer. Identity (unique id and path) is
// fixed at construction; only cached display attributes and the lost flag
// mutate afterwards.
type Device struct {
	id   uint64
	path string

	propMu  sync.RWMutex
	name    string
	alias   string
	address string
	chassis string

	lost atomic.Bool

	pairMu      sync.Mutex
	onPairReply PairingCallback
}

// New constructs a Device with a fresh process-local unique id.
func New(path, address, name string) *Device {
	return &Device{
		id:      atomic.AddUint64(&uniqueIDCounter, 1),
		path:    path,
		address: address,
		name:    name,
	}
}

// UniqueID returns the process-local id assigned at construction. Ids are
// never reused while the process lives.
func (d *Device) UniqueID() uint64 { return d.id }

// Path returns the identity key the transport binding reported the device
// under.
func (d *Device) Path() string { return d.path }

// GetName returns the last known display name, preferring the user-assigned
// alias.
func (d *Device) GetName() string {
	d.propMu.RLock()
	defer d.propMu.RUnlock()
	if d.alias != "" {
		return d.alias
	}
	return d.name
}

// GetMacAddress returns the last known radio address.
func (d *Device) GetMacAddress() string {
	d.propMu.RLock()
	defer d.propMu.RUnlock()
	return d.address
}

// GetDeviceType classifies the peer's form factor from its cached chassis
// hint.
func (d *Device) GetDeviceType() devinfo.DeviceType {
	d.propMu.RLock()
	defer d.propMu.RUnlock()
	return devinfo.TypeFromChassis(d.chassis)
}

// UpdateName caches a new remote display name.
func (d *Device) UpdateName(name string) {
	d.propMu.Lock()
	d.name = name
	d.propMu.Unlock()
}

// UpdateAlias caches a new user-assigned alias.
func (d *Device) UpdateAlias(alias string) {
	d.propMu.Lock()
	d.alias = alias
	d.propMu.Unlock()
}

// UpdateAddress caches a refreshed radio address.
func (d *Device) UpdateAddress(address string) {
	d.propMu.Lock()
	d.address = address
	d.propMu.Unlock()
}

// UpdateChassis caches a refreshed form-factor hint.
func (d *Device) UpdateChassis(chassis string) {
	d.propMu.Lock()
	d.chassis = chassis
	d.propMu.Unlock()
}

// MarkLost flags the device as no longer visible. Idempotent.
func (d *Device) MarkLost() { d.lost.Store(true) }

// UnmarkLost clears the lost flag after the device is re-found. Idempotent.
func (d *Device) UnmarkLost() { d.lost.Store(false) }

// IsLost reports whether the binding last signaled disappearance.
func (d *Device) IsLost() bool { return d.lost.Load() }

// SetPairingCallback installs cb as the receiver of the next pairing result,
// replacing (and silently discarding) any callback that has not fired yet.
func (d *Device) SetPairingCallback(cb PairingCallback) {
	d.pairMu.Lock()
	d.onPairReply = cb
	d.pairMu.Unlock()
}

// ClearPairingCallback removes the pending callback without invoking it.
func (d *Device) ClearPairingCallback() {
	d.pairMu.Lock()
	d.onPairReply = nil
	d.pairMu.Unlock()
}

// OnPairingResult delivers the outcome of a pairing attempt. The callback
// slot is consumed before invocation, so each installed callback fires at
// most once, and it runs with no device lock held so it may safely re-enter
// the model.
func (d *Device) OnPairingResult(err error) {
	d.pairMu.Lock()
	cb := d.onPairReply
	d.onPairReply = nil
	d.pairMu.Unlock()
	if cb != nil {
		cb(err)
	}
}
