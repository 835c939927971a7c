//go:build linux

package devinfo

import (
	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	hostnameService = "org.freedesktop.hostname1"
	hostnamePath    = "/org/freedesktop/hostname1"
	hostnameIface   = "org.freedesktop.hostname1"
	propsIface      = "org.freedesktop.DBus.Properties"
)

// Host reads local device identity from systemd-hostnamed over the system
// bus. Property failures are logged and degraded to zero values; nothing
// here is fatal.
type Host struct {
	bus *dbus.Conn
	log *logrus.Entry
}

// NewHost connects to the system bus.
func NewHost(log *logrus.Entry) (*Host, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return &Host{bus: bus, log: log.WithField("component", "devinfo")}, nil
}

// Close releases the bus connection.
func (h *Host) Close() error { return h.bus.Close() }

func (h *Host) property(name string) string {
	obj := h.bus.Object(hostnameService, dbus.ObjectPath(hostnamePath))
	var v dbus.Variant
	call := obj.Call(propsIface+".Get", 0, hostnameIface, name)
	if call.Err != nil {
		h.log.WithError(call.Err).WithField("property", name).Warn("hostnamed property read failed")
		return ""
	}
	if err := call.Store(&v); err != nil {
		h.log.WithError(err).WithField("property", name).Warn("hostnamed property decode failed")
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

// DeviceName returns the host's pretty hostname, falling back to the static
// hostname.
func (h *Host) DeviceName() string {
	if name := h.property("PrettyHostname"); name != "" {
		return name
	}
	return h.property("Hostname")
}

// DeviceType classifies the local machine from its hostnamed chassis.
func (h *Host) DeviceType() DeviceType {
	return TypeFromChassis(h.property("Chassis"))
}
