//go:build linux

package medium

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	bluezService        = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	advertIface         = "org.bluez.LEAdvertisement1"
	advertManagerIface  = "org.bluez.LEAdvertisingManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"
)

var exportCounter uint64

var _ Medium = (*LinuxMedium)(nil)

// NewLinux creates a BlueZ-backed Medium on the system bus.
func NewLinux(log *logrus.Entry) *LinuxMedium {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LinuxMedium{
		log:         log.WithField("component", "medium"),
		discoveries: make(map[uint64]*discovery),
		endpoints:   make(map[string]*os.File),
	}
}

// LinuxMedium implements Medium over BlueZ D-Bus. Inbound bytes arrive
// through the registered profile and are handed to the inbound handler set
// with SetInboundHandler.
type LinuxMedium struct {
	log *logrus.Entry

	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn

	sigCh             chan *dbus.Signal
	pumping           bool
	nextDisc          uint64
	activeDiscoveries int // drives StartDiscovery/StopDiscovery refcounting

	discoveries map[uint64]*discovery
	endpoints   map[string]*os.File

	inbound      func(endpoint string, p []byte)
	disconnected func(endpoint string)

	profileExported bool
	profilePath     dbus.ObjectPath

	// cleanup functions released by Close, in reverse order.
	cleanup []func()
}

// discovery is one DiscoverDevices registration. deliverMu serializes sink
// calls and lets stop() wait out an in-flight delivery.
type discovery struct {
	filter    Filter
	sink      DiscoverySink
	deliverMu sync.Mutex
	stopped   bool
}

func (d *discovery) deliver(fn func(DiscoverySink)) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if d.stopped {
		return
	}
	fn(d.sink)
}

func (d *discovery) stop() {
	d.deliverMu.Lock()
	d.stopped = true
	d.deliverMu.Unlock()
}

// SetInboundHandler registers the sink for bytes received on any endpoint.
// Must be called before links are established.
func (m *LinuxMedium) SetInboundHandler(fn func(endpoint string, p []byte)) {
	m.mu.Lock()
	m.inbound = fn
	m.mu.Unlock()
}

// SetDisconnectedHandler registers a hook invoked when an endpoint's link
// drops.
func (m *LinuxMedium) SetDisconnectedHandler(fn func(endpoint string)) {
	m.mu.Lock()
	m.disconnected = fn
	m.mu.Unlock()
}

// ensureBusLocked connects to the system bus if not yet connected.
func (m *LinuxMedium) ensureBusLocked() error {
	if m.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return NewError(ReasonUnavailable, "connect system bus", err)
	}
	m.bus = c
	m.cleanup = append(m.cleanup, func() { m.bus.Close() })
	return nil
}

// ensurePumpLocked subscribes to BlueZ object and property signals and starts
// the signal pump goroutine once.
func (m *LinuxMedium) ensurePumpLocked() error {
	if m.pumping {
		return nil
	}
	m.sigCh = make(chan *dbus.Signal, 32)
	m.bus.Signal(m.sigCh)
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, opts := range matches {
		if err := m.bus.AddMatchSignal(opts...); err != nil {
			return NewError(ReasonInternal, "add match signal", err)
		}
	}
	m.cleanup = append(m.cleanup, func() {
		for _, opts := range matches {
			_ = m.bus.RemoveMatchSignal(opts...)
		}
		m.bus.RemoveSignal(m.sigCh)
		close(m.sigCh)
	})
	go m.pumpSignals(m.sigCh)
	m.pumping = true
	return nil
}

func (m *LinuxMedium) pumpSignals(ch chan *dbus.Signal) {
	for sig := range ch {
		switch sig.Name {
		case objManagerIface + ".InterfacesAdded":
			var path dbus.ObjectPath
			var ifaces map[string]map[string]dbus.Variant
			if err := dbus.Store(sig.Body, &path, &ifaces); err != nil {
				m.log.WithError(err).Warn("bad InterfacesAdded signal")
				continue
			}
			if info, ok := deviceFromIfaces(path, ifaces); ok {
				m.fanout(func(d *discovery, s DiscoverySink) {
					if matchesFilter(d.filter, ifaces) {
						s.DeviceDiscovered(info)
					}
				})
			}
		case objManagerIface + ".InterfacesRemoved":
			var path dbus.ObjectPath
			var removed []string
			if err := dbus.Store(sig.Body, &path, &removed); err != nil {
				m.log.WithError(err).Warn("bad InterfacesRemoved signal")
				continue
			}
			for _, iface := range removed {
				if iface == deviceIface {
					m.fanout(func(_ *discovery, s DiscoverySink) {
						s.DeviceRemoved(string(path))
					})
				}
			}
		case propsIface + ".PropertiesChanged":
			var iface string
			var changed map[string]dbus.Variant
			var invalidated []string
			if err := dbus.Store(sig.Body, &iface, &changed, &invalidated); err != nil {
				m.log.WithError(err).Warn("bad PropertiesChanged signal")
				continue
			}
			if iface != deviceIface {
				continue
			}
			plain := make(map[string]any, len(changed))
			for k, v := range changed {
				plain[k] = v.Value()
			}
			path := string(sig.Path)
			m.fanout(func(_ *discovery, s DiscoverySink) {
				s.PropertiesChanged(path, plain, invalidated)
			})
		}
	}
}

func (m *LinuxMedium) fanout(fn func(*discovery, DiscoverySink)) {
	m.mu.Lock()
	regs := make([]*discovery, 0, len(m.discoveries))
	for _, d := range m.discoveries {
		regs = append(regs, d)
	}
	m.mu.Unlock()
	for _, d := range regs {
		reg := d
		reg.deliver(func(s DiscoverySink) { fn(reg, s) })
	}
}

func (m *LinuxMedium) DiscoverDevices(filter Filter, sink DiscoverySink) (*DiscoveryHandle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, NewError(ReasonFailedPrecondition, "discover", errors.New("medium closed"))
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.ensurePumpLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	id := m.nextDisc
	m.nextDisc++
	d := &discovery{filter: filter, sink: sink}
	m.discoveries[id] = d
	first := m.activeDiscoveries == 0
	m.activeDiscoveries++
	bus := m.bus
	m.mu.Unlock()

	adapters, err := listAdapters(bus)
	if err != nil {
		m.dropDiscovery(id, d)
		return nil, err
	}
	if first {
		for _, ap := range adapters {
			if cerr := bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err; cerr != nil {
				m.log.WithError(cerr).WithField("adapter", ap).Warn("StartDiscovery failed")
			}
		}
	}

	// Prime the sink from objects BlueZ already tracks.
	snapshot, err := managedObjects(bus)
	if err != nil {
		m.log.WithError(err).Warn("could not prime discovery from managed objects")
	} else {
		for path, ifaces := range snapshot {
			if info, ok := deviceFromIfaces(path, ifaces); ok && matchesFilter(filter, ifaces) {
				d.deliver(func(s DiscoverySink) { s.DeviceDiscovered(info) })
			}
		}
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			d.stop()
			m.dropDiscovery(id, d)
		})
	}
	return NewDiscoveryHandle(stop), nil
}

func (m *LinuxMedium) dropDiscovery(id uint64, d *discovery) {
	d.stop()
	m.mu.Lock()
	if _, ok := m.discoveries[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.discoveries, id)
	m.activeDiscoveries--
	last := m.activeDiscoveries == 0
	bus := m.bus
	m.mu.Unlock()
	if last && bus != nil {
		adapters, err := listAdapters(bus)
		if err != nil {
			return
		}
		for _, ap := range adapters {
			_ = bus.Object(bluezService, ap).Call(adapterIface+".StopDiscovery", 0).Err
		}
	}
}

func (m *LinuxMedium) ReadProperty(path, name string) (any, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, NewError(ReasonFailedPrecondition, "read property", errors.New("medium closed"))
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	bus := m.bus
	m.mu.Unlock()

	var v dbus.Variant
	call := bus.Object(bluezService, dbus.ObjectPath(path)).Call(propsIface+".Get", 0, deviceIface, name)
	if call.Err != nil {
		return nil, wrapDBusError("read property "+name, call.Err)
	}
	if err := call.Store(&v); err != nil {
		return nil, NewError(ReasonInternal, "decode property "+name, err)
	}
	return v.Value(), nil
}

func (m *LinuxMedium) Pair(path string, done func(error)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		go done(NewError(ReasonFailedPrecondition, "pair", errors.New("medium closed")))
		return
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		go done(err)
		return
	}
	bus := m.bus
	m.mu.Unlock()

	ch := make(chan *dbus.Call, 1)
	bus.Object(bluezService, dbus.ObjectPath(path)).Go(deviceIface+".Pair", 0, ch)
	go func() {
		call := <-ch
		if call.Err != nil {
			done(wrapDBusError("pair", call.Err))
			return
		}
		done(nil)
	}()
}

// leAdvertisement is the object exported to BlueZ for one advertisement.
type leAdvertisement struct{}

// Release is called by BlueZ when the advertisement is withdrawn.
func (a *leAdvertisement) Release() *dbus.Error { return nil }

type advertHandle struct {
	id      string
	path    dbus.ObjectPath
	adapter dbus.ObjectPath
}

func (h *advertHandle) ID() string { return h.id }

func (m *LinuxMedium) Advertise(req AdvertiseRequest) (AdvertiseHandle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, NewError(ReasonFailedPrecondition, "advertise", errors.New("medium closed"))
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	bus := m.bus
	m.mu.Unlock()

	uuid := req.ServiceUUID
	if uuid == "" {
		uuid = ProximityUUID
	}
	adapters, err := listAdapters(bus)
	if err != nil {
		return nil, err
	}
	if len(adapters) == 0 {
		return nil, NewError(ReasonFailedPrecondition, "advertise", errors.New("no adapters"))
	}
	adapter := adapters[0]

	n := atomic.AddUint64(&exportCounter, 1)
	path := dbus.ObjectPath("/nearlink/advertisement/a" + strconv.FormatUint(n, 10))
	if err := bus.Export(&leAdvertisement{}, path, advertIface); err != nil {
		return nil, NewError(ReasonInternal, "export advertisement", err)
	}
	props := map[string]map[string]*prop.Prop{
		advertIface: {
			"Type":         {Value: "peripheral", Emit: prop.EmitFalse},
			"ServiceUUIDs": {Value: []string{uuid}, Emit: prop.EmitFalse},
			"LocalName":    {Value: req.ServiceName, Emit: prop.EmitFalse},
		},
	}
	if _, err := prop.Export(bus, path, props); err != nil {
		_ = bus.Export(nil, path, advertIface)
		return nil, NewError(ReasonInternal, "export advertisement properties", err)
	}
	am := bus.Object(bluezService, adapter)
	if call := am.Call(advertManagerIface+".RegisterAdvertisement", 0, path, map[string]dbus.Variant{}); call.Err != nil {
		unexportAdvert(bus, path)
		return nil, wrapDBusError("register advertisement", call.Err)
	}
	return &advertHandle{id: string(path), path: path, adapter: adapter}, nil
}

func (m *LinuxMedium) StopAdvertise(h AdvertiseHandle) {
	ah, ok := h.(*advertHandle)
	if !ok || ah == nil {
		return
	}
	m.mu.Lock()
	bus := m.bus
	m.mu.Unlock()
	if bus == nil {
		return
	}
	_ = bus.Object(bluezService, ah.adapter).Call(advertManagerIface+".UnregisterAdvertisement", 0, ah.path).Err
	unexportAdvert(bus, ah.path)
}

// unexportAdvert removes both interfaces exported at an advertisement path,
// the advertisement itself and the Properties interface prop.Export installed.
func unexportAdvert(bus *dbus.Conn, path dbus.ObjectPath) {
	_ = bus.Export(nil, path, advertIface)
	_ = bus.Export(nil, path, propsIface)
}

// profileObject implements org.bluez.Profile1 and turns accepted RFCOMM FDs
// into tracked endpoints.
type profileObject struct {
	m *LinuxMedium
}

func (p *profileObject) Release() *dbus.Error { return nil }
func (p *profileObject) Cancel() *dbus.Error  { return nil }

func (p *profileObject) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	f := os.NewFile(uintptr(fd), "nearlink-rfcomm")
	if f == nil {
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"bad fd"}}
	}
	p.m.attachEndpoint(string(dev), f)
	return nil
}

func (p *profileObject) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.m.detachEndpoint(string(dev))
	return nil
}

// RegisterTransport exports and registers the byte-transport profile with
// BlueZ so peers can establish links. Idempotent.
func (m *LinuxMedium) RegisterTransport(serviceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewError(ReasonFailedPrecondition, "register transport", errors.New("medium closed"))
	}
	if m.profileExported {
		return nil
	}
	if err := m.ensureBusLocked(); err != nil {
		return err
	}
	n := atomic.AddUint64(&exportCounter, 1)
	m.profilePath = dbus.ObjectPath("/nearlink/profile/p" + strconv.FormatUint(n, 10))
	if err := m.bus.Export(&profileObject{m: m}, m.profilePath, profileIface); err != nil {
		return NewError(ReasonInternal, "export profile", err)
	}
	opts := map[string]dbus.Variant{
		"Name":    dbus.MakeVariant(serviceName),
		"Role":    dbus.MakeVariant("server"),
		"Channel": dbus.MakeVariant(uint16(DefaultChannel)),
	}
	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, m.profilePath, ProximityUUID, opts); call.Err != nil {
		return wrapDBusError("register profile", call.Err)
	}
	path := m.profilePath
	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = m.bus.Export(nil, path, profileIface)
	})
	m.profileExported = true
	return nil
}

func (m *LinuxMedium) attachEndpoint(endpoint string, f *os.File) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = f.Close()
		return
	}
	if old, ok := m.endpoints[endpoint]; ok {
		_ = old.Close()
	}
	m.endpoints[endpoint] = f
	inbound := m.inbound
	m.mu.Unlock()

	go m.readEndpoint(endpoint, f, inbound)
}

func (m *LinuxMedium) readEndpoint(endpoint string, f *os.File, inbound func(string, []byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 && inbound != nil {
			p := make([]byte, n)
			copy(p, buf[:n])
			inbound(endpoint, p)
		}
		if err != nil {
			m.detachEndpoint(endpoint)
			return
		}
	}
}

func (m *LinuxMedium) detachEndpoint(endpoint string) {
	m.mu.Lock()
	f, ok := m.endpoints[endpoint]
	if ok {
		delete(m.endpoints, endpoint)
	}
	disconnected := m.disconnected
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = f.Close()
	if disconnected != nil {
		disconnected(endpoint)
	}
}

func (m *LinuxMedium) SendBytes(endpoint string, p []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return NewError(ReasonFailedPrecondition, "send", errors.New("medium closed"))
	}
	f, ok := m.endpoints[endpoint]
	m.mu.Unlock()
	if !ok {
		return NewError(ReasonUnavailable, "send", errors.Errorf("no link to %s", endpoint))
	}
	if _, err := f.Write(p); err != nil {
		return NewError(ReasonUnavailable, "send", err)
	}
	return nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *LinuxMedium) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, d := range m.discoveries {
		d.stop()
	}
	m.discoveries = map[uint64]*discovery{}
	for ep, f := range m.endpoints {
		_ = f.Close()
		delete(m.endpoints, ep)
	}
	cleanup := m.cleanup
	m.cleanup = nil
	m.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// Helpers

func listAdapters(bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	return out, nil
}

func managedObjects(bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, wrapDBusError("GetManagedObjects", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, NewError(ReasonInternal, "decode GetManagedObjects", err)
	}
	return objs, nil
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (DeviceInfo, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return DeviceInfo{}, false
	}
	info := DeviceInfo{Path: string(path)}
	if v, ok := props["Address"]; ok {
		info.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		info.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		info.Alias, _ = v.Value().(string)
	}
	// BlueZ exposes form factor through Icon ("phone", "computer", ...).
	if v, ok := props["Icon"]; ok {
		info.Chassis, _ = v.Value().(string)
	}
	if info.Address == "" {
		info.Address = addressFromPath(path)
	}
	return info, true
}

func matchesFilter(f Filter, ifaces map[string]map[string]dbus.Variant) bool {
	if len(f.UUIDs) == 0 {
		return true
	}
	props, ok := ifaces[deviceIface]
	if !ok {
		// PropertiesChanged deltas rarely carry UUIDs; let them through and
		// let the registry decide.
		return true
	}
	v, ok := props["UUIDs"]
	if !ok {
		return false
	}
	uuids, _ := v.Value().([]string)
	for _, want := range f.UUIDs {
		for _, have := range uuids {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

func addressFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// wrapDBusError maps BlueZ/D-Bus error names onto the medium failure
// taxonomy.
func wrapDBusError(op string, err error) *Error {
	name := ""
	if derr, ok := err.(dbus.Error); ok {
		name = derr.Name
	} else if derr, ok := err.(*dbus.Error); ok {
		name = derr.Name
	}
	reason := ReasonInternal
	switch {
	case strings.Contains(name, "AccessDenied"), strings.Contains(name, "AuthenticationRejected"):
		reason = ReasonPermissionDenied
	case strings.Contains(name, "NoReply"), strings.Contains(name, "Timeout"), strings.Contains(name, "Timedout"):
		reason = ReasonTimeout
	case strings.Contains(name, "UnknownObject"), strings.Contains(name, "ServiceUnknown"),
		strings.Contains(name, "DoesNotExist"), strings.Contains(name, "NotAvailable"),
		strings.Contains(name, "NotConnected"):
		reason = ReasonUnavailable
	case strings.Contains(name, "NotSupported"):
		reason = ReasonNotSupported
	case strings.Contains(name, "NotReady"), strings.Contains(name, "InProgress"),
		strings.Contains(name, "AlreadyExists"):
		reason = ReasonFailedPrecondition
	}
	return NewError(reason, op, err)
}
