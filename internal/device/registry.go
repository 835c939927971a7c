package device

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"nearlink/internal/medium"
)

// PropertyReader is the slice of the transport binding the registry needs to
// refresh invalidated properties.
type PropertyReader interface {
	ReadProperty(path, name string) (any, error)
}

// Observer receives discovery events. Callbacks are invoked with no registry
// lock held and may query the registry re-entrantly.
type Observer interface {
	DeviceFound(d *Device)
	DeviceLost(d *Device)
}

// Subscription is the registration token for one observer.
type Subscription struct {
	token uint64
	r     *Registry
	obs   Observer

	// deliverMu serializes deliveries to this observer and lets Cancel wait
	// out an in-flight one.
	deliverMu sync.Mutex
	cancelled bool

	// alive, when set, is consulted before every delivery; a false result is
	// treated as a normal unsubscribe and skipped silently.
	alive func() bool
}

// SetLiveness supplies an owner-provided liveness check for the observer.
func (s *Subscription) SetLiveness(alive func() bool) {
	s.deliverMu.Lock()
	s.alive = alive
	s.deliverMu.Unlock()
}

// Cancel removes the observer. Synchronous: after Cancel returns, no further
// events are delivered to the observer. Must not be called from inside the
// observer's own callback; arrange cancellation from another goroutine
// instead.
func (s *Subscription) Cancel() {
	s.r.mu.Lock()
	delete(s.r.observers, s.token)
	s.r.mu.Unlock()
	s.deliverMu.Lock()
	s.cancelled = true
	s.deliverMu.Unlock()
}

func (s *Subscription) deliver(fn func(Observer)) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.cancelled {
		return
	}
	if s.alive != nil && !s.alive() {
		return
	}
	fn(s.obs)
}

// Registry is the monitored collection of discovered devices. It implements
// medium.DiscoverySink so a binding's discovery stream can feed it directly.
type Registry struct {
	reader PropertyReader
	log    *logrus.Entry

	mu        sync.Mutex
	devices   map[string]*Device
	observers map[uint64]*Subscription
	nextToken uint64
}

// NewRegistry builds an empty registry. reader may be nil, in which case
// invalidated properties simply keep their cached values.
func NewRegistry(reader PropertyReader, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		reader:    reader,
		log:       log.WithField("component", "registry"),
		devices:   make(map[string]*Device),
		observers: make(map[uint64]*Subscription),
	}
}

// Subscribe registers an observer for discovery events. Observers are
// notified in registration order.
func (r *Registry) Subscribe(obs Observer) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	token := r.nextToken
	r.nextToken++
	sub := &Subscription{token: token, r: r, obs: obs}
	r.observers[token] = sub
	return sub
}

// Get returns the device for the given identity, or nil.
func (r *Registry) Get(path string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[path]
}

// Snapshot returns all tracked devices, lost ones included.
func (r *Registry) Snapshot() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// DeviceDiscovered inserts a new device or refreshes a known one, then
// notifies observers. A lost device reported here is re-found in place,
// preserving its unique id.
func (r *Registry) DeviceDiscovered(info medium.DeviceInfo) {
	if info.Path == "" {
		return
	}
	r.mu.Lock()
	d, ok := r.devices[info.Path]
	if !ok {
		d = New(info.Path, info.Address, info.Name)
		r.devices[info.Path] = d
	}
	r.mu.Unlock()

	if info.Name != "" {
		d.UpdateName(info.Name)
	}
	if info.Alias != "" {
		d.UpdateAlias(info.Alias)
	}
	if info.Address != "" {
		d.UpdateAddress(info.Address)
	}
	if info.Chassis != "" {
		d.UpdateChassis(info.Chassis)
	}
	d.UnmarkLost()

	r.notify(d, true)
}

// DeviceRemoved marks the device lost rather than erasing it, so a late
// "found" notification can resurrect the same identity. Erasure happens only
// through Evict or Shutdown.
func (r *Registry) DeviceRemoved(path string) {
	r.mu.Lock()
	d := r.devices[path]
	r.mu.Unlock()
	if d == nil {
		return
	}
	d.MarkLost()
	r.notify(d, false)
}

// PropertiesChanged applies a change notification. Unknown property names are
// ignored. Invalidated properties are re-read through the PropertyReader; a
// failed read keeps the previous cached value.
func (r *Registry) PropertiesChanged(path string, changed map[string]any, invalidated []string) {
	r.mu.Lock()
	d := r.devices[path]
	r.mu.Unlock()
	if d == nil {
		return
	}
	for name, v := range changed {
		r.applyProperty(d, name, v)
	}
	for _, name := range invalidated {
		if r.reader == nil {
			continue
		}
		v, err := r.reader.ReadProperty(path, name)
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"device":   path,
				"property": name,
			}).Warn("property re-read failed, keeping cached value")
			continue
		}
		r.applyProperty(d, name, v)
	}
}

func (r *Registry) applyProperty(d *Device, name string, v any) {
	switch name {
	case "Name":
		if s, ok := v.(string); ok {
			d.UpdateName(s)
		}
	case "Alias":
		if s, ok := v.(string); ok {
			d.UpdateAlias(s)
		}
	case "Address":
		if s, ok := v.(string); ok {
			d.UpdateAddress(s)
		}
	case "Icon", "Chassis":
		if s, ok := v.(string); ok {
			d.UpdateChassis(s)
		}
	default:
		// Unknown properties are ignored for forward compatibility.
	}
}

// Evict erases a device outright. Prefer DeviceRemoved for binding-driven
// removals; Evict is for explicit registry cleanup.
func (r *Registry) Evict(path string) {
	r.mu.Lock()
	delete(r.devices, path)
	r.mu.Unlock()
}

// Shutdown drops all devices, e.g. on process-wide medium shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.devices = make(map[string]*Device)
	r.mu.Unlock()
}

// notify fans the event out to live observers in registration order. One
// observer's panic is contained so the rest are still notified.
func (r *Registry) notify(d *Device, found bool) {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.observers))
	for _, sub := range r.observers {
		subs = append(subs, sub)
	}
	r.mu.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].token < subs[j].token })

	for _, sub := range subs {
		sub.deliver(func(obs Observer) {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.WithField("panic", rec).Error("discovery observer panicked")
				}
			}()
			if found {
				obs.DeviceFound(d)
			} else {
				obs.DeviceLost(d)
			}
		})
	}
}
