// Package session orchestrates scan and broadcast sessions on top of the
// transport binding and the device registry.
package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"nearlink/internal/conn"
	"nearlink/internal/device"
	"nearlink/internal/medium"
)

// ID identifies one broadcast session. Ids are opaque, process-local, and
// never reused for the lifetime of the process.
type ID string

// maxIDAttempts bounds session-id regeneration on the (negligible) chance of
// a collision with a live session.
const maxIDAttempts = 5

// ScanRequest describes one discovery operation.
type ScanRequest struct {
	// UUIDs filters discovery to peers advertising any of these services.
	// Empty means every visible peer.
	UUIDs []string
}

// BroadcastRequest describes one advertising operation.
type BroadcastRequest struct {
	ServiceName string
	ServiceUUID string
	Payload     []byte
}

// DiscoveryCallback is the caller's sink for scan results. Callbacks run on
// binding-owned goroutines with no controller or registry lock held.
type DiscoveryCallback struct {
	OnDeviceFound func(d *device.Device)
	OnDeviceLost  func(d *device.Device)
}

// BroadcastCallback observes the broadcast session's start result.
type BroadcastCallback func(err error)

// ScanSession is the caller-owned handle for one scan. Stopping it halts
// discovery and unregisters the discovery callback; no notification arrives
// for this handle after Stop returns.
type ScanSession struct {
	once sync.Once
	ctrl *Controller
	sub  *device.Subscription
}

// Stop cancels the scan. Idempotent and safe from any goroutine except the
// discovery callback itself.
func (s *ScanSession) Stop() {
	s.once.Do(func() {
		s.ctrl.releaseScan()
		s.sub.Cancel()
	})
}

// observerAdapter bridges a DiscoveryCallback onto the registry's observer
// interface.
type observerAdapter struct {
	cb DiscoveryCallback
}

func (o *observerAdapter) DeviceFound(d *device.Device) {
	if o.cb.OnDeviceFound != nil {
		o.cb.OnDeviceFound(d)
	}
}

func (o *observerAdapter) DeviceLost(d *device.Device) {
	if o.cb.OnDeviceLost != nil {
		o.cb.OnDeviceLost(d)
	}
}

// Controller generates session identifiers and owns the lifetime of
// broadcast sessions. Scan sessions are returned to the caller, who owns
// them.
type Controller struct {
	medium   medium.Medium
	registry *device.Registry
	log      *logrus.Entry

	mu       sync.Mutex
	sessions map[ID]medium.AdvertiseHandle

	// One binding discovery is shared by all live scan sessions; each session
	// only scopes its own registry subscription. The binding discovery runs
	// while at least one scan is active. starting is non-nil while a start is
	// in flight and is closed when its outcome is known.
	scanMu     sync.Mutex
	scanCount  int
	discHandle *medium.DiscoveryHandle
	starting   chan struct{}
}

// NewController builds a controller over the given binding and registry.
func NewController(m medium.Medium, reg *device.Registry, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		medium:   m,
		registry: reg,
		log:      log.WithField("component", "session"),
		sessions: make(map[ID]medium.AdvertiseHandle),
	}
}

// StartScan begins discovery with the given filter, delivering results to cb
// for the life of the returned handle. All concurrent scans observe the same
// underlying device set; each handle only scopes its own callback. A scan
// joining an already running discovery has the known device set replayed to
// its OnDeviceFound before StartScan returns, so a device may be reported to
// it more than once (replay racing a live refresh).
func (c *Controller) StartScan(req ScanRequest, cb DiscoveryCallback) (*ScanSession, error) {
	sub := c.registry.Subscribe(&observerAdapter{cb: cb})
	joined, err := c.acquireScan(medium.Filter{UUIDs: req.UUIDs})
	if err != nil {
		sub.Cancel()
		return nil, errors.Wrap(err, "session: start scan")
	}
	if joined && cb.OnDeviceFound != nil {
		// The radio discovery primed only its starter; replay what the
		// shared set already tracks so a late session sees it too.
		for _, d := range c.registry.Snapshot() {
			if !d.IsLost() {
				cb.OnDeviceFound(d)
			}
		}
	}
	c.log.WithField("uuids", req.UUIDs).Debug("scan started")
	return &ScanSession{ctrl: c, sub: sub}, nil
}

// acquireScan joins the shared binding discovery, starting it when none is
// running. The starter's filter applies to the radio discovery. A caller
// arriving while a start is in flight waits for its outcome; when that start
// fails the caller restarts the discovery itself rather than riding a dead
// one. Reports whether an already running discovery was joined.
func (c *Controller) acquireScan(filter medium.Filter) (bool, error) {
	c.scanMu.Lock()
	for {
		if c.discHandle != nil {
			c.scanCount++
			c.scanMu.Unlock()
			return true, nil
		}
		if c.starting == nil {
			break
		}
		wait := c.starting
		c.scanMu.Unlock()
		<-wait
		c.scanMu.Lock()
	}
	done := make(chan struct{})
	c.starting = done
	c.scanCount++
	c.scanMu.Unlock()

	// The binding call happens with no controller lock held; it may deliver
	// primed discoveries synchronously through the registry.
	handle, err := c.medium.DiscoverDevices(filter, c.registry)

	c.scanMu.Lock()
	c.starting = nil
	if err != nil {
		c.scanCount--
	} else {
		c.discHandle = handle
	}
	c.scanMu.Unlock()
	close(done)
	return false, err
}

func (c *Controller) releaseScan() {
	c.scanMu.Lock()
	c.scanCount--
	var handle *medium.DiscoveryHandle
	if c.scanCount == 0 {
		handle = c.discHandle
		c.discHandle = nil
	}
	c.scanMu.Unlock()
	if handle != nil {
		handle.Stop()
	}
}

// StartBroadcast starts an advertising operation and returns its session id.
// On failure nothing is stored and the zero ID is returned. cb, when set,
// observes the start result.
func (c *Controller) StartBroadcast(req BroadcastRequest, cb BroadcastCallback) (ID, error) {
	id, err := c.reserveID()
	if err != nil {
		if cb != nil {
			cb(err)
		}
		return "", err
	}

	handle, err := c.medium.Advertise(medium.AdvertiseRequest{
		ServiceName: req.ServiceName,
		ServiceUUID: req.ServiceUUID,
		Payload:     req.Payload,
	})
	if err != nil {
		c.release(id)
		err = errors.Wrap(err, "session: start broadcast")
		if cb != nil {
			cb(err)
		}
		return "", err
	}

	c.mu.Lock()
	c.sessions[id] = handle
	c.mu.Unlock()
	c.log.WithField("session", id).Debug("broadcast started")
	if cb != nil {
		cb(nil)
	}
	return id, nil
}

// StopBroadcast stops the identified session and releases its advertising
// handle. Unknown ids are a no-op: the session may already have been stopped
// by an external event.
func (c *Controller) StopBroadcast(id ID) {
	c.mu.Lock()
	handle, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	if !ok || handle == nil {
		return
	}
	c.medium.StopAdvertise(handle)
	c.log.WithField("session", id).Debug("broadcast stopped")
}

// Pair initiates pairing with a discovered device. The result is delivered
// through cb exactly once, from a binding goroutine. The device stays in the
// registry while pairing is in flight; a removal notification only marks it
// lost.
func (c *Controller) Pair(path string, cb device.PairingCallback) error {
	d := c.registry.Get(path)
	if d == nil {
		return errors.Errorf("session: pair: unknown device %s", path)
	}
	d.SetPairingCallback(cb)
	c.medium.Pair(path, d.OnPairingResult)
	return nil
}

// OpenChannel wraps an established link to endpoint in a connection channel.
// The channel copies the endpoint identity rather than holding the device
// model, so registry eviction cannot invalidate it.
func (c *Controller) OpenChannel(endpoint string) *conn.Channel {
	return conn.New(endpoint, c.medium)
}

// ActiveBroadcasts reports how many broadcast sessions are live.
func (c *Controller) ActiveBroadcasts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// reserveID draws a fresh session id, retrying on collision with a live
// session. Ids are random over a space large enough that a retry should
// never happen in practice; the bound turns certainty of termination into a
// start failure instead of a loop.
func (c *Controller) reserveID() (ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < maxIDAttempts; i++ {
		id := ID(uuid.NewString())
		if _, taken := c.sessions[id]; taken {
			continue
		}
		// Reserve so a concurrent StartBroadcast cannot draw the same id
		// between generation and Advertise completing.
		c.sessions[id] = nil
		return id, nil
	}
	return "", errors.New("session: could not generate a unique session id")
}

func (c *Controller) release(id ID) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}
