package session

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearlink/internal/device"
	"nearlink/internal/medium"
)

// fakeMedium is an in-memory transport binding.
type fakeMedium struct {
	mu          sync.Mutex
	sinks       map[uint64]medium.DiscoverySink
	nextSink    uint64
	adverts     map[string]bool
	advertErr   error
	discoverErr error
	onDiscover  func() // runs inside DiscoverDevices with no fake lock held
	pairErr     error
	nextAdvert  int
	sent        [][]byte
}

func newFakeMedium() *fakeMedium {
	return &fakeMedium{
		sinks:   make(map[uint64]medium.DiscoverySink),
		adverts: make(map[string]bool),
	}
}

type fakeAdvert struct{ id string }

func (a *fakeAdvert) ID() string { return a.id }

func (f *fakeMedium) DiscoverDevices(filter medium.Filter, sink medium.DiscoverySink) (*medium.DiscoveryHandle, error) {
	f.mu.Lock()
	hook := f.onDiscover
	err := f.discoverErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSink
	f.nextSink++
	f.sinks[id] = sink
	return medium.NewDiscoveryHandle(func() {
		f.mu.Lock()
		delete(f.sinks, id)
		f.mu.Unlock()
	}), nil
}

func (f *fakeMedium) emit(info medium.DeviceInfo) {
	f.mu.Lock()
	sinks := make([]medium.DiscoverySink, 0, len(f.sinks))
	for _, s := range f.sinks {
		sinks = append(sinks, s)
	}
	f.mu.Unlock()
	for _, s := range sinks {
		s.DeviceDiscovered(info)
	}
}

func (f *fakeMedium) ReadProperty(path, name string) (any, error) {
	return nil, medium.NewError(medium.ReasonUnavailable, "read property", errors.New("not implemented"))
}

func (f *fakeMedium) Pair(path string, done func(error)) {
	f.mu.Lock()
	err := f.pairErr
	f.mu.Unlock()
	done(err)
}

func (f *fakeMedium) Advertise(req medium.AdvertiseRequest) (medium.AdvertiseHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advertErr != nil {
		return nil, f.advertErr
	}
	f.nextAdvert++
	id := req.ServiceName
	if id == "" {
		id = "advert"
	}
	h := &fakeAdvert{id: id}
	f.adverts[h.id] = true
	return h, nil
}

func (f *fakeMedium) StopAdvertise(h medium.AdvertiseHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.adverts, h.ID())
}

func (f *fakeMedium) SendBytes(endpoint string, p []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeMedium) Close() error { return nil }

func newTestController(t *testing.T) (*Controller, *fakeMedium, *device.Registry) {
	t.Helper()
	m := newFakeMedium()
	reg := device.NewRegistry(m, nil)
	return NewController(m, reg, nil), m, reg
}

func TestStartBroadcastReturnsDistinctIDs(t *testing.T) {
	c, _, _ := newTestController(t)
	seen := make(map[ID]bool, 10000)
	for i := 0; i < 10000; i++ {
		id, err := c.StartBroadcast(BroadcastRequest{ServiceName: "svc"}, nil)
		require.NoError(t, err)
		require.False(t, seen[id], "session id %q issued twice", id)
		seen[id] = true
	}
}

func TestStopBroadcastIdempotent(t *testing.T) {
	c, m, _ := newTestController(t)
	id, err := c.StartBroadcast(BroadcastRequest{ServiceName: "svc"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, c.ActiveBroadcasts())

	c.StopBroadcast(id)
	assert.Zero(t, c.ActiveBroadcasts())
	assert.Empty(t, m.adverts, "advertising handle released")

	c.StopBroadcast(id) // second stop is a no-op
	assert.Zero(t, c.ActiveBroadcasts())
}

func TestStopBroadcastUnknownIDIsNoop(t *testing.T) {
	c, _, _ := newTestController(t)
	c.StopBroadcast(ID("never-issued"))
	assert.Zero(t, c.ActiveBroadcasts())
}

func TestStartBroadcastFailureLeavesNoState(t *testing.T) {
	c, m, _ := newTestController(t)
	m.mu.Lock()
	m.advertErr = errors.New("adapter off")
	m.mu.Unlock()

	var cbErr error
	id, err := c.StartBroadcast(BroadcastRequest{ServiceName: "svc"}, func(e error) { cbErr = e })
	assert.Error(t, err)
	assert.Empty(t, string(id))
	assert.Error(t, cbErr)
	assert.Zero(t, c.ActiveBroadcasts())
}

func TestBroadcastCallbackObservesSuccess(t *testing.T) {
	c, _, _ := newTestController(t)
	var cbErr = errors.New("unset")
	_, err := c.StartBroadcast(BroadcastRequest{ServiceName: "svc"}, func(e error) { cbErr = e })
	require.NoError(t, err)
	assert.NoError(t, cbErr)
}

func TestScanDeliversDiscoveriesToCallback(t *testing.T) {
	c, m, _ := newTestController(t)
	var mu sync.Mutex
	var found []string
	scan, err := c.StartScan(ScanRequest{}, DiscoveryCallback{
		OnDeviceFound: func(d *device.Device) {
			mu.Lock()
			found = append(found, d.Path())
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	m.emit(medium.DeviceInfo{Path: "/dev/001", Chassis: "phone"})
	mu.Lock()
	require.Equal(t, []string{"/dev/001"}, found)
	mu.Unlock()

	scan.Stop()
	m.emit(medium.DeviceInfo{Path: "/dev/002"})
	mu.Lock()
	assert.Equal(t, []string{"/dev/001"}, found, "no notifications after Stop returns")
	mu.Unlock()
}

func TestScanStopIsIdempotent(t *testing.T) {
	c, _, _ := newTestController(t)
	scan, err := c.StartScan(ScanRequest{}, DiscoveryCallback{})
	require.NoError(t, err)
	scan.Stop()
	scan.Stop()
}

func TestScanStartFailureUnsubscribes(t *testing.T) {
	c, m, reg := newTestController(t)
	m.mu.Lock()
	m.discoverErr = errors.New("bus down")
	m.mu.Unlock()

	_, err := c.StartScan(ScanRequest{}, DiscoveryCallback{
		OnDeviceFound: func(*device.Device) { t.Fatal("no delivery after failed start") },
	})
	require.Error(t, err)

	// Feed the registry directly; the failed scan's callback must be gone.
	reg.DeviceDiscovered(medium.DeviceInfo{Path: "/dev/001"})
}

func TestConcurrentScansShareDeviceSet(t *testing.T) {
	c, m, reg := newTestController(t)
	var mu sync.Mutex
	counts := map[string]int{}
	cb := func(label string) DiscoveryCallback {
		return DiscoveryCallback{OnDeviceFound: func(d *device.Device) {
			mu.Lock()
			counts[label]++
			mu.Unlock()
		}}
	}
	s1, err := c.StartScan(ScanRequest{}, cb("a"))
	require.NoError(t, err)
	s2, err := c.StartScan(ScanRequest{}, cb("b"))
	require.NoError(t, err)
	defer s1.Stop()
	defer s2.Stop()

	m.emit(medium.DeviceInfo{Path: "/dev/001"})

	mu.Lock()
	assert.Equal(t, 2, counts["a"]+counts["b"], "both sessions observe the same event")
	mu.Unlock()
	assert.Len(t, reg.Snapshot(), 1, "one shared device set, not per-session copies")
}

func TestScanJoinerSurvivesFailedFirstStart(t *testing.T) {
	c, m, _ := newTestController(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m.mu.Lock()
	m.discoverErr = errors.New("adapter busy")
	m.onDiscover = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	m.mu.Unlock()

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.StartScan(ScanRequest{}, DiscoveryCallback{})
		firstErr <- err
	}()
	<-entered // first start is now stalled inside the binding

	var mu sync.Mutex
	var found []string
	type second struct {
		scan *ScanSession
		err  error
	}
	secondDone := make(chan second, 1)
	go func() {
		scan, err := c.StartScan(ScanRequest{}, DiscoveryCallback{
			OnDeviceFound: func(d *device.Device) {
				mu.Lock()
				found = append(found, d.Path())
				mu.Unlock()
			},
		})
		secondDone <- second{scan, err}
	}()

	// Let the stalled first start fail after the second scan is underway.
	m.mu.Lock()
	m.discoverErr = nil
	m.mu.Unlock()
	close(release)

	require.Error(t, <-firstErr)
	got := <-secondDone
	require.NoError(t, got.err)

	// The surviving scan must be live, not riding the dead start.
	m.emit(medium.DeviceInfo{Path: "/dev/001"})
	mu.Lock()
	assert.Equal(t, []string{"/dev/001"}, found)
	mu.Unlock()
	got.scan.Stop()
}

func TestLateScanReplaysKnownDevices(t *testing.T) {
	c, m, reg := newTestController(t)
	s1, err := c.StartScan(ScanRequest{}, DiscoveryCallback{})
	require.NoError(t, err)
	defer s1.Stop()

	m.emit(medium.DeviceInfo{Path: "/dev/001", Name: "Pixel"})
	m.emit(medium.DeviceInfo{Path: "/dev/002"})
	reg.DeviceRemoved("/dev/002")

	var mu sync.Mutex
	var found []string
	s2, err := c.StartScan(ScanRequest{}, DiscoveryCallback{
		OnDeviceFound: func(d *device.Device) {
			mu.Lock()
			found = append(found, d.Path())
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer s2.Stop()

	mu.Lock()
	assert.Equal(t, []string{"/dev/001"}, found, "live devices replayed on join, lost ones skipped")
	mu.Unlock()
}

func TestPairDeliversResultThroughDeviceCallback(t *testing.T) {
	c, _, reg := newTestController(t)
	reg.DeviceDiscovered(medium.DeviceInfo{Path: "/dev/001"})

	var got error = errors.New("unset")
	require.NoError(t, c.Pair("/dev/001", func(err error) { got = err }))
	assert.NoError(t, got)
}

func TestPairFailureReachesCallback(t *testing.T) {
	c, m, reg := newTestController(t)
	reg.DeviceDiscovered(medium.DeviceInfo{Path: "/dev/001"})
	m.mu.Lock()
	m.pairErr = errors.New("authentication rejected")
	m.mu.Unlock()

	var got error
	require.NoError(t, c.Pair("/dev/001", func(err error) { got = err }))
	assert.Error(t, got)
}

func TestPairUnknownDeviceErrors(t *testing.T) {
	c, _, _ := newTestController(t)
	assert.Error(t, c.Pair("/dev/404", func(error) {}))
}

func TestOpenChannelWritesThroughMedium(t *testing.T) {
	c, m, _ := newTestController(t)
	ch := c.OpenChannel("/dev/001")
	require.NoError(t, ch.Write([]byte("ping")))
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.sent, 1)
	assert.Equal(t, []byte("ping"), m.sent[0])
}

func TestConcurrentBroadcastLifecycle(t *testing.T) {
	c, _, _ := newTestController(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id, err := c.StartBroadcast(BroadcastRequest{ServiceName: "svc"}, nil)
				if err == nil {
					c.StopBroadcast(id)
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, c.ActiveBroadcasts())
}
