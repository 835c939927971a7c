package device

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearlink/internal/devinfo"
)

func TestUniqueIDsNeverRepeat(t *testing.T) {
	seen := make(map[uint64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d := New("/dev/x", "", "")
				mu.Lock()
				require.False(t, seen[d.UniqueID()])
				seen[d.UniqueID()] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestLostFoundPreservesCachedProperties(t *testing.T) {
	d := New("/dev/001", "AA:BB:CC:DD:EE:FF", "Pixel")
	id := d.UniqueID()

	d.MarkLost()
	require.True(t, d.IsLost())
	d.UnmarkLost()
	require.False(t, d.IsLost())

	assert.Equal(t, "Pixel", d.GetName())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.GetMacAddress())
	assert.Equal(t, id, d.UniqueID())
}

func TestMarkLostIdempotent(t *testing.T) {
	d := New("/dev/001", "", "")
	d.MarkLost()
	d.MarkLost()
	assert.True(t, d.IsLost())
	d.UnmarkLost()
	d.UnmarkLost()
	assert.False(t, d.IsLost())
}

func TestAliasPreferredForDisplay(t *testing.T) {
	d := New("/dev/001", "", "Pixel")
	assert.Equal(t, "Pixel", d.GetName())
	d.UpdateAlias("My Phone")
	assert.Equal(t, "My Phone", d.GetName())
}

func TestDeviceTypeFromChassis(t *testing.T) {
	d := New("/dev/001", "", "")
	assert.Equal(t, devinfo.TypeUnknown, d.GetDeviceType())
	d.UpdateChassis("phone")
	assert.Equal(t, devinfo.TypePhone, d.GetDeviceType())
}

func TestPairingCallbackFiresAtMostOnce(t *testing.T) {
	d := New("/dev/001", "", "")
	var fired atomic.Int64
	d.SetPairingCallback(func(err error) { fired.Add(1) })

	d.OnPairingResult(nil)
	d.OnPairingResult(nil) // slot consumed by the first delivery
	assert.Equal(t, int64(1), fired.Load())
}

func TestPairingCallbackReplacementDiscardsPrior(t *testing.T) {
	d := New("/dev/001", "", "")
	var old, fresh atomic.Int64
	d.SetPairingCallback(func(err error) { old.Add(1) })
	d.SetPairingCallback(func(err error) { fresh.Add(1) })

	d.OnPairingResult(errors.New("rejected"))
	assert.Zero(t, old.Load())
	assert.Equal(t, int64(1), fresh.Load())
}

func TestClearPairingCallbackDoesNotInvoke(t *testing.T) {
	d := New("/dev/001", "", "")
	d.SetPairingCallback(func(err error) { t.Fatal("cleared callback must not fire") })
	d.ClearPairingCallback()
	d.OnPairingResult(nil)
}

func TestPairingResultCarriesError(t *testing.T) {
	d := New("/dev/001", "", "")
	var got error
	d.SetPairingCallback(func(err error) { got = err })
	d.OnPairingResult(errors.New("authentication failed"))
	require.Error(t, got)
}

func TestPairingCallbackMayReenterModel(t *testing.T) {
	d := New("/dev/001", "", "")
	var second atomic.Int64
	d.SetPairingCallback(func(err error) {
		// Runs with no device lock held, so re-arming is fine.
		d.SetPairingCallback(func(err error) { second.Add(1) })
	})
	d.OnPairingResult(nil)
	d.OnPairingResult(nil)
	assert.Equal(t, int64(1), second.Load())
}

func TestPropertyWritersDoNotBlockOnPairing(t *testing.T) {
	d := New("/dev/001", "", "Pixel")
	done := make(chan struct{})
	d.SetPairingCallback(func(err error) {
		d.UpdateName("Renamed") // property lock independent of pairing slot
		close(done)
	})
	d.OnPairingResult(nil)
	<-done
	assert.Equal(t, "Renamed", d.GetName())
}
