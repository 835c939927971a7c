package devinfo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeFromChassis(t *testing.T) {
	cases := []struct {
		chassis string
		want    DeviceType
	}{
		{"phone", TypePhone},
		{"handset", TypePhone},
		{"laptop", TypeLaptop},
		{"desktop", TypeLaptop},
		{"computer", TypeLaptop},
		{"tablet", TypeTablet},
		{"Phone", TypePhone}, // hints are case-insensitive
		{"vm", TypeUnknown},
		{"", TypeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TypeFromChassis(tc.chassis), "chassis %q", tc.chassis)
	}
}

func TestDeviceTypeString(t *testing.T) {
	assert.Equal(t, "phone", TypePhone.String())
	assert.Equal(t, "unknown", TypeUnknown.String())
}

func TestScreenLockRegistryFanout(t *testing.T) {
	r := NewScreenLockRegistry()
	var mu sync.Mutex
	got := map[string][]ScreenStatus{}
	record := func(name string) func(ScreenStatus) {
		return func(s ScreenStatus) {
			mu.Lock()
			got[name] = append(got[name], s)
			mu.Unlock()
		}
	}
	r.Register("a", record("a"))
	r.Register("b", record("b"))

	r.NotifyLocked()
	r.Unregister("b")
	r.NotifyUnlocked()

	assert.Equal(t, []ScreenStatus{ScreenLocked, ScreenUnlocked}, got["a"])
	assert.Equal(t, []ScreenStatus{ScreenLocked}, got["b"])
}

func TestScreenLockRegistryReplaceByName(t *testing.T) {
	r := NewScreenLockRegistry()
	var old, fresh int
	r.Register("x", func(ScreenStatus) { old++ })
	r.Register("x", func(ScreenStatus) { fresh++ })
	r.NotifyLocked()
	assert.Zero(t, old)
	assert.Equal(t, 1, fresh)
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	r := NewScreenLockRegistry()
	r.Unregister("never-registered")
}
