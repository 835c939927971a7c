// Package devinfo classifies device form factors and tracks local session
// state (screen lock) for the proximity stack.
package devinfo

import (
	"os/user"
	"strings"
	"sync"
)

// DeviceType is the coarse form-factor classification used by discovery.
type DeviceType int

const (
	TypeUnknown DeviceType = iota
	TypePhone
	TypeLaptop
	TypeTablet
)

func (t DeviceType) String() string {
	switch t {
	case TypePhone:
		return "phone"
	case TypeLaptop:
		return "laptop"
	case TypeTablet:
		return "tablet"
	default:
		return "unknown"
	}
}

// TypeFromChassis maps a chassis/form-factor hint to a DeviceType. Unknown
// hints classify as TypeUnknown.
func TypeFromChassis(chassis string) DeviceType {
	switch strings.ToLower(chassis) {
	case "phone", "handset":
		return TypePhone
	case "laptop", "desktop", "computer":
		return TypeLaptop
	case "tablet":
		return TypeTablet
	default:
		return TypeUnknown
	}
}

// ScreenStatus reports whether the local session's screen is locked.
type ScreenStatus int

const (
	ScreenUnlocked ScreenStatus = iota
	ScreenLocked
)

// ScreenLockRegistry fans screen lock/unlock transitions out to named
// listeners. It is an explicit object owned by the composition root, not
// process-global state, so teardown is deterministic.
type ScreenLockRegistry struct {
	mu        sync.RWMutex
	listeners map[string]func(ScreenStatus)
}

// NewScreenLockRegistry builds an empty registry.
func NewScreenLockRegistry() *ScreenLockRegistry {
	return &ScreenLockRegistry{listeners: make(map[string]func(ScreenStatus))}
}

// Register installs cb under name, replacing any previous listener with the
// same name.
func (r *ScreenLockRegistry) Register(name string, cb func(ScreenStatus)) {
	r.mu.Lock()
	r.listeners[name] = cb
	r.mu.Unlock()
}

// Unregister removes the named listener. Unknown names are a no-op.
func (r *ScreenLockRegistry) Unregister(name string) {
	r.mu.Lock()
	delete(r.listeners, name)
	r.mu.Unlock()
}

// NotifyLocked reports a lock transition to every listener.
func (r *ScreenLockRegistry) NotifyLocked() { r.broadcast(ScreenLocked) }

// NotifyUnlocked reports an unlock transition to every listener.
func (r *ScreenLockRegistry) NotifyUnlocked() { r.broadcast(ScreenUnlocked) }

func (r *ScreenLockRegistry) broadcast(s ScreenStatus) {
	r.mu.RLock()
	cbs := make([]func(ScreenStatus), 0, len(r.listeners))
	for _, cb := range r.listeners {
		cbs = append(cbs, cb)
	}
	r.mu.RUnlock()
	for _, cb := range cbs {
		cb(s)
	}
}

// ProfileUserName returns the local user's display name, falling back to the
// account name. Empty when the user database is unavailable.
func ProfileUserName() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	if name := strings.SplitN(u.Name, ",", 2)[0]; name != "" {
		return name
	}
	return u.Username
}
