package signal

import (
	"sync"
	"time"

	"go.stud.dev/wacore/types"
)

const deviceCacheTTL = 5 * time.Minute

type deviceCacheEntry struct {
	devices []types.JidWithDevice
	expires time.Time
}

// DeviceCache maps a user JID to its known device list with a 5-minute TTL,
// used to skip USync round-trips. Entries leave the cache only by expiry or
// an explicit Invalidate; device-list notifications do not invalidate them.
type DeviceCache struct {
	mu      sync.Mutex
	entries map[string]deviceCacheEntry
	now     func() time.Time
}

// NewDeviceCache returns an empty cache.
func NewDeviceCache() *DeviceCache {
	return &DeviceCache{
		entries: make(map[string]deviceCacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached device list for user, if present and unexpired.
func (c *DeviceCache) Get(user string) ([]types.JidWithDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[user]
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return e.devices, true
}

// Set stores the device list for user with a fresh TTL.
func (c *DeviceCache) Set(user string, devices []types.JidWithDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[user] = deviceCacheEntry{devices: devices, expires: c.now().Add(deviceCacheTTL)}
}

// Invalidate drops the cached entry for user. Nothing in this module calls
// it.
func (c *DeviceCache) Invalidate(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, user)
}
