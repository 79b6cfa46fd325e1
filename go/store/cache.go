package store

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gxp-io/fleet/go/fleet"
)

// DeviceCache wraps a Store with a small expiring LRU over ResolveDevice.
// Every inbound message resolves its device, so this is the hottest read of
// the service. Only hits are cached: unknown hardware may be provisioned at
// any moment, and a cached miss would hide it for a full TTL.
type DeviceCache struct {
	Store
	devices *expirable.LRU[string, fleet.Device]
	byID    *expirable.LRU[string, string]
}

// NewDeviceCache wraps inner. Entries expire after ttl.
func NewDeviceCache(inner Store, size int, ttl time.Duration) *DeviceCache {
	return &DeviceCache{
		Store:   inner,
		devices: expirable.NewLRU[string, fleet.Device](size, nil, ttl),
		byID:    expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func (c *DeviceCache) ResolveDevice(ctx context.Context, hardwareID string) (*fleet.Device, error) {
	if d, ok := c.devices.Get(hardwareID); ok {
		var cp = d
		return &cp, nil
	}
	var d, err = c.Store.ResolveDevice(ctx, hardwareID)
	if err != nil {
		return nil, err
	}
	c.devices.Add(hardwareID, *d)
	c.byID.Add(d.DeviceID, hardwareID)
	return d, nil
}

// SetNextWake writes through and invalidates, so the next handshake of the
// device sees the schedule it was just given.
func (c *DeviceCache) SetNextWake(ctx context.Context, deviceID string, at time.Time) error {
	if err := c.Store.SetNextWake(ctx, deviceID, at); err != nil {
		return err
	}
	if hw, ok := c.byID.Get(deviceID); ok {
		c.devices.Remove(hw)
	}
	return nil
}
