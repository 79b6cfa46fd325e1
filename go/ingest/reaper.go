package ingest

import (
	"context"
	"time"

	"github.com/gxp-io/fleet/go/router"
)

// Reaper periodically nudges every device with open assemblies to sweep its
// stale ones. The sweep itself runs on the device's worker, so the reaper
// never touches assembly state.
type Reaper struct {
	interval time.Duration
	manager  *Manager
	post     Poster
}

// NewReaper builds a Reaper ticking at interval.
func NewReaper(interval time.Duration, m *Manager, p Poster) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{interval: interval, manager: m, post: p}
}

// Run ticks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	var ticker = time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, hw := range r.manager.ActiveDevices() {
				// A full mailbox just defers the sweep to the next tick.
				r.post.Post(hw, router.Directive{Kind: router.DirectiveSweep})
			}
		}
	}
}
