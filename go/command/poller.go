package command

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gxp-io/fleet/go/ops"
	"github.com/gxp-io/fleet/go/protocol"
	"github.com/gxp-io/fleet/go/store"
	"github.com/gxp-io/fleet/go/transport"
)

// drainBatch bounds how many queued commands one poll publishes.
const drainBatch = 32

// Poller drains backend-queued operator commands to the broker. Delivery is
// at-least-once: a command is marked sent only after its publish is
// acknowledged, so a crash in between republishes it.
type Poller struct {
	interval time.Duration
	cmdTopic protocol.TopicPattern
	store    store.Store
	pub      *ops.Publisher
}

// NewPoller builds a Poller ticking at interval.
func NewPoller(interval time.Duration, cmdTopic protocol.TopicPattern, s store.Store, client transport.Client) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		interval: interval,
		cmdTopic: cmdTopic,
		store:    s,
		pub:      ops.NewPublisher(client, s),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	var ticker = time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain publishes one batch of queued commands, oldest first. Failures leave
// the command queued for the next poll.
func (p *Poller) Drain(ctx context.Context) {
	var queued, err = p.store.FetchQueuedCommands(ctx, drainBatch)
	if err != nil {
		log.WithField("err", err).Warn("failed to fetch queued commands")
		return
	}

	for _, c := range queued {
		if c.HardwareID == "" {
			// Command row points at a device row we can't build a topic
			// from. Leave it queued for an operator to notice.
			log.WithFields(log.Fields{"command": c.CommandID, "device": c.DeviceID}).
				Warn("queued command has no hardware id")
			continue
		}
		var doc = protocol.QueuedCommand{
			CommandID:   c.CommandID,
			CommandType: c.CommandType,
			Params:      c.Params,
		}
		if err = p.pub.Publish(ctx, c.DeviceID, p.cmdTopic.Build(c.HardwareID), doc); err != nil {
			log.WithFields(log.Fields{"command": c.CommandID, "hw": c.HardwareID, "err": err}).
				Warn("failed to publish queued command")
			continue
		}
		if err = p.store.MarkCommandSent(ctx, c.CommandID, time.Now().UTC()); err != nil {
			// Published but not marked: the next poll repeats it, and the
			// device's ack settles it either way.
			log.WithFields(log.Fields{"command": c.CommandID, "err": err}).
				Warn("failed to mark command sent")
			continue
		}
		commandsSent.Inc()
		log.WithFields(log.Fields{
			"command": c.CommandID,
			"type":    c.CommandType,
			"hw":      c.HardwareID,
		}).Info("delivered operator command")
	}
}
