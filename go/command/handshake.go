// Package command owns the device-facing command plane: answering status
// check-ins with capture or sleep orders, marking command acknowledgements,
// and draining backend-queued operator commands to awake devices.
//
// Commands on the wire carry the hardware id in their device_id field,
// because that's the identity the firmware knows itself by. Backend rows key
// on the device uuid.
package command

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gxp-io/fleet/go/fleet"
	"github.com/gxp-io/fleet/go/ops"
	"github.com/gxp-io/fleet/go/protocol"
	"github.com/gxp-io/fleet/go/store"
	"github.com/gxp-io/fleet/go/transport"
)

// Handshake answers device status check-ins. A device wakes, reports status,
// and acts on exactly one reply: capture now, or sleep until a given time.
type Handshake struct {
	cmdTopic protocol.TopicPattern
	store    store.Store
	pub      *ops.Publisher
}

// NewHandshake builds a Handshake publishing on cmdTopic.
func NewHandshake(cmdTopic protocol.TopicPattern, s store.Store, client transport.Client) *Handshake {
	return &Handshake{
		cmdTopic: cmdTopic,
		store:    s,
		pub:      ops.NewPublisher(client, s),
	}
}

// OnStatus handles one check-in. dev is nil for unprovisioned hardware,
// which is told to sleep a long default so it stops draining its battery
// against a backend that doesn't know it.
func (h *Handshake) OnStatus(ctx context.Context, dev *fleet.Device, hw string, s *protocol.Status, raw []byte) {
	var now = time.Now().UTC()

	if dev == nil {
		var sleep = protocol.NewSleepCommand(hw, now.Add(fleet.DefaultSleep))
		if err := h.pub.Publish(ctx, "", h.cmdTopic.Build(hw), sleep); err != nil {
			log.WithFields(log.Fields{"hw": hw, "err": err}).Warn("failed to publish default sleep")
			return
		}
		handshakesTotal.WithLabelValues("default_sleep").Inc()
		log.WithFields(log.Fields{"hw": hw, "until": sleep.NextWake}).
			Info("told unknown hardware to sleep")
		return
	}

	var report = &fleet.StatusReport{
		DeviceID:     dev.DeviceID,
		Status:       s.Status,
		PendingCount: s.PendingImg,
		BatteryMV:    s.BatteryMV,
		WifiRSSI:     s.WifiRSSI,
		UptimeMS:     s.UptimeMS,
		BootCount:    s.BootCount,
		Raw:          raw,
		ReceivedAt:   now,
	}
	if err := h.store.RecordStatus(ctx, report); err != nil {
		log.WithFields(log.Fields{"hw": hw, "err": err}).Warn("failed to record device status")
	}
	if s.PendingImg > 0 {
		log.WithFields(log.Fields{"hw": hw, "pending": s.PendingImg}).
			Info("device reports backlogged images")
	}

	if !dev.DueForCapture(now) {
		var sleep = protocol.NewSleepCommand(hw, *dev.NextWakeAt)
		if err := h.pub.Publish(ctx, dev.DeviceID, h.cmdTopic.Build(hw), sleep); err != nil {
			log.WithFields(log.Fields{"hw": hw, "err": err}).Warn("failed to publish sleep command")
			return
		}
		handshakesTotal.WithLabelValues("sleep").Inc()
		log.WithFields(log.Fields{"hw": hw, "until": sleep.NextWake}).Debug("device sent back to sleep")
		return
	}

	// The schedule is written before the capture order goes out. If the
	// write fails, the device gets nothing and falls back on its firmware
	// timeout, rather than capturing against a schedule we never saved.
	var interval = dev.CaptureInterval()
	if interval <= 0 {
		interval = fleet.DefaultSleep
	}
	var nextWake = now.Add(interval)
	if err := h.store.SetNextWake(ctx, dev.DeviceID, nextWake); err != nil {
		log.WithFields(log.Fields{"hw": hw, "err": err}).Error("failed to write device schedule")
		return
	}

	var capture = protocol.CaptureCommand{DeviceID: hw, CaptureImage: true}
	if err := h.pub.Publish(ctx, dev.DeviceID, h.cmdTopic.Build(hw), capture); err != nil {
		log.WithFields(log.Fields{"hw": hw, "err": err}).Warn("failed to publish capture command")
		return
	}
	handshakesTotal.WithLabelValues("capture").Inc()
	log.WithFields(log.Fields{"hw": hw, "next_wake": nextWake.Format(time.RFC3339)}).
		Info("ordered device capture")
}

// OnDeviceAck marks an operator command acknowledged. Documents without a
// command_id are the ingester's own NACK/ACK_OK publishes echoed back on the
// shared ack route, and are dropped.
func (h *Handshake) OnDeviceAck(ctx context.Context, dev *fleet.Device, hw string, a *protocol.DeviceAck) {
	if a.CommandID == "" {
		return
	}
	var err = h.store.MarkCommandAcked(ctx, a.CommandID, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		acksTotal.WithLabelValues("unmatched").Inc()
		log.WithFields(log.Fields{"hw": hw, "command": a.CommandID}).
			Warn("ack for unknown command")
		return
	}
	if err != nil {
		log.WithFields(log.Fields{"hw": hw, "command": a.CommandID, "err": err}).
			Error("failed to mark command acknowledged")
		return
	}
	acksTotal.WithLabelValues("acked").Inc()
	log.WithFields(log.Fields{"hw": hw, "command": a.CommandID, "result": a.Result}).
		Info("device acknowledged command")
}
