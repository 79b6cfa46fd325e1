// Package ops carries the operational plumbing shared by the message-plane
// packages: an audited publisher, a persisted error recorder, and a per-key
// rate gate for noisy fault classes.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gxp-io/fleet/go/fleet"
	"github.com/gxp-io/fleet/go/protocol"
	"github.com/gxp-io/fleet/go/store"
	"github.com/gxp-io/fleet/go/transport"
)

// Publisher publishes documents to the broker and audit-logs each successful
// publish verbatim, direction out.
type Publisher struct {
	client transport.Client
	store  store.Store
}

// NewPublisher wraps a transport client with audit logging.
func NewPublisher(client transport.Client, s store.Store) *Publisher {
	return &Publisher{client: client, store: s}
}

// Publish marshals doc, publishes it, and audits it. deviceID may be empty
// when the peer isn't a provisioned device.
func (p *Publisher) Publish(ctx context.Context, deviceID, topic string, doc interface{}) error {
	var payload, err = json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document for %s: %w", topic, err)
	}
	if err = p.client.Publish(ctx, topic, payload); err != nil {
		publishesTotal.WithLabelValues("error").Inc()
		return err
	}
	publishesTotal.WithLabelValues("ok").Inc()

	var audit = &fleet.PublishRecord{
		DeviceID:  deviceID,
		Topic:     topic,
		Direction: fleet.DirectionOut,
		Payload:   payload,
		LoggedAt:  time.Now().UTC(),
	}
	if err = p.store.RecordPublish(ctx, audit); err != nil {
		log.WithFields(log.Fields{"topic": topic, "err": err}).
			Warn("failed to audit outbound publish")
	}
	return nil
}

// Recorder persists device error records, logging and counting each one.
// Recording never fails the caller: a fault in fault handling is logged and
// dropped.
type Recorder struct {
	store store.Store
}

// NewRecorder returns a Recorder over s.
func NewRecorder(s store.Store) *Recorder { return &Recorder{store: s} }

// Record persists rec, defaulting Severity and OccurredAt.
func (r *Recorder) Record(ctx context.Context, rec fleet.ErrorRecord) {
	if rec.Severity == "" {
		rec.Severity = rec.Code.DefaultSeverity()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}

	var entry = log.WithFields(log.Fields{
		"code":    rec.Code,
		"device":  rec.DeviceID,
		"capture": rec.CaptureID,
		"detail":  rec.Details,
	})
	if rec.Severity == protocol.SeverityError {
		entry.Error(rec.Message)
	} else {
		entry.Warn(rec.Message)
	}
	deviceErrorsTotal.WithLabelValues(string(rec.Code), string(rec.Severity)).Inc()

	if err := r.store.RecordError(ctx, &rec); err != nil {
		log.WithFields(log.Fields{"code": rec.Code, "err": err}).
			Error("failed to persist device error")
	}
}

// Gate rate-limits per-key events: Allow returns true at most once per
// interval for each key. It bounds the error-row volume of fault classes a
// misbehaving device can emit at line rate.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

// NewGate returns a Gate with the given per-key interval.
func NewGate(interval time.Duration) *Gate {
	return &Gate{interval: interval, last: make(map[string]time.Time)}
}

// Allow reports whether the key's event should be emitted now.
func (g *Gate) Allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	var now = time.Now()
	if last, ok := g.last[key]; ok && now.Sub(last) < g.interval {
		return false
	}
	g.last[key] = now
	return true
}
