// Package router is the inbound gateway of the ingester. It subscribes the
// device topic filters, validates and audits traffic, classifies data-route
// documents by content, and dispatches everything through bounded per-device
// mailboxes to a Sink.
//
// One serial worker owns each hardware id: all processing for a device,
// including internally-posted directives, runs on its worker. Devices are
// mutually concurrent; within a device, arrival order is preserved. The
// transport callback only ever appends to a mailbox, so a slow device (or a
// slow database) can't stall the broker client.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gxp-io/fleet/go/fleet"
	"github.com/gxp-io/fleet/go/ops"
	"github.com/gxp-io/fleet/go/protocol"
	"github.com/gxp-io/fleet/go/store"
	"github.com/gxp-io/fleet/go/transport"
)

// Route names an inbound subscription.
type Route int

const (
	// RouteStatus carries device check-ins.
	RouteStatus Route = iota
	// RouteData carries image metadata and chunks.
	RouteData
	// RouteAck carries device command acknowledgements.
	RouteAck
)

func (r Route) String() string {
	switch r {
	case RouteStatus:
		return "status"
	case RouteData:
		return "data"
	default:
		return "ack"
	}
}

// DirectiveKind names an internally-posted work item.
type DirectiveKind int

const (
	// DirectiveRetransmit checks one assembly's retransmission timer.
	DirectiveRetransmit DirectiveKind = iota
	// DirectiveSweep ages out the device's stale assemblies.
	DirectiveSweep
)

// Directive is a work item posted to a device's mailbox by timers and the
// reaper. Directives act on assemblies only through the owning worker, never
// directly.
type Directive struct {
	Kind      DirectiveKind
	ImageName string
}

// Sink receives dispatched traffic. Calls for one hardware id are serial;
// dev is nil when the hardware id has no provisioned device.
type Sink interface {
	OnStatus(ctx context.Context, dev *fleet.Device, hw string, s *protocol.Status, raw []byte)
	OnImageMeta(ctx context.Context, dev *fleet.Device, hw string, m *protocol.ImageMeta)
	OnChunk(ctx context.Context, dev *fleet.Device, hw string, c *protocol.Chunk)
	OnDeviceAck(ctx context.Context, dev *fleet.Device, hw string, a *protocol.DeviceAck)
	OnDirective(ctx context.Context, dev *fleet.Device, hw string, d Directive)
}

// Topics are the four topic patterns of the device protocol.
type Topics struct {
	Data   protocol.TopicPattern
	Status protocol.TopicPattern
	Ack    protocol.TopicPattern
	Cmd    protocol.TopicPattern
}

// Config parameterizes a Router.
type Config struct {
	Topics      Topics
	MailboxSize int
	// GateInterval bounds how often per-device drop/unknown error rows
	// are persisted.
	GateInterval time.Duration
}

// Router owns the per-device mailboxes and workers.
type Router struct {
	cfg      Config
	store    store.Store
	sink     Sink
	recorder *ops.Recorder
	gate     *ops.Gate

	mu      sync.RWMutex
	workers map[string]*worker
	quit    chan struct{}
	closed  bool
	faults  chan fault

	wg sync.WaitGroup
}

type worker struct {
	hw    string
	inbox chan item
}

type item struct {
	route Route
	msg   transport.Message
	dir   *Directive
}

type fault struct {
	code    protocol.ErrorCode
	hw      string
	topic   string
	payload []byte
	key     string
}

// New builds a Router dispatching to sink.
func New(cfg Config, s store.Store, sink Sink) *Router {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 64
	}
	if cfg.GateInterval <= 0 {
		cfg.GateInterval = time.Minute
	}
	return &Router{
		cfg:      cfg,
		store:    s,
		sink:     sink,
		recorder: ops.NewRecorder(s),
		gate:     ops.NewGate(cfg.GateInterval),
		workers:  make(map[string]*worker),
		quit:     make(chan struct{}),
		faults:   make(chan fault, 256),
	}
}

// Start subscribes the inbound routes and begins dispatching.
func (r *Router) Start(ctx context.Context, client transport.Client) error {
	var routes = []struct {
		route   Route
		pattern protocol.TopicPattern
	}{
		{RouteStatus, r.cfg.Topics.Status},
		{RouteData, r.cfg.Topics.Data},
		{RouteAck, r.cfg.Topics.Ack},
	}
	for _, s := range routes {
		var route = s.route
		var err = client.Subscribe(ctx, s.pattern.String(), func(m transport.Message) {
			r.inbound(route, m)
		})
		if err != nil {
			return fmt.Errorf("subscribing %s route: %w", route, err)
		}
	}

	r.wg.Add(1)
	go r.runFaults()
	return nil
}

// Post delivers a directive to the device's worker. It reports false when the
// mailbox is full or the router is closed; posters rely on later ticks rather
// than blocking.
func (r *Router) Post(hw string, d Directive) bool {
	var w = r.workerFor(hw)
	if w == nil {
		return false
	}
	select {
	case w.inbox <- item{dir: &d}:
		return true
	default:
		return false
	}
}

// Close stops accepting traffic and waits for workers to drain, up to ctx.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.quit)
	}
	r.mu.Unlock()

	var done = make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining device workers: %w", ctx.Err())
	}
}

// inbound runs on the transport callback: match, validate, append. Nothing
// here blocks.
func (r *Router) inbound(route Route, msg transport.Message) {
	inboundTotal.WithLabelValues(route.String()).Inc()

	var pattern = r.patternFor(route)
	var hw, ok = pattern.Match(msg.Topic)
	if !ok || !protocol.IsHardwareID(hw) {
		r.fault(fault{
			code:    protocol.ErrBadTopic,
			topic:   msg.Topic,
			payload: msg.Payload,
			key:     "bad_topic/" + msg.Topic,
		})
		return
	}

	var w = r.workerFor(hw)
	if w == nil {
		return
	}
	select {
	case w.inbox <- item{route: route, msg: msg}:
	default:
		mailboxDrops.WithLabelValues(route.String()).Inc()
		r.fault(fault{
			code:  protocol.ErrBackpressureDrop,
			hw:    hw,
			topic: msg.Topic,
			key:   "drop/" + hw,
		})
	}
}

func (r *Router) patternFor(route Route) protocol.TopicPattern {
	switch route {
	case RouteStatus:
		return r.cfg.Topics.Status
	case RouteData:
		return r.cfg.Topics.Data
	default:
		return r.cfg.Topics.Ack
	}
}

func (r *Router) workerFor(hw string) *worker {
	r.mu.RLock()
	var w, ok = r.workers[hw]
	var closed = r.closed
	r.mu.RUnlock()
	if closed {
		return nil
	}
	if ok {
		return w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if w, ok = r.workers[hw]; ok {
		return w
	}
	w = &worker{hw: hw, inbox: make(chan item, r.cfg.MailboxSize)}
	r.workers[hw] = w
	workersActive.Inc()

	r.wg.Add(1)
	go r.runWorker(w)
	return w
}

// runWorker drains one device's mailbox. Handling uses a background context:
// a shutdown still lets queued work land its writes, and every store and
// publish call carries its own deadline.
func (r *Router) runWorker(w *worker) {
	defer r.wg.Done()
	var ctx = context.Background()
	for {
		select {
		case it := <-w.inbox:
			r.handle(ctx, w.hw, it)
		case <-r.quit:
			for {
				select {
				case it := <-w.inbox:
					r.handle(ctx, w.hw, it)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) handle(ctx context.Context, hw string, it item) {
	var dev, err = r.store.ResolveDevice(ctx, hw)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithFields(log.Fields{"hw": hw, "err": err}).Error("device resolution failed")
		return
	}

	if it.dir != nil {
		r.sink.OnDirective(ctx, dev, hw, *it.dir)
		return
	}

	var deviceID string
	if dev != nil {
		deviceID = dev.DeviceID
	}
	var audit = &fleet.PublishRecord{
		DeviceID:  deviceID,
		Topic:     it.msg.Topic,
		Direction: fleet.DirectionIn,
		Payload:   it.msg.Payload,
		LoggedAt:  time.Now().UTC(),
	}
	if err = r.store.RecordPublish(ctx, audit); err != nil {
		log.WithFields(log.Fields{"topic": it.msg.Topic, "err": err}).
			Warn("failed to audit inbound message")
	}

	if dev == nil {
		if r.gate.Allow("unknown/" + hw) {
			r.recorder.Record(ctx, fleet.ErrorRecord{
				Code:    protocol.ErrUnknownDevice,
				Message: fmt.Sprintf("traffic from unprovisioned hardware %s", hw),
				Details: map[string]interface{}{"topic": it.msg.Topic},
			})
		}
		// A status check-in still gets answered (with a default sleep)
		// so unknown hardware backs off. Everything else is dropped.
		if it.route == RouteStatus {
			if s, err := protocol.ParseStatus(it.msg.Payload); err == nil {
				r.sink.OnStatus(ctx, nil, hw, s, it.msg.Payload)
			}
		}
		return
	}

	switch it.route {
	case RouteStatus:
		var s, err = protocol.ParseStatus(it.msg.Payload)
		if err != nil {
			r.parseFail(ctx, dev, it, err)
			return
		}
		r.sink.OnStatus(ctx, dev, hw, s, it.msg.Payload)

	case RouteAck:
		var a, err = protocol.ParseDeviceAck(it.msg.Payload)
		if err != nil {
			r.parseFail(ctx, dev, it, err)
			return
		}
		r.sink.OnDeviceAck(ctx, dev, hw, a)

	case RouteData:
		var kind = protocol.ClassifyData(it.msg.Payload)
		classifiedTotal.WithLabelValues(kind.String()).Inc()
		switch kind {
		case protocol.DataChunk:
			var c, err = protocol.ParseChunk(it.msg.Payload)
			if err != nil {
				r.parseFail(ctx, dev, it, err)
				return
			}
			r.sink.OnChunk(ctx, dev, hw, c)
		case protocol.DataMeta:
			var m, err = protocol.ParseImageMeta(it.msg.Payload)
			if err != nil {
				r.parseFail(ctx, dev, it, err)
				return
			}
			r.sink.OnImageMeta(ctx, dev, hw, m)
		default:
			log.WithFields(log.Fields{
				"hw":    hw,
				"topic": it.msg.Topic,
				"bytes": len(it.msg.Payload),
			}).Debug("unclassifiable data document dropped")
		}
	}
}

func (r *Router) parseFail(ctx context.Context, dev *fleet.Device, it item, err error) {
	r.recorder.Record(ctx, fleet.ErrorRecord{
		DeviceID: dev.DeviceID,
		Code:     protocol.ErrParseFail,
		Message:  err.Error(),
		Details: map[string]interface{}{
			"topic": it.msg.Topic,
			"bytes": len(it.msg.Payload),
		},
	})
}

// fault hands a callback-context fault to the fault worker without blocking.
func (r *Router) fault(f fault) {
	select {
	case r.faults <- f:
	default:
		faultsDropped.Inc()
	}
}

func (r *Router) runFaults() {
	defer r.wg.Done()
	var ctx = context.Background()
	for {
		select {
		case f := <-r.faults:
			r.handleFault(ctx, f)
		case <-r.quit:
			for {
				select {
				case f := <-r.faults:
					r.handleFault(ctx, f)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) handleFault(ctx context.Context, f fault) {
	if !r.gate.Allow(f.key) {
		return
	}
	switch f.code {
	case protocol.ErrBadTopic:
		// Bad-topic traffic is still audited; there's just no device to
		// attribute it to.
		var audit = &fleet.PublishRecord{
			Topic:     f.topic,
			Direction: fleet.DirectionIn,
			Payload:   f.payload,
			LoggedAt:  time.Now().UTC(),
		}
		if err := r.store.RecordPublish(ctx, audit); err != nil {
			log.WithFields(log.Fields{"topic": f.topic, "err": err}).
				Warn("failed to audit bad-topic message")
		}
		r.recorder.Record(ctx, fleet.ErrorRecord{
			Code:    protocol.ErrBadTopic,
			Message: fmt.Sprintf("malformed device segment in topic %s", f.topic),
			Details: map[string]interface{}{"topic": f.topic},
		})

	case protocol.ErrBackpressureDrop:
		var deviceID string
		if dev, err := r.store.ResolveDevice(ctx, f.hw); err == nil {
			deviceID = dev.DeviceID
		}
		r.recorder.Record(ctx, fleet.ErrorRecord{
			DeviceID: deviceID,
			Code:     protocol.ErrBackpressureDrop,
			Message:  fmt.Sprintf("mailbox full, dropped message for %s", f.hw),
			Details:  map[string]interface{}{"topic": f.topic},
		})
	}
}
