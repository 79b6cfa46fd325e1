// Package ingest reassembles chunked device images, verifies them, and lands
// them in blob storage with a finalized capture row. It owns the in-memory
// assembly buffers, the NACK retransmission loop, and the reaper that ages
// out abandoned assemblies.
//
// The Manager is driven entirely by a device's serial worker: chunk and
// metadata documents arrive through the Sink methods, and timer- and
// reaper-initiated work arrives as directives posted back through the same
// worker. Assembly state therefore never needs its own locking; the
// Manager's map of assemblies is the only shared structure.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gxp-io/fleet/go/blob"
	"github.com/gxp-io/fleet/go/fleet"
	"github.com/gxp-io/fleet/go/ops"
	"github.com/gxp-io/fleet/go/protocol"
	"github.com/gxp-io/fleet/go/router"
	"github.com/gxp-io/fleet/go/store"
	"github.com/gxp-io/fleet/go/transport"
)

// maxChunkID bounds accepted chunk ids. Device images run to a few hundred
// chunks; anything near this limit is a corrupt or hostile document, and
// without a bound a huge id would explode the gap list.
const maxChunkID = 1 << 16

// nackLimit caps the ids listed in one retransmission request. Remaining
// gaps are requested on later rounds.
const nackLimit = 1024

// Poster posts directives onto a device's serial worker.
type Poster interface {
	Post(hw string, d router.Directive) bool
}

// Config parameterizes a Manager.
type Config struct {
	// CaptureTimeout is how long an assembly may sit without device
	// activity before the reaper fails it.
	CaptureTimeout time.Duration
	// RetransmitDelay is the quiet period that triggers a NACK round.
	RetransmitDelay time.Duration
	// RetransmitMax is the number of fruitless NACK rounds tolerated
	// before the assembly is abandoned.
	RetransmitMax int

	MaxImageBytes int64
	MaxAssemblies int
	MaxPerDevice  int

	// LenientSize logs a declared-size mismatch instead of failing the
	// capture. Some firmware builds misreport image_size.
	LenientSize bool

	// AckTopic is the pattern NACKs and ACK_OKs are published on.
	AckTopic protocol.TopicPattern
}

type assemblyKey struct {
	hw    string
	image string
}

// Manager reassembles images. It implements the data-route half of the
// router's Sink.
type Manager struct {
	cfg    Config
	store  store.Store
	bucket blob.Bucket
	pub    *ops.Publisher
	rec    *ops.Recorder
	gate   *ops.Gate

	mu         sync.Mutex
	assemblies map[assemblyKey]*assembly
	perDevice  map[string]int
	post       Poster
}

// NewManager builds a Manager. Bind must be called before traffic flows.
func NewManager(cfg Config, s store.Store, bucket blob.Bucket, client transport.Client) *Manager {
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 5 * time.Minute
	}
	if cfg.RetransmitDelay <= 0 {
		cfg.RetransmitDelay = 10 * time.Second
	}
	if cfg.RetransmitMax <= 0 {
		cfg.RetransmitMax = 3
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 10 << 20
	}
	if cfg.MaxAssemblies <= 0 {
		cfg.MaxAssemblies = 1024
	}
	if cfg.MaxPerDevice <= 0 {
		cfg.MaxPerDevice = 8
	}
	return &Manager{
		cfg:        cfg,
		store:      s,
		bucket:     bucket,
		pub:        ops.NewPublisher(client, s),
		rec:        ops.NewRecorder(s),
		gate:       ops.NewGate(time.Minute),
		assemblies: make(map[assemblyKey]*assembly),
		perDevice:  make(map[string]int),
	}
}

// Bind wires the Manager's timers and the reaper to the router's mailboxes.
func (m *Manager) Bind(p Poster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.post = p
}

// Stop halts all retransmission timers. In-flight assemblies are dropped;
// their capture rows stay `assembling` and the device, hearing no ACK,
// retransmits on its next wake.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assemblies {
		a.timer.Stop()
	}
}

// ActiveDevices lists hardware ids with at least one open assembly.
func (m *Manager) ActiveDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var seen = make(map[string]struct{}, len(m.perDevice))
	var out []string
	for key := range m.assemblies {
		if _, ok := seen[key.hw]; ok {
			continue
		}
		seen[key.hw] = struct{}{}
		out = append(out, key.hw)
	}
	return out
}

// OnImageMeta folds a metadata document into its assembly, opening one if
// needed. Metadata usually precedes chunks but nothing guarantees it.
func (m *Manager) OnImageMeta(ctx context.Context, dev *fleet.Device, hw string, meta *protocol.ImageMeta) {
	var a, ok = m.assemblyFor(ctx, dev, hw, meta.ImageName)
	if !ok {
		return
	}
	if a.doomed {
		a.lastActivity = time.Now()
		return
	}
	a.dev = *dev

	if meta.FirmwareError != 0 {
		log.WithFields(log.Fields{
			"hw": hw, "image": meta.ImageName, "error": meta.FirmwareError,
		}).Warn("device reported a capture error")
	}

	var countLearned, err = a.capture.ApplyMeta(meta)
	if err != nil {
		// Structured fields were still taken; only the raw merge failed.
		log.WithFields(log.Fields{"hw": hw, "image": meta.ImageName, "err": err}).
			Warn("failed to merge raw metadata")
	}

	if a.capture.DeclaredBytes > m.cfg.MaxImageBytes {
		m.failTerminal(ctx, a, protocol.ErrOversized,
			fmt.Sprintf("declared size %d exceeds limit %d", a.capture.DeclaredBytes, m.cfg.MaxImageBytes),
			map[string]interface{}{"image": meta.ImageName, "declared_bytes": a.capture.DeclaredBytes})
		m.doom(a)
		return
	}

	if countLearned {
		m.purgeOutOfRange(ctx, a)
	}

	if err = m.store.UpdateCaptureMeta(ctx, a.capture); err != nil {
		// The merged document lives on in memory and is written again at
		// finalization; losing this intermediate write only matters for
		// captures that never finish.
		log.WithFields(log.Fields{"hw": hw, "image": meta.ImageName, "err": err}).
			Warn("failed to persist capture metadata")
	}

	a.touch(time.Now(), m.cfg.RetransmitDelay)
	m.maybeComplete(ctx, a)
}

// OnChunk accepts one chunk into its assembly, opening one if needed.
func (m *Manager) OnChunk(ctx context.Context, dev *fleet.Device, hw string, c *protocol.Chunk) {
	var data, err = c.Decode()
	if err != nil {
		// A garbage payload doesn't open or extend an assembly.
		m.rec.Record(ctx, fleet.ErrorRecord{
			DeviceID: dev.DeviceID,
			Code:     protocol.ErrChunkDecodeFail,
			Message:  err.Error(),
			Details:  map[string]interface{}{"image": c.ImageName, "chunk_id": c.ChunkID},
		})
		return
	}
	if c.ChunkID >= maxChunkID {
		m.rec.Record(ctx, fleet.ErrorRecord{
			DeviceID: dev.DeviceID,
			Code:     protocol.ErrChunkOutOfRange,
			Message:  fmt.Sprintf("chunk id %d exceeds protocol limit", c.ChunkID),
			Details:  map[string]interface{}{"image": c.ImageName, "chunk_id": c.ChunkID},
		})
		return
	}

	var a, ok = m.assemblyFor(ctx, dev, hw, c.ImageName)
	if !ok {
		return
	}
	if a.doomed {
		a.lastActivity = time.Now()
		return
	}
	a.dev = *dev

	if total := a.capture.TotalChunks; total > 0 && c.ChunkID >= total {
		m.rec.Record(ctx, fleet.ErrorRecord{
			DeviceID:  a.capture.DeviceID,
			CaptureID: a.capture.CaptureID,
			Code:      protocol.ErrChunkOutOfRange,
			Message:   fmt.Sprintf("chunk id %d outside declared count %d", c.ChunkID, total),
			Details:   map[string]interface{}{"image": c.ImageName, "chunk_id": c.ChunkID, "total_chunks": total},
		})
		return
	}

	if a.bits.has(c.ChunkID) {
		if bytes.Equal(a.chunks[c.ChunkID], data) {
			// QoS 1 redelivery. Nothing to do, and the retransmission
			// timer stays armed: a repeating chunk isn't progress.
			chunksDuplicate.Inc()
			return
		}
		m.rec.Record(ctx, fleet.ErrorRecord{
			DeviceID:  a.capture.DeviceID,
			CaptureID: a.capture.CaptureID,
			Code:      protocol.ErrDupChunkConflict,
			Message:   fmt.Sprintf("chunk %d of %s resent with different payload", c.ChunkID, c.ImageName),
			Details:   map[string]interface{}{"image": c.ImageName, "chunk_id": c.ChunkID},
		})
		return // keep the first payload
	}

	if a.bytes+int64(len(data)) > m.cfg.MaxImageBytes {
		m.failTerminal(ctx, a, protocol.ErrOversized,
			fmt.Sprintf("accepted bytes exceed limit %d", m.cfg.MaxImageBytes),
			map[string]interface{}{"image": c.ImageName, "accepted_bytes": a.bytes})
		m.doom(a)
		return
	}

	a.chunks[c.ChunkID] = data
	a.bits.set(c.ChunkID)
	a.bytes += int64(len(data))
	if c.ChunkID > a.maxSeen {
		a.maxSeen = c.ChunkID
	}
	if a.capture.ChunkSizeBytes == 0 && c.MaxChunkSize > 0 {
		a.capture.ChunkSizeBytes = c.MaxChunkSize
	}
	a.attempts = 0
	a.touch(time.Now(), m.cfg.RetransmitDelay)

	if err = m.store.AppendChunk(ctx, a.capture.CaptureID, c.ChunkID, data); err != nil {
		// The in-memory copy drives this run; the journal is only read
		// back after a restart.
		log.WithFields(log.Fields{"hw": hw, "image": c.ImageName, "chunk": c.ChunkID, "err": err}).
			Warn("failed to journal chunk")
	}

	chunksAccepted.Inc()
	chunkBytes.Add(float64(len(data)))

	m.maybeComplete(ctx, a)
}

// OnDirective handles timer- and reaper-posted work for a device.
func (m *Manager) OnDirective(ctx context.Context, _ *fleet.Device, hw string, d router.Directive) {
	switch d.Kind {
	case router.DirectiveRetransmit:
		m.checkRetransmit(ctx, hw, d.ImageName)
	case router.DirectiveSweep:
		m.sweep(ctx, hw)
	}
}

// assemblyFor returns the open assembly for (hw, image), opening one with a
// fresh capture row when none exists. ok is false when the document should
// be dropped: caps reached, or the capture row couldn't be created.
func (m *Manager) assemblyFor(ctx context.Context, dev *fleet.Device, hw, image string) (*assembly, bool) {
	var key = assemblyKey{hw: hw, image: image}
	m.mu.Lock()
	if a, ok := m.assemblies[key]; ok {
		m.mu.Unlock()
		return a, true
	}
	var active, forDevice = len(m.assemblies), m.perDevice[hw]
	m.mu.Unlock()

	if active >= m.cfg.MaxAssemblies || forDevice >= m.cfg.MaxPerDevice {
		if m.gate.Allow("overload/" + hw) {
			m.rec.Record(ctx, fleet.ErrorRecord{
				DeviceID: dev.DeviceID,
				Code:     protocol.ErrOverload,
				Message:  fmt.Sprintf("assembly caps reached (%d active, %d for device)", active, forDevice),
				Details:  map[string]interface{}{"image": image},
			})
		}
		return nil, false
	}

	var created, err = m.store.CreateCapture(ctx, &fleet.Capture{
		DeviceID:        dev.DeviceID,
		DeviceCaptureID: image,
		IngestStatus:    fleet.IngestAssembling,
	})
	if err != nil {
		if m.gate.Allow("create/" + hw) {
			m.rec.Record(ctx, fleet.ErrorRecord{
				DeviceID: dev.DeviceID,
				Code:     protocol.ErrCaptureUpdateFail,
				Message:  err.Error(),
				Details:  map[string]interface{}{"image": image, "op": "create"},
			})
		}
		return nil, false
	}

	var now = time.Now()
	var a = &assembly{
		capture:      created,
		dev:          *dev,
		hw:           hw,
		chunks:       make(map[int][]byte),
		maxSeen:      -1,
		startedAt:    now,
		lastActivity: now,
	}

	// A pre-existing assembling row may carry journaled chunks from an
	// earlier run. Fold them back in so the device only fills the gaps.
	if journaled, err := m.store.LoadChunks(ctx, created.CaptureID); err != nil {
		log.WithFields(log.Fields{"hw": hw, "image": image, "err": err}).
			Warn("failed to load journaled chunks")
	} else {
		for id, data := range journaled {
			if id >= maxChunkID || (created.TotalChunks > 0 && id >= created.TotalChunks) {
				continue
			}
			a.chunks[id] = data
			a.bits.set(id)
			a.bytes += int64(len(data))
			if id > a.maxSeen {
				a.maxSeen = id
			}
		}
		if len(a.chunks) != 0 {
			log.WithFields(log.Fields{
				"hw": hw, "image": image, "chunks": len(a.chunks),
			}).Info("rehydrated assembly from chunk journal")
		}
	}

	a.timer = time.AfterFunc(m.cfg.RetransmitDelay, func() {
		m.fireRetransmit(hw, image)
	})

	// Messages for one hardware id are serial, so the key can't have been
	// inserted since the check above.
	m.mu.Lock()
	m.assemblies[key] = a
	m.perDevice[hw]++
	m.mu.Unlock()
	assembliesActive.Inc()

	log.WithFields(log.Fields{
		"hw":      hw,
		"image":   image,
		"capture": created.CaptureID,
	}).Info("opened image assembly")
	return a, true
}

func (m *Manager) lookup(hw, image string) *assembly {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assemblies[assemblyKey{hw: hw, image: image}]
}

// fireRetransmit runs on the timer goroutine. It only posts; the device's
// worker does the actual round.
func (m *Manager) fireRetransmit(hw, image string) {
	m.mu.Lock()
	var post = m.post
	m.mu.Unlock()

	if post != nil && post.Post(hw, router.Directive{Kind: router.DirectiveRetransmit, ImageName: image}) {
		return
	}
	// Mailbox full or not yet bound; try again after another delay. A
	// directive for a released assembly is harmless.
	m.mu.Lock()
	if a, ok := m.assemblies[assemblyKey{hw: hw, image: image}]; ok {
		a.timer.Reset(m.cfg.RetransmitDelay)
	}
	m.mu.Unlock()
}

// checkRetransmit runs one retransmission round for an assembly whose timer
// fired. A round that follows recent activity is a stale timer shot and is
// skipped; touch already re-armed it.
func (m *Manager) checkRetransmit(ctx context.Context, hw, image string) {
	var a = m.lookup(hw, image)
	if a == nil || a.doomed {
		return
	}
	if a.complete() {
		// Completed but not yet released: a previous finalization failed
		// on storage. The timer doubles as its retry trigger.
		m.finalize(ctx, a)
		return
	}
	if time.Since(a.lastActivity) < m.cfg.RetransmitDelay {
		return
	}

	a.attempts++
	if a.attempts > m.cfg.RetransmitMax {
		m.failTerminal(ctx, a, protocol.ErrAssemblyRetransmitExhausted,
			fmt.Sprintf("no progress after %d retransmission rounds", m.cfg.RetransmitMax),
			map[string]interface{}{
				"image":        image,
				"have_chunks":  a.bits.count(),
				"total_chunks": a.capture.TotalChunks,
			})
		m.release(a)
		return
	}

	var missing = a.gaps()
	if len(missing) == 0 {
		// All received chunks are contiguous; we're waiting on metadata to
		// learn the count. Nothing useful to request.
		a.timer.Reset(m.cfg.RetransmitDelay)
		return
	}
	if len(missing) > nackLimit {
		missing = missing[:nackLimit]
	}

	var nack = protocol.Nack{ImageName: image, MissingChunks: missing}
	if err := m.pub.Publish(ctx, a.capture.DeviceID, m.cfg.AckTopic.Build(hw), nack); err != nil {
		log.WithFields(log.Fields{"hw": hw, "image": image, "err": err}).
			Warn("failed to publish retransmission request")
	}
	nacksTotal.Inc()
	log.WithFields(log.Fields{
		"hw":      hw,
		"image":   image,
		"round":   a.attempts,
		"missing": len(missing),
	}).Info("requested chunk retransmission")

	a.timer.Reset(m.cfg.RetransmitDelay)
}

// sweep fails this device's assemblies that have sat quiet past the capture
// timeout. It runs on the device's worker, so assembly state is safe to read.
func (m *Manager) sweep(ctx context.Context, hw string) {
	var now = time.Now()
	m.mu.Lock()
	var stale []*assembly
	for key, a := range m.assemblies {
		if key.hw == hw {
			stale = append(stale, a)
		}
	}
	m.mu.Unlock()

	for _, a := range stale {
		if now.Sub(a.lastActivity) <= m.cfg.CaptureTimeout {
			continue
		}
		if a.doomed {
			// Already failed; the stream it was swallowing has ended.
			m.release(a)
			continue
		}
		m.failTerminal(ctx, a, protocol.ErrAssemblyTimeout,
			fmt.Sprintf("no device activity for %s", now.Sub(a.lastActivity).Truncate(time.Second)),
			map[string]interface{}{
				"image":        a.capture.DeviceCaptureID,
				"have_chunks":  a.bits.count(),
				"total_chunks": a.capture.TotalChunks,
			})
		m.release(a)
	}
}

// purgeOutOfRange drops chunks that a freshly-learned count proves invalid.
// They were accepted in good faith while the count was unknown.
func (m *Manager) purgeOutOfRange(ctx context.Context, a *assembly) {
	var total = a.capture.TotalChunks
	var purged []int
	for id, data := range a.chunks {
		if id >= total {
			purged = append(purged, id)
			a.bytes -= int64(len(data))
			a.bits.clear(id)
			delete(a.chunks, id)
		}
	}
	if len(purged) == 0 {
		return
	}
	sort.Ints(purged)
	a.maxSeen = -1
	for id := range a.chunks {
		if id > a.maxSeen {
			a.maxSeen = id
		}
	}
	m.rec.Record(ctx, fleet.ErrorRecord{
		DeviceID:  a.capture.DeviceID,
		CaptureID: a.capture.CaptureID,
		Code:      protocol.ErrChunkOutOfRange,
		Message:   fmt.Sprintf("purged %d chunks outside declared count %d", len(purged), total),
		Details:   map[string]interface{}{"image": a.capture.DeviceCaptureID, "chunk_ids": purged},
	})
}

func (m *Manager) maybeComplete(ctx context.Context, a *assembly) {
	if !a.doomed && a.complete() {
		m.finalize(ctx, a)
	}
}

// failTerminal records the fault and moves the capture row to failed. The
// caller decides whether the assembly is released or doomed. Terminal faults
// are always persisted as errors, whatever the code's default severity.
func (m *Manager) failTerminal(ctx context.Context, a *assembly, code protocol.ErrorCode, msg string, details map[string]interface{}) {
	m.rec.Record(ctx, fleet.ErrorRecord{
		DeviceID:  a.capture.DeviceID,
		CaptureID: a.capture.CaptureID,
		Code:      code,
		Severity:  protocol.SeverityError,
		Message:   msg,
		Details:   details,
	})
	if err := m.store.FailCapture(ctx, a.capture.CaptureID, code); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.WithField("capture", a.capture.CaptureID).
				Debug("capture was already closed")
		} else {
			log.WithFields(log.Fields{"capture": a.capture.CaptureID, "err": err}).
				Error("failed to mark capture failed")
		}
	}
	completedTotal.WithLabelValues(string(code)).Inc()
}

// doom keeps a failed assembly as a tombstone that swallows the remainder of
// its stream. The sweep releases it once the stream goes quiet.
func (m *Manager) doom(a *assembly) {
	a.timer.Stop()
	a.doomed = true
	a.chunks = nil
	a.bits = bitset{}
	a.bytes = 0
}

func (m *Manager) release(a *assembly) {
	a.timer.Stop()
	m.mu.Lock()
	delete(m.assemblies, assemblyKey{hw: a.hw, image: a.capture.DeviceCaptureID})
	if m.perDevice[a.hw]--; m.perDevice[a.hw] <= 0 {
		delete(m.perDevice, a.hw)
	}
	m.mu.Unlock()
	assembliesActive.Dec()
}
