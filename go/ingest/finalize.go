package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gxp-io/fleet/go/blob"
	"github.com/gxp-io/fleet/go/fleet"
	"github.com/gxp-io/fleet/go/protocol"
	"github.com/gxp-io/fleet/go/store"
)

// finalize verifies a complete assembly, uploads the image, closes the
// capture row, and acknowledges the device. Verification failures are
// terminal. Storage failures keep the assembly and re-arm its timer: the
// next directive retries the whole finalization, which is idempotent end to
// end, until the reaper's timeout bounds it.
func (m *Manager) finalize(ctx context.Context, a *assembly) {
	var started = time.Now()
	var c = a.capture

	var img = make([]byte, 0, a.bytes)
	for i := 0; i < c.TotalChunks; i++ {
		img = append(img, a.chunks[i]...)
	}

	if c.DeclaredBytes > 0 && int64(len(img)) != c.DeclaredBytes {
		if !m.cfg.LenientSize {
			m.failTerminal(ctx, a, protocol.ErrSizeMismatch,
				fmt.Sprintf("assembled %d bytes, device declared %d", len(img), c.DeclaredBytes),
				map[string]interface{}{
					"image":          c.DeviceCaptureID,
					"assembled":      len(img),
					"declared_bytes": c.DeclaredBytes,
				})
			m.release(a)
			return
		}
		m.rec.Record(ctx, fleet.ErrorRecord{
			DeviceID:  c.DeviceID,
			CaptureID: c.CaptureID,
			Code:      protocol.ErrSizeMismatch,
			Message:   fmt.Sprintf("assembled %d bytes, device declared %d; accepting", len(img), c.DeclaredBytes),
			Details: map[string]interface{}{
				"image":          c.DeviceCaptureID,
				"assembled":      len(img),
				"declared_bytes": c.DeclaredBytes,
			},
		})
	}

	if !isJPEG(img) {
		m.failTerminal(ctx, a, protocol.ErrJPEGInvalid,
			"assembled image is not a well-formed JPEG",
			map[string]interface{}{"image": c.DeviceCaptureID, "bytes": len(img)})
		m.release(a)
		return
	}

	var sum = sha256.Sum256(img)
	var digest = hex.EncodeToString(sum[:])
	if c.DeclaredSHA256 != "" && !strings.EqualFold(digest, c.DeclaredSHA256) {
		m.failTerminal(ctx, a, protocol.ErrHashMismatch,
			"assembled image hash does not match device declaration",
			map[string]interface{}{
				"image":    c.DeviceCaptureID,
				"computed": digest,
				"declared": c.DeclaredSHA256,
			})
		m.release(a)
		return
	}

	var capturedAt = c.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	var path = blob.ObjectPath(a.hw, capturedAt, c.DeviceCaptureID)
	if err := m.bucket.Put(ctx, path, img, "image/jpeg"); err != nil {
		if m.gate.Allow("upload/" + c.CaptureID) {
			m.rec.Record(ctx, fleet.ErrorRecord{
				DeviceID:  c.DeviceID,
				CaptureID: c.CaptureID,
				Code:      protocol.ErrStorageUploadFail,
				Message:   err.Error(),
				Details:   map[string]interface{}{"image": c.DeviceCaptureID, "path": path},
			})
		}
		a.timer.Reset(m.cfg.RetransmitDelay)
		return
	}

	var fields = store.FinalizeFields{
		StoragePath: path,
		ImageURL:    m.bucket.PublicURL(path),
		ImageSHA256: digest,
		SensorData:  c.SensorData,
		RawMeta:     c.RawMeta,
		CapturedAt:  capturedAt,
	}
	if err := m.store.FinalizeCapture(ctx, c.CaptureID, fields); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Closed out from under us; the image is uploaded either way.
			log.WithField("capture", c.CaptureID).Warn("capture was already closed")
			m.release(a)
			return
		}
		if m.gate.Allow("finalize/" + c.CaptureID) {
			m.rec.Record(ctx, fleet.ErrorRecord{
				DeviceID:  c.DeviceID,
				CaptureID: c.CaptureID,
				Code:      protocol.ErrCaptureUpdateFail,
				Message:   err.Error(),
				Details:   map[string]interface{}{"image": c.DeviceCaptureID, "op": "finalize"},
			})
		}
		a.timer.Reset(m.cfg.RetransmitDelay)
		return
	}

	// Tell the device its image is safe and when to wake next. Best-effort:
	// a device that misses this sleeps on its own timeout and retransmits,
	// and the idempotent capture row absorbs the repeat.
	var ack = protocol.NewAckOK(c.DeviceCaptureID, m.nextWake(a, time.Now()))
	if err := m.pub.Publish(ctx, c.DeviceID, m.cfg.AckTopic.Build(a.hw), ack); err != nil {
		log.WithFields(log.Fields{"hw": a.hw, "image": c.DeviceCaptureID, "err": err}).
			Warn("failed to publish ACK_OK")
	}

	finalizeSeconds.Observe(time.Since(started).Seconds())
	completedTotal.WithLabelValues("success").Inc()
	log.WithFields(log.Fields{
		"hw":       a.hw,
		"image":    c.DeviceCaptureID,
		"capture":  c.CaptureID,
		"bytes":    len(img),
		"chunks":   c.TotalChunks,
		"duration": time.Since(a.startedAt).Truncate(time.Millisecond).String(),
	}).Info("capture ingested")
	m.release(a)
}

// nextWake is the wake time quoted in an ACK_OK. The handshake normally set
// the device's schedule when it ordered the capture; fall back to one
// interval from now for devices mid-migration without one.
func (m *Manager) nextWake(a *assembly, now time.Time) time.Time {
	if a.dev.NextWakeAt != nil && a.dev.NextWakeAt.After(now) {
		return *a.dev.NextWakeAt
	}
	if interval := a.dev.CaptureInterval(); interval > 0 {
		return now.Add(interval)
	}
	return now.Add(fleet.DefaultSleep)
}

// isJPEG checks the SOI and EOI markers that bound every JPEG stream.
func isJPEG(b []byte) bool {
	return len(b) >= 4 &&
		b[0] == 0xFF && b[1] == 0xD8 &&
		b[len(b)-2] == 0xFF && b[len(b)-1] == 0xD9
}
