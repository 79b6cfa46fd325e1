// Package store is the persistence façade of the ingester. The Store
// interface is the full surface the rest of the service sees; Postgres backs
// it in production and Memory backs it in tests and local development.
//
// All operations are idempotent or conflict-checked so that at-least-once
// message delivery never corrupts records, and capture status transitions are
// monotonic: `assembling` may move to `success` or `failed`, and neither of
// those ever moves again.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gxp-io/fleet/go/fleet"
	"github.com/gxp-io/fleet/go/protocol"
)

var (
	// ErrNotFound: the referenced row doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the update lost to a prior state transition.
	ErrConflict = errors.New("conflict")
)

// FinalizeFields is everything a successful ingestion writes to its capture
// row in one atomic update.
type FinalizeFields struct {
	StoragePath string
	ImageURL    string
	ImageSHA256 string
	SensorData  map[string]interface{}
	RawMeta     []byte
	CapturedAt  time.Time
}

// Store is the persistence surface of the ingester.
type Store interface {
	// ResolveDevice maps a hardware id to its provisioned device.
	// Returns ErrNotFound for unknown hardware.
	ResolveDevice(ctx context.Context, hardwareID string) (*fleet.Device, error)

	// SetNextWake records when the device was told to wake next.
	SetNextWake(ctx context.Context, deviceID string, at time.Time) error

	// CreateCapture inserts an `assembling` capture row, or returns the
	// existing one when the device already has an assembling capture of
	// the same name.
	CreateCapture(ctx context.Context, c *fleet.Capture) (*fleet.Capture, error)

	// UpdateCaptureMeta persists the capture's current merged metadata.
	// The owning assembly worker is the only writer of an assembling
	// capture, so this is a plain overwrite of the metadata columns.
	UpdateCaptureMeta(ctx context.Context, c *fleet.Capture) error

	// AppendChunk journals one decoded chunk under its capture.
	// Idempotent: re-journaling a chunk id that's already present is a
	// no-op, so duplicate deliveries and keep-first conflict handling
	// never rewrite journaled bytes.
	AppendChunk(ctx context.Context, captureID string, chunkID int, data []byte) error

	// LoadChunks returns the journaled chunks of a capture keyed by chunk
	// id. Used to rehydrate an assembly after a restart.
	LoadChunks(ctx context.Context, captureID string) (map[int][]byte, error)

	// FinalizeCapture atomically marks the capture successful and records
	// where its image landed, releasing the chunk journal. ErrConflict if
	// the capture isn't assembling.
	FinalizeCapture(ctx context.Context, captureID string, f FinalizeFields) error

	// FailCapture marks the capture failed with the given code and
	// releases the chunk journal. ErrConflict if the capture isn't
	// assembling.
	FailCapture(ctx context.Context, captureID string, code protocol.ErrorCode) error

	// RecordStatus appends a device check-in report.
	RecordStatus(ctx context.Context, r *fleet.StatusReport) error

	// RecordError appends a device/ingestion error record.
	RecordError(ctx context.Context, r *fleet.ErrorRecord) error

	// RecordPublish appends a broker-traffic audit record.
	RecordPublish(ctx context.Context, r *fleet.PublishRecord) error

	// FetchQueuedCommands returns up to limit queued operator commands,
	// oldest first.
	FetchQueuedCommands(ctx context.Context, limit int) ([]*fleet.Command, error)

	// MarkCommandSent moves a command queued -> sent.
	MarkCommandSent(ctx context.Context, commandID string, at time.Time) error

	// MarkCommandAcked moves a command to acknowledged. Commands may be
	// acked straight from queued: a device can answer faster than the
	// sent mark lands.
	MarkCommandAcked(ctx context.Context, commandID string, at time.Time) error
}
