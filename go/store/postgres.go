package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gxp-io/fleet/go/fleet"
	"github.com/gxp-io/fleet/go/protocol"
)

// Postgres is the production Store, backed by a pgx connection pool against
// the backend's Postgres. Every operation runs under its own deadline so a
// wedged database can't stall device workers indefinitely.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string, opTimeout time.Duration) (*Postgres, error) {
	var cfg, err = pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting database pool: %w", err)
	}

	var pingCtx, cancel = context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err = pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{pool: pool, timeout: opTimeout}, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

const resolveDeviceSQL = `
SELECT device_id, device_hw_id, COALESCE(company_id::text, ''),
       next_wake_at, test_mode, test_interval_minutes,
       capture_interval_hours, wakeup_window_sec
FROM devices WHERE device_hw_id = $1
`

func (p *Postgres) ResolveDevice(ctx context.Context, hardwareID string) (*fleet.Device, error) {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var d = new(fleet.Device)
	var err = p.pool.QueryRow(ctx, resolveDeviceSQL, hardwareID).Scan(
		&d.DeviceID, &d.HardwareID, &d.CompanyID, &d.NextWakeAt,
		&d.TestMode, &d.TestIntervalMinutes, &d.CaptureIntervalHours,
		&d.WakeupWindowSec,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", hardwareID, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("resolving device %s: %w", hardwareID, err)
	}
	return d, nil
}

const setNextWakeSQL = `UPDATE devices SET next_wake_at = $2 WHERE device_id = $1`

func (p *Postgres) SetNextWake(ctx context.Context, deviceID string, at time.Time) error {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var tag, err = p.pool.Exec(ctx, setNextWakeSQL, deviceID, at.UTC())
	if err != nil {
		return fmt.Errorf("setting next wake of %s: %w", deviceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return nil
}

const insertCaptureSQL = `
INSERT INTO captures (
  capture_id, device_id, device_capture_id, captured_at, declared_bytes,
  chunk_size_bytes, total_chunks, declared_sha256, ingest_status,
  sensor_data, raw_meta, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), 'assembling', $9, $10, now())
ON CONFLICT (device_id, device_capture_id) WHERE ingest_status = 'assembling'
DO NOTHING
`

const selectAssemblingSQL = `
SELECT capture_id, device_id, device_capture_id,
       COALESCE(captured_at, 'epoch'::timestamptz), declared_bytes,
       chunk_size_bytes, total_chunks, COALESCE(declared_sha256, ''),
       ingest_status, COALESCE(ingest_error, ''), COALESCE(storage_path, ''),
       COALESCE(image_url, ''), COALESCE(image_sha256, ''),
       sensor_data, raw_meta, updated_at
FROM captures
WHERE device_id = $1 AND device_capture_id = $2 AND ingest_status = 'assembling'
`

func (p *Postgres) CreateCapture(ctx context.Context, c *fleet.Capture) (*fleet.Capture, error) {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var sensor, err = marshalSensor(c.SensorData)
	if err != nil {
		return nil, fmt.Errorf("encoding sensor data: %w", err)
	}
	var cp = *c
	if cp.CaptureID == "" {
		cp.CaptureID = uuid.NewString()
	}
	_, err = p.pool.Exec(ctx, insertCaptureSQL,
		cp.CaptureID, cp.DeviceID, cp.DeviceCaptureID, nullTime(cp.CapturedAt),
		cp.DeclaredBytes, cp.ChunkSizeBytes, cp.TotalChunks, cp.DeclaredSHA256,
		sensor, rawOrNil(cp.RawMeta),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting capture %s/%s: %w", cp.DeviceID, cp.DeviceCaptureID, err)
	}

	// Either our insert landed or an assembling row already existed.
	// Read back whichever won.
	var row = p.pool.QueryRow(ctx, selectAssemblingSQL, cp.DeviceID, cp.DeviceCaptureID)
	var out, scanErr = scanCapture(row)
	if scanErr != nil {
		return nil, fmt.Errorf("reading back capture %s/%s: %w", cp.DeviceID, cp.DeviceCaptureID, scanErr)
	}
	return out, nil
}

const updateCaptureMetaSQL = `
UPDATE captures SET
  captured_at = $2, declared_bytes = $3, chunk_size_bytes = $4,
  total_chunks = $5, declared_sha256 = NULLIF($6, ''),
  sensor_data = $7, raw_meta = $8, updated_at = now()
WHERE capture_id = $1 AND ingest_status = 'assembling'
`

func (p *Postgres) UpdateCaptureMeta(ctx context.Context, c *fleet.Capture) error {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var sensor, err = marshalSensor(c.SensorData)
	if err != nil {
		return fmt.Errorf("encoding sensor data: %w", err)
	}
	tag, err := p.pool.Exec(ctx, updateCaptureMetaSQL,
		c.CaptureID, nullTime(c.CapturedAt), c.DeclaredBytes, c.ChunkSizeBytes,
		c.TotalChunks, c.DeclaredSHA256, sensor, rawOrNil(c.RawMeta),
	)
	if err != nil {
		return fmt.Errorf("updating capture %s metadata: %w", c.CaptureID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("capture %s is not assembling: %w", c.CaptureID, ErrConflict)
	}
	return nil
}

const appendChunkSQL = `
INSERT INTO capture_chunks (capture_id, chunk_id, payload)
VALUES ($1, $2, $3)
ON CONFLICT (capture_id, chunk_id) DO NOTHING
`

func (p *Postgres) AppendChunk(ctx context.Context, captureID string, chunkID int, data []byte) error {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var _, err = p.pool.Exec(ctx, appendChunkSQL, captureID, chunkID, data)
	if err != nil {
		return fmt.Errorf("journaling chunk %d of %s: %w", chunkID, captureID, err)
	}
	return nil
}

const loadChunksSQL = `SELECT chunk_id, payload FROM capture_chunks WHERE capture_id = $1`

func (p *Postgres) LoadChunks(ctx context.Context, captureID string) (map[int][]byte, error) {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var rows, err = p.pool.Query(ctx, loadChunksSQL, captureID)
	if err != nil {
		return nil, fmt.Errorf("loading chunks of %s: %w", captureID, err)
	}
	defer rows.Close()

	var out = make(map[int][]byte)
	for rows.Next() {
		var id int
		var data []byte
		if err = rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scanning chunk of %s: %w", captureID, err)
		}
		out[id] = data
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("loading chunks of %s: %w", captureID, err)
	}
	return out, nil
}

const finalizeCaptureSQL = `
UPDATE captures SET
  ingest_status = 'success', ingest_error = NULL,
  storage_path = $2, image_url = $3, image_sha256 = $4,
  sensor_data = $5, raw_meta = $6,
  captured_at = COALESCE($7, captured_at), updated_at = now()
WHERE capture_id = $1 AND ingest_status = 'assembling'
`

const purgeChunksSQL = `DELETE FROM capture_chunks WHERE capture_id = $1`

func (p *Postgres) FinalizeCapture(ctx context.Context, captureID string, f FinalizeFields) error {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var sensor, err = marshalSensor(f.SensorData)
	if err != nil {
		return fmt.Errorf("encoding sensor data: %w", err)
	}
	// Terminal transition and journal release commit together.
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, finalizeCaptureSQL,
			captureID, f.StoragePath, f.ImageURL, f.ImageSHA256,
			sensor, rawOrNil(f.RawMeta), nullTime(f.CapturedAt),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		_, err = tx.Exec(ctx, purgeChunksSQL, captureID)
		return err
	})
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("capture %s is not assembling: %w", captureID, ErrConflict)
	} else if err != nil {
		return fmt.Errorf("finalizing capture %s: %w", captureID, err)
	}
	return nil
}

const failCaptureSQL = `
UPDATE captures SET ingest_status = 'failed', ingest_error = $2, updated_at = now()
WHERE capture_id = $1 AND ingest_status = 'assembling'
`

func (p *Postgres) FailCapture(ctx context.Context, captureID string, code protocol.ErrorCode) error {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, failCaptureSQL, captureID, string(code))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		_, err = tx.Exec(ctx, purgeChunksSQL, captureID)
		return err
	})
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("capture %s is not assembling: %w", captureID, ErrConflict)
	} else if err != nil {
		return fmt.Errorf("failing capture %s: %w", captureID, err)
	}
	return nil
}

const recordStatusSQL = `
INSERT INTO device_status (
  device_id, status, pending_count, battery_mv, wifi_rssi,
  uptime_ms, boot_count, raw, received_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

func (p *Postgres) RecordStatus(ctx context.Context, r *fleet.StatusReport) error {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var _, err = p.pool.Exec(ctx, recordStatusSQL,
		r.DeviceID, r.Status, r.PendingCount, r.BatteryMV, r.WifiRSSI,
		r.UptimeMS, r.BootCount, rawOrNil(r.Raw), r.ReceivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording status of %s: %w", r.DeviceID, err)
	}
	return nil
}

const recordErrorSQL = `
INSERT INTO device_errors (
  device_id, capture_id, error_code, severity, message, details, occurred_at
) VALUES (NULLIF($1, '')::uuid, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7)
`

func (p *Postgres) RecordError(ctx context.Context, r *fleet.ErrorRecord) error {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var details []byte
	if len(r.Details) != 0 {
		var err error
		if details, err = json.Marshal(r.Details); err != nil {
			return fmt.Errorf("encoding error details: %w", err)
		}
	}
	var _, err = p.pool.Exec(ctx, recordErrorSQL,
		r.DeviceID, r.CaptureID, string(r.Code), string(r.Severity),
		r.Message, details, r.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording error %s: %w", r.Code, err)
	}
	return nil
}

const recordPublishSQL = `
INSERT INTO device_publish_log (device_id, topic, direction, payload, logged_at)
VALUES (NULLIF($1, '')::uuid, $2, $3, $4, $5)
`

func (p *Postgres) RecordPublish(ctx context.Context, r *fleet.PublishRecord) error {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var _, err = p.pool.Exec(ctx, recordPublishSQL,
		r.DeviceID, r.Topic, string(r.Direction), rawOrNil(r.Payload), r.LoggedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording publish on %s: %w", r.Topic, err)
	}
	return nil
}

const fetchQueuedSQL = `
SELECT c.command_id, c.device_id, d.device_hw_id, c.command_type, c.payload, c.requested_at
FROM device_commands c
JOIN devices d ON d.device_id = c.device_id
WHERE c.status = 'queued'
ORDER BY c.requested_at ASC
LIMIT $1
`

func (p *Postgres) FetchQueuedCommands(ctx context.Context, limit int) ([]*fleet.Command, error) {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var rows, err = p.pool.Query(ctx, fetchQueuedSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching queued commands: %w", err)
	}
	defer rows.Close()

	var out []*fleet.Command
	for rows.Next() {
		var c = &fleet.Command{Status: fleet.CommandQueued}
		var payload []byte
		if err = rows.Scan(&c.CommandID, &c.DeviceID, &c.HardwareID, &c.CommandType, &payload, &c.RequestedAt); err != nil {
			return nil, fmt.Errorf("scanning queued command: %w", err)
		}
		if len(payload) != 0 {
			if err = json.Unmarshal(payload, &c.Params); err != nil {
				return nil, fmt.Errorf("decoding command %s payload: %w", c.CommandID, err)
			}
		}
		out = append(out, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("fetching queued commands: %w", err)
	}
	return out, nil
}

const markSentSQL = `
UPDATE device_commands SET status = 'sent', sent_at = $2
WHERE command_id = $1 AND status = 'queued'
`

func (p *Postgres) MarkCommandSent(ctx context.Context, commandID string, at time.Time) error {
	return p.markCommand(ctx, markSentSQL, commandID, at)
}

const markAckedSQL = `
UPDATE device_commands SET status = 'acknowledged', acked_at = $2
WHERE command_id = $1 AND status IN ('queued', 'sent')
`

func (p *Postgres) MarkCommandAcked(ctx context.Context, commandID string, at time.Time) error {
	return p.markCommand(ctx, markAckedSQL, commandID, at)
}

func (p *Postgres) markCommand(ctx context.Context, sql, commandID string, at time.Time) error {
	ctx, cancel := p.op(ctx)
	defer cancel()

	var tag, err = p.pool.Exec(ctx, sql, commandID, at.UTC())
	if err != nil {
		return fmt.Errorf("updating command %s: %w", commandID, err)
	}
	if tag.RowsAffected() != 0 {
		return nil
	}
	// Zero rows is either a prior transition (fine) or a missing command.
	var exists bool
	err = p.pool.QueryRow(ctx,
		`SELECT true FROM device_commands WHERE command_id = $1`, commandID,
	).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("command %s: %w", commandID, ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("checking command %s: %w", commandID, err)
	}
	return nil
}

func scanCapture(row pgx.Row) (*fleet.Capture, error) {
	var c = new(fleet.Capture)
	var sensor, raw []byte
	var status, ingestErr string

	var err = row.Scan(
		&c.CaptureID, &c.DeviceID, &c.DeviceCaptureID, &c.CapturedAt,
		&c.DeclaredBytes, &c.ChunkSizeBytes, &c.TotalChunks, &c.DeclaredSHA256,
		&status, &ingestErr, &c.StoragePath, &c.ImageURL, &c.ImageSHA256,
		&sensor, &raw, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.IngestStatus = fleet.IngestStatus(status)
	c.IngestError = protocol.ErrorCode(ingestErr)
	if c.CapturedAt.Unix() == 0 {
		c.CapturedAt = time.Time{}
	}
	if len(sensor) != 0 {
		if err = json.Unmarshal(sensor, &c.SensorData); err != nil {
			return nil, fmt.Errorf("decoding sensor data: %w", err)
		}
	}
	c.RawMeta = raw
	return c, nil
}

func marshalSensor(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	var cp = t.UTC()
	return &cp
}

func rawOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
