// Package fleet holds the domain model of the ingestion service: devices and
// their schedules, captures and their lifecycle, status reports, operator
// commands, and the persisted error/audit records.
package fleet

import (
	"encoding/json"
	"time"

	"github.com/gxp-io/fleet/go/protocol"
)

// Device is a provisioned camera/sensor unit. Rows are created and configured
// by the backend; the ingester reads them and writes back only NextWakeAt.
type Device struct {
	DeviceID   string
	HardwareID string
	CompanyID  string

	// NextWakeAt is when the device was last told to wake. Nil for a
	// device that has never completed a handshake.
	NextWakeAt *time.Time

	TestMode             bool
	TestIntervalMinutes  int
	CaptureIntervalHours int
	WakeupWindowSec      int
}

// CaptureInterval is the device's configured time between captures.
func (d *Device) CaptureInterval() time.Duration {
	if d.TestMode {
		return time.Duration(d.TestIntervalMinutes) * time.Minute
	}
	return time.Duration(d.CaptureIntervalHours) * time.Hour
}

// DueForCapture reports whether a device checking in at now should be told to
// capture. Devices wake slightly early; the wakeup window absorbs that drift.
func (d *Device) DueForCapture(now time.Time) bool {
	if d.NextWakeAt == nil {
		return true
	}
	var window = time.Duration(d.WakeupWindowSec) * time.Second
	return !now.Before(d.NextWakeAt.Add(-window))
}

// DefaultSleep is the schedule handed to hardware we can't place: unknown
// devices, and devices with no configured interval. Long enough to stop a
// misprovisioned unit from draining its battery hammering the broker.
const DefaultSleep = 12 * time.Hour

// IngestStatus is the lifecycle state of a capture record.
type IngestStatus string

const (
	// IngestAssembling: chunks are being collected.
	IngestAssembling IngestStatus = "assembling"
	// IngestSuccess: the image was verified and stored.
	IngestSuccess IngestStatus = "success"
	// IngestFailed: ingestion terminated without a stored image.
	IngestFailed IngestStatus = "failed"
)

// Capture is one image ingestion attempt. DeviceCaptureID is the device's own
// name for the image (`img_00042.jpg`); it's only unique per device while the
// capture is assembling.
type Capture struct {
	CaptureID       string
	DeviceID        string
	DeviceCaptureID string

	CapturedAt     time.Time
	DeclaredBytes  int64
	ChunkSizeBytes int
	TotalChunks    int
	DeclaredSHA256 string

	IngestStatus IngestStatus
	IngestError  protocol.ErrorCode

	StoragePath string
	ImageURL    string
	ImageSHA256 string

	SensorData map[string]interface{}
	RawMeta    json.RawMessage

	UpdatedAt time.Time
}

// StatusReport is an append-only record of one device check-in.
type StatusReport struct {
	DeviceID     string
	Status       string
	PendingCount int
	BatteryMV    int
	WifiRSSI     int
	UptimeMS     int64
	BootCount    int
	Raw          json.RawMessage
	ReceivedAt   time.Time
}

// CommandStatus is the delivery state of an operator command.
type CommandStatus string

const (
	// CommandQueued: persisted, not yet published.
	CommandQueued CommandStatus = "queued"
	// CommandSent: published at least once.
	CommandSent CommandStatus = "sent"
	// CommandAcked: the device acknowledged it by command id.
	CommandAcked CommandStatus = "acknowledged"
)

// Command is an operator command queued by the backend for delivery on the
// device's next wake. HardwareID is resolved from the device row when the
// command is fetched, because the publish topic is built from it.
type Command struct {
	CommandID   string
	DeviceID    string
	HardwareID  string
	CommandType string
	Params      map[string]interface{}
	Status      CommandStatus
	RequestedAt time.Time
	SentAt      *time.Time
	AckedAt     *time.Time
}

// ErrorRecord is an append-only device/ingestion fault record.
type ErrorRecord struct {
	DeviceID   string
	CaptureID  string
	Code       protocol.ErrorCode
	Severity   protocol.Severity
	Message    string
	Details    map[string]interface{}
	OccurredAt time.Time
}

// Direction marks whether an audited message was received or published.
type Direction string

const (
	// DirectionIn: received from a device.
	DirectionIn Direction = "in"
	// DirectionOut: published by the ingester.
	DirectionOut Direction = "out"
)

// PublishRecord is one append-only audit row of broker traffic, payload
// verbatim.
type PublishRecord struct {
	DeviceID  string
	Topic     string
	Direction Direction
	Payload   json.RawMessage
	LoggedAt  time.Time
}
