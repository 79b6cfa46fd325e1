// Package protocol defines the wire vocabulary spoken between fleet devices
// and the ingester: inbound status, image metadata, chunk, and ack documents,
// outbound commands and acknowledgements, topic patterns, and the error
// taxonomy used for persisted device errors.
//
// Field names mirror the device firmware exactly, quirks included:
// `pendingImg` on status documents, `capture_timeStamp` on metadata (the
// lower-case spelling is also accepted), and `max_chunks_size` on metadata
// versus `max_chunk_size` on chunks.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buger/jsonparser"
)

// Status is the wake-up report a device publishes on its status route.
type Status struct {
	DeviceID   string `json:"device_id"`
	Status     string `json:"status"`
	PendingImg int    `json:"pendingImg"`

	// Telemetry fields reported by newer firmware. Zero when absent.
	BatteryMV int   `json:"battery_mv,omitempty"`
	WifiRSSI  int   `json:"wifi_rssi,omitempty"`
	UptimeMS  int64 `json:"uptime_ms,omitempty"`
	BootCount int   `json:"boot_count,omitempty"`
}

// ParseStatus decodes a status document.
func ParseStatus(body []byte) (*Status, error) {
	var s = new(Status)
	if err := json.Unmarshal(body, s); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return s, nil
}

// Chunk is one base64-encoded slice of an image, published on the data route.
type Chunk struct {
	ImageName    string `json:"image_name"`
	ChunkID      int    `json:"chunk_id"`
	MaxChunkSize int    `json:"max_chunk_size"`
	Payload      string `json:"payload"`
}

// ParseChunk decodes a chunk document. The base64 payload is not decoded;
// call Decode for that.
func ParseChunk(body []byte) (*Chunk, error) {
	var c = new(Chunk)
	if err := json.Unmarshal(body, c); err != nil {
		return nil, fmt.Errorf("decoding chunk: %w", err)
	}
	if c.ImageName == "" {
		return nil, fmt.Errorf("chunk has no image_name")
	}
	if c.ChunkID < 0 {
		return nil, fmt.Errorf("chunk_id %d is negative", c.ChunkID)
	}
	if c.Payload == "" {
		return nil, fmt.Errorf("chunk %d of %s has no payload", c.ChunkID, c.ImageName)
	}
	return c, nil
}

// Decode returns the chunk's raw bytes. Padded and un-padded base64 are both
// accepted; some firmware builds strip trailing `=`.
func (c *Chunk) Decode() ([]byte, error) {
	var b, err = base64.StdEncoding.DecodeString(c.Payload)
	if err == nil {
		return b, nil
	}
	if b, rawErr := base64.RawStdEncoding.DecodeString(c.Payload); rawErr == nil {
		return b, nil
	}
	return nil, fmt.Errorf("decoding chunk %d of %s: %w", c.ChunkID, c.ImageName, err)
}

// ImageMeta is the metadata document a device publishes for each capture,
// typically before its chunks but not reliably so. Document keys that don't
// describe the image itself are sensor readings and are collected into
// Sensor. Raw retains the verbatim document.
type ImageMeta struct {
	ImageName       string
	ImageSize       int64
	TotalChunkCount int
	MaxChunkSize    int
	CapturedAt      time.Time
	SHA256          string
	FirmwareError   int

	Sensor map[string]interface{}
	Raw    json.RawMessage
}

// imageKeys are metadata keys that describe the image rather than a sensor
// reading. device_id is excluded too: the topic is authoritative for identity.
var imageKeys = map[string]struct{}{
	"image_name":        {},
	"image_size":        {},
	"total_chunk_count": {},
	"max_chunks_size":   {},
	"max_chunk_size":    {},
	"capture_timeStamp": {},
	"capture_timestamp": {},
	"sha256":            {},
	"error":             {},
	"device_id":         {},
}

// ParseImageMeta decodes a metadata document.
func ParseImageMeta(body []byte) (*ImageMeta, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decoding image metadata: %w", err)
	}

	var m = &ImageMeta{
		Sensor: make(map[string]interface{}),
		Raw:    append(json.RawMessage(nil), body...),
	}
	if raw, ok := fields["image_name"]; ok {
		_ = json.Unmarshal(raw, &m.ImageName)
	}
	if m.ImageName == "" {
		return nil, fmt.Errorf("image metadata has no image_name")
	}
	if raw, ok := fields["image_size"]; ok {
		_ = json.Unmarshal(raw, &m.ImageSize)
	}
	if raw, ok := fields["total_chunk_count"]; ok {
		_ = json.Unmarshal(raw, &m.TotalChunkCount)
	}
	// Metadata documents pluralize this key; chunks don't.
	if raw, ok := fields["max_chunks_size"]; ok {
		_ = json.Unmarshal(raw, &m.MaxChunkSize)
	} else if raw, ok := fields["max_chunk_size"]; ok {
		_ = json.Unmarshal(raw, &m.MaxChunkSize)
	}
	if raw, ok := fields["capture_timeStamp"]; ok {
		m.CapturedAt = parseStamp(raw)
	} else if raw, ok := fields["capture_timestamp"]; ok {
		m.CapturedAt = parseStamp(raw)
	}
	if raw, ok := fields["sha256"]; ok {
		_ = json.Unmarshal(raw, &m.SHA256)
	}
	if raw, ok := fields["error"]; ok {
		_ = json.Unmarshal(raw, &m.FirmwareError)
	}

	for key, raw := range fields {
		if _, ok := imageKeys[key]; ok {
			continue
		}
		var val interface{}
		if err := json.Unmarshal(raw, &val); err != nil {
			continue
		}
		m.Sensor[key] = val
	}
	return m, nil
}

// stampLayouts are the timestamp spellings observed across firmware builds.
var stampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseStamp(raw json.RawMessage) time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	for _, layout := range stampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// DeviceAck is a device's acknowledgement of a delivered command, published
// on the ack route.
type DeviceAck struct {
	DeviceID  string `json:"device_id"`
	CommandID string `json:"command_id"`
	Result    string `json:"result,omitempty"`
}

// ParseDeviceAck decodes an ack document.
func ParseDeviceAck(body []byte) (*DeviceAck, error) {
	var a = new(DeviceAck)
	if err := json.Unmarshal(body, a); err != nil {
		return nil, fmt.Errorf("decoding ack: %w", err)
	}
	return a, nil
}

// Nack asks the device to retransmit the named chunks of an image.
// It's published to the device's ack route.
type Nack struct {
	ImageName     string `json:"image_name"`
	MissingChunks []int  `json:"missing_chunks"`
}

// AckOK tells the device its image was stored and when to wake next.
// NextWakeTime uses the firmware's kitchen-clock spelling ("3:04PM"), in UTC.
type AckOK struct {
	ImageName string    `json:"image_name"`
	AckOK     AckOKBody `json:"ACK_OK"`
}

// AckOKBody is the ACK_OK envelope payload.
type AckOKBody struct {
	NextWakeTime string `json:"next_wake_time"`
}

// NewAckOK builds the stored-image acknowledgement for an image.
func NewAckOK(imageName string, nextWake time.Time) AckOK {
	return AckOK{
		ImageName: imageName,
		AckOK:     AckOKBody{NextWakeTime: nextWake.UTC().Format(time.Kitchen)},
	}
}

// CaptureCommand instructs a device to capture and transmit an image now.
type CaptureCommand struct {
	DeviceID     string `json:"device_id"`
	CaptureImage bool   `json:"capture_image"`
}

// SleepCommand instructs a device to sleep until NextWake (RFC 3339, UTC).
type SleepCommand struct {
	DeviceID string `json:"device_id"`
	NextWake string `json:"next_wake"`
}

// NewSleepCommand builds a sleep command for a device.
func NewSleepCommand(deviceID string, nextWake time.Time) SleepCommand {
	return SleepCommand{
		DeviceID: deviceID,
		NextWake: nextWake.UTC().Format(time.RFC3339),
	}
}

// QueuedCommand is an operator command drained from the command queue and
// published to the device's cmd route. Params are splayed into the document
// alongside the identifying fields.
type QueuedCommand struct {
	CommandID   string
	CommandType string
	Params      map[string]interface{}
}

// MarshalJSON flattens Params into the top-level document.
func (c QueuedCommand) MarshalJSON() ([]byte, error) {
	var doc = make(map[string]interface{}, len(c.Params)+2)
	for k, v := range c.Params {
		doc[k] = v
	}
	doc["command_id"] = c.CommandID
	doc["command_type"] = c.CommandType
	return json.Marshal(doc)
}

// DataKind classifies a document seen on the data route.
type DataKind int

const (
	// DataUnknown is a data document that's neither chunk nor metadata.
	DataUnknown DataKind = iota
	// DataChunk is an image chunk.
	DataChunk
	// DataMeta is an image metadata document.
	DataMeta
)

// String is the metric/log label for the kind.
func (k DataKind) String() string {
	switch k {
	case DataChunk:
		return "chunk"
	case DataMeta:
		return "meta"
	default:
		return "unknown"
	}
}

// ClassifyData inspects a data-route document without fully decoding it.
// A document with both chunk_id and payload is a chunk; one with
// total_chunk_count or image_size is metadata; anything else is unknown.
func ClassifyData(body []byte) DataKind {
	if _, _, _, err := jsonparser.Get(body, "chunk_id"); err == nil {
		if _, _, _, err = jsonparser.Get(body, "payload"); err == nil {
			return DataChunk
		}
	}
	if _, _, _, err := jsonparser.Get(body, "total_chunk_count"); err == nil {
		return DataMeta
	}
	if _, _, _, err := jsonparser.Get(body, "image_size"); err == nil {
		return DataMeta
	}
	return DataUnknown
}
