package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
)

func TestStatusParsing(t *testing.T) {
	var s, err = ParseStatus([]byte(`{
		"device_id": "A0B1C2D3E4F5",
		"status": "Alive",
		"pendingImg": 2,
		"battery_mv": 3710,
		"wifi_rssi": -61,
		"uptime_ms": 5321,
		"boot_count": 44
	}`))
	require.NoError(t, err)
	require.Equal(t, "A0B1C2D3E4F5", s.DeviceID)
	require.Equal(t, "Alive", s.Status)
	require.Equal(t, 2, s.PendingImg)
	require.Equal(t, 3710, s.BatteryMV)
	require.Equal(t, -61, s.WifiRSSI)
	require.Equal(t, int64(5321), s.UptimeMS)
	require.Equal(t, 44, s.BootCount)

	// Older firmware reports only the basics.
	s, err = ParseStatus([]byte(`{"device_id":"A0B1C2D3E4F5","status":"Alive","pendingImg":0}`))
	require.NoError(t, err)
	require.Zero(t, s.BatteryMV)

	_, err = ParseStatus([]byte(`{"device_id": nope}`))
	require.Error(t, err)
}

func TestImageMetaFirmwareSpellings(t *testing.T) {
	var m, err = ParseImageMeta([]byte(`{
		"device_id": "A0B1C2D3E4F5",
		"image_name": "img_00042.jpg",
		"image_size": 123456,
		"total_chunk_count": 13,
		"max_chunks_size": 10240,
		"capture_timeStamp": "2026-08-25T10:11:12Z",
		"sha256": "ab12",
		"error": 0,
		"temperature_c": 21.5,
		"humidity_pct": 40.2,
		"soil_probe": {"depth_cm": 10, "vwc": 0.31}
	}`))
	require.NoError(t, err)

	require.Equal(t, "img_00042.jpg", m.ImageName)
	require.Equal(t, int64(123456), m.ImageSize)
	require.Equal(t, 13, m.TotalChunkCount)
	require.Equal(t, 10240, m.MaxChunkSize)
	require.Equal(t, time.Date(2026, 8, 25, 10, 11, 12, 0, time.UTC), m.CapturedAt)
	require.Equal(t, "ab12", m.SHA256)

	// device_id and image keys are not sensor readings; everything else is.
	require.Equal(t, map[string]interface{}{
		"temperature_c": 21.5,
		"humidity_pct":  40.2,
		"soil_probe":    map[string]interface{}{"depth_cm": 10.0, "vwc": 0.31},
	}, m.Sensor)

	// The verbatim document is retained.
	require.True(t, json.Valid(m.Raw))
	require.Contains(t, string(m.Raw), "capture_timeStamp")

	// The lower-case timestamp spelling is accepted too.
	m, err = ParseImageMeta([]byte(`{
		"image_name": "img_00043.jpg",
		"total_chunk_count": 2,
		"capture_timestamp": "2026-08-25 10:11:12"
	}`))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 8, 25, 10, 11, 12, 0, time.UTC), m.CapturedAt)

	// An unparseable stamp is dropped rather than failing the document.
	m, err = ParseImageMeta([]byte(`{"image_name":"x.jpg","capture_timeStamp":"whenever"}`))
	require.NoError(t, err)
	require.True(t, m.CapturedAt.IsZero())

	_, err = ParseImageMeta([]byte(`{"image_size": 10}`))
	require.EqualError(t, err, "image metadata has no image_name")
}

func TestChunkDecoding(t *testing.T) {
	var c, err = ParseChunk([]byte(`{
		"image_name": "img_00042.jpg",
		"chunk_id": 3,
		"max_chunk_size": 10240,
		"payload": "aGVsbG8="
	}`))
	require.NoError(t, err)

	var b []byte
	b, err = c.Decode()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)

	// Some firmware builds strip base64 padding.
	c.Payload = "aGVsbG8"
	b, err = c.Decode()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)

	c.Payload = "this is !not! base64"
	_, err = c.Decode()
	require.Error(t, err)

	_, err = ParseChunk([]byte(`{"image_name":"x.jpg","chunk_id":-1,"payload":"aGVsbG8="}`))
	require.EqualError(t, err, "chunk_id -1 is negative")

	_, err = ParseChunk([]byte(`{"image_name":"x.jpg","chunk_id":0}`))
	require.EqualError(t, err, "chunk 0 of x.jpg has no payload")

	_, err = ParseChunk([]byte(`{"chunk_id":0,"payload":"aGVsbG8="}`))
	require.EqualError(t, err, "chunk has no image_name")
}

func TestDataClassification(t *testing.T) {
	var cases = []struct {
		doc  string
		kind DataKind
	}{
		{`{"image_name":"x.jpg","chunk_id":0,"payload":"aGVsbG8="}`, DataChunk},
		{`{"image_name":"x.jpg","total_chunk_count":3}`, DataMeta},
		{`{"image_name":"x.jpg","image_size":900}`, DataMeta},
		// A chunk-shaped doc wins even if it carries stray metadata keys.
		{`{"chunk_id":1,"payload":"aa","image_size":900}`, DataChunk},
		// chunk_id without payload isn't a chunk.
		{`{"image_name":"x.jpg","chunk_id":0}`, DataUnknown},
		{`{"device_id":"A0B1C2D3E4F5","hello":"world"}`, DataUnknown},
	}
	for _, tc := range cases {
		require.Equal(t, tc.kind, ClassifyData([]byte(tc.doc)), "doc: %s", tc.doc)
	}
}

func TestAckRendering(t *testing.T) {
	var ack, err = json.Marshal(NewAckOK("img_00042.jpg",
		time.Date(2026, 8, 25, 17, 30, 0, 0, time.UTC)))
	require.NoError(t, err)

	var nack []byte
	nack, err = json.Marshal(Nack{ImageName: "img_00042.jpg", MissingChunks: []int{2, 5, 6}})
	require.NoError(t, err)

	var sleep []byte
	sleep, err = json.Marshal(NewSleepCommand("dev-1",
		time.Date(2026, 8, 25, 22, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	cupaloy.SnapshotT(t, string(ack)+"\n"+string(nack)+"\n"+string(sleep))
}

func TestQueuedCommandFlattening(t *testing.T) {
	var b, err = json.Marshal(QueuedCommand{
		CommandID:   "0d9a4f58-6f29-4bba-8c3f-1a22e7b0c001",
		CommandType: "set_interval",
		Params:      map[string]interface{}{"interval_hours": 6},
	})
	require.NoError(t, err)

	var opts = jsondiff.DefaultConsoleOptions()
	var diff, desc = jsondiff.Compare(b, []byte(`{
		"command_id": "0d9a4f58-6f29-4bba-8c3f-1a22e7b0c001",
		"command_type": "set_interval",
		"interval_hours": 6
	}`), &opts)
	require.Equal(t, jsondiff.FullMatch, diff, desc)

	// Params can't shadow the identifying fields.
	b, err = json.Marshal(QueuedCommand{
		CommandID:   "c-2",
		CommandType: "reboot",
		Params:      map[string]interface{}{"command_id": "spoof"},
	})
	require.NoError(t, err)
	diff, desc = jsondiff.Compare(b, []byte(`{"command_id":"c-2","command_type":"reboot"}`), &opts)
	require.Equal(t, jsondiff.FullMatch, diff, desc)
}

func TestErrorSeverities(t *testing.T) {
	// Errors terminate their capture; warnings only annotate.
	for code, want := range map[ErrorCode]Severity{
		ErrParseFail:        SeverityError,
		ErrBadTopic:         SeverityError,
		ErrChunkDecodeFail:  SeverityError,
		ErrAssemblyTimeout:  SeverityError,
		ErrJPEGInvalid:      SeverityError,
		ErrOversized:        SeverityError,
		ErrChunkOutOfRange:  SeverityWarn,
		ErrDupChunkConflict: SeverityWarn,
		ErrSizeMismatch:     SeverityWarn,
		ErrUnknownDevice:    SeverityWarn,
		ErrOverload:         SeverityWarn,
		ErrBackpressureDrop: SeverityWarn,
	} {
		require.Equal(t, want, code.DefaultSeverity(), string(code))
	}
}
