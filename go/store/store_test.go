package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gxp-io/fleet/go/fleet"
	"github.com/gxp-io/fleet/go/protocol"
)

func TestCaptureCreateIsIdempotentWhileAssembling(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()
	var dev = m.AddDevice(fleet.Device{HardwareID: "A0B1C2D3E4F5"})

	var first, err = m.CreateCapture(ctx, &fleet.Capture{
		DeviceID:        dev.DeviceID,
		DeviceCaptureID: "img_00042.jpg",
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.CaptureID)
	require.Equal(t, fleet.IngestAssembling, first.IngestStatus)

	// A second create of the same name folds into the existing row.
	var again *fleet.Capture
	again, err = m.CreateCapture(ctx, &fleet.Capture{
		DeviceID:        dev.DeviceID,
		DeviceCaptureID: "img_00042.jpg",
	})
	require.NoError(t, err)
	require.Equal(t, first.CaptureID, again.CaptureID)

	// Other names and other devices don't collide.
	var other *fleet.Capture
	other, err = m.CreateCapture(ctx, &fleet.Capture{
		DeviceID:        dev.DeviceID,
		DeviceCaptureID: "img_00043.jpg",
	})
	require.NoError(t, err)
	require.NotEqual(t, first.CaptureID, other.CaptureID)

	// Once finalized, the same name starts a fresh capture row.
	require.NoError(t, m.FinalizeCapture(ctx, first.CaptureID, FinalizeFields{
		StoragePath: "captures/A0B1C2D3E4F5/2026/08/25/img_00042.jpg",
		ImageSHA256: "ab12",
	}))
	var fresh *fleet.Capture
	fresh, err = m.CreateCapture(ctx, &fleet.Capture{
		DeviceID:        dev.DeviceID,
		DeviceCaptureID: "img_00042.jpg",
	})
	require.NoError(t, err)
	require.NotEqual(t, first.CaptureID, fresh.CaptureID)
}

func TestCaptureStatusIsMonotonic(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()
	var dev = m.AddDevice(fleet.Device{HardwareID: "A0B1C2D3E4F5"})

	var c, err = m.CreateCapture(ctx, &fleet.Capture{
		DeviceID:        dev.DeviceID,
		DeviceCaptureID: "img_00001.jpg",
	})
	require.NoError(t, err)

	require.NoError(t, m.FinalizeCapture(ctx, c.CaptureID, FinalizeFields{ImageSHA256: "aa"}))

	// success is terminal: no re-finalize, no fail, no meta updates.
	err = m.FinalizeCapture(ctx, c.CaptureID, FinalizeFields{ImageSHA256: "bb"})
	require.ErrorIs(t, err, ErrConflict)
	err = m.FailCapture(ctx, c.CaptureID, protocol.ErrAssemblyTimeout)
	require.ErrorIs(t, err, ErrConflict)
	err = m.UpdateCaptureMeta(ctx, c)
	require.ErrorIs(t, err, ErrConflict)

	var got, ok = m.CaptureByName(dev.DeviceID, "img_00001.jpg")
	require.True(t, ok)
	require.Equal(t, fleet.IngestSuccess, got.IngestStatus)
	require.Equal(t, "aa", got.ImageSHA256)

	// failed is terminal too.
	c, err = m.CreateCapture(ctx, &fleet.Capture{
		DeviceID:        dev.DeviceID,
		DeviceCaptureID: "img_00002.jpg",
	})
	require.NoError(t, err)
	require.NoError(t, m.FailCapture(ctx, c.CaptureID, protocol.ErrJPEGInvalid))

	err = m.FinalizeCapture(ctx, c.CaptureID, FinalizeFields{})
	require.ErrorIs(t, err, ErrConflict)

	got, ok = m.CaptureByName(dev.DeviceID, "img_00002.jpg")
	require.True(t, ok)
	require.Equal(t, fleet.IngestFailed, got.IngestStatus)
	require.Equal(t, protocol.ErrJPEGInvalid, got.IngestError)
}

func TestChunkJournal(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()
	var dev = m.AddDevice(fleet.Device{HardwareID: "A0B1C2D3E4F5"})

	var c, err = m.CreateCapture(ctx, &fleet.Capture{
		DeviceID:        dev.DeviceID,
		DeviceCaptureID: "img_00007.jpg",
	})
	require.NoError(t, err)

	require.NoError(t, m.AppendChunk(ctx, c.CaptureID, 0, []byte("aaaa")))
	require.NoError(t, m.AppendChunk(ctx, c.CaptureID, 2, []byte("cccc")))

	// Re-journaling an id is a no-op: the first payload stands.
	require.NoError(t, m.AppendChunk(ctx, c.CaptureID, 0, []byte("xxxx")))

	var chunks map[int][]byte
	chunks, err = m.LoadChunks(ctx, c.CaptureID)
	require.NoError(t, err)
	require.Equal(t, map[int][]byte{0: []byte("aaaa"), 2: []byte("cccc")}, chunks)

	err = m.AppendChunk(ctx, "no-such-capture", 0, []byte("zz"))
	require.ErrorIs(t, err, ErrNotFound)

	// Terminal transitions release the journal.
	require.NoError(t, m.FinalizeCapture(ctx, c.CaptureID, FinalizeFields{ImageSHA256: "aa"}))
	chunks, err = m.LoadChunks(ctx, c.CaptureID)
	require.NoError(t, err)
	require.Empty(t, chunks)

	c, err = m.CreateCapture(ctx, &fleet.Capture{
		DeviceID:        dev.DeviceID,
		DeviceCaptureID: "img_00008.jpg",
	})
	require.NoError(t, err)
	require.NoError(t, m.AppendChunk(ctx, c.CaptureID, 1, []byte("bbbb")))
	require.NoError(t, m.FailCapture(ctx, c.CaptureID, protocol.ErrAssemblyTimeout))
	require.Zero(t, m.JournaledChunks(c.CaptureID))
}

func TestCommandLifecycle(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()
	var dev = m.AddDevice(fleet.Device{HardwareID: "A0B1C2D3E4F5"})

	var t0 = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	var older = m.QueueCommand(fleet.Command{
		DeviceID:    dev.DeviceID,
		CommandType: "set_interval",
		Params:      map[string]interface{}{"interval_hours": 6},
		RequestedAt: t0,
	})
	var newer = m.QueueCommand(fleet.Command{
		DeviceID:    dev.DeviceID,
		CommandType: "reboot",
		RequestedAt: t0.Add(time.Minute),
	})

	var queued, err = m.FetchQueuedCommands(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	require.Equal(t, older.CommandID, queued[0].CommandID) // oldest first
	require.Equal(t, newer.CommandID, queued[1].CommandID)
	require.Equal(t, dev.HardwareID, queued[0].HardwareID)

	require.NoError(t, m.MarkCommandSent(ctx, older.CommandID, t0.Add(2*time.Minute)))
	queued, err = m.FetchQueuedCommands(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	// A device may ack before the sent mark lands.
	require.NoError(t, m.MarkCommandAcked(ctx, newer.CommandID, t0.Add(3*time.Minute)))
	var got, ok = m.Command(newer.CommandID)
	require.True(t, ok)
	require.Equal(t, fleet.CommandAcked, got.Status)
	require.Nil(t, got.SentAt)
	require.NotNil(t, got.AckedAt)

	// A late sent mark doesn't regress an acknowledged command.
	require.NoError(t, m.MarkCommandSent(ctx, newer.CommandID, t0.Add(4*time.Minute)))
	got, _ = m.Command(newer.CommandID)
	require.Equal(t, fleet.CommandAcked, got.Status)

	err = m.MarkCommandAcked(ctx, "no-such-command", t0)
	require.ErrorIs(t, err, ErrNotFound)
}

type countingStore struct {
	Store
	resolves int
}

func (c *countingStore) ResolveDevice(ctx context.Context, hw string) (*fleet.Device, error) {
	c.resolves++
	return c.Store.ResolveDevice(ctx, hw)
}

func TestDeviceCache(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()
	var dev = m.AddDevice(fleet.Device{HardwareID: "A0B1C2D3E4F5", CaptureIntervalHours: 12})

	var counting = &countingStore{Store: m}
	var cache = NewDeviceCache(counting, 16, time.Minute)

	var d, err = cache.ResolveDevice(ctx, "A0B1C2D3E4F5")
	require.NoError(t, err)
	require.Nil(t, d.NextWakeAt)
	_, err = cache.ResolveDevice(ctx, "A0B1C2D3E4F5")
	require.NoError(t, err)
	require.Equal(t, 1, counting.resolves)

	// Misses are never cached.
	_, err = cache.ResolveDevice(ctx, "FFFFFFFFFFFF")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = cache.ResolveDevice(ctx, "FFFFFFFFFFFF")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 3, counting.resolves)

	// SetNextWake invalidates, so the next resolve sees the new schedule.
	var wake = time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	require.NoError(t, cache.SetNextWake(ctx, dev.DeviceID, wake))
	d, err = cache.ResolveDevice(ctx, "A0B1C2D3E4F5")
	require.NoError(t, err)
	require.Equal(t, 4, counting.resolves)
	require.NotNil(t, d.NextWakeAt)
	require.True(t, d.NextWakeAt.Equal(wake))

	err = cache.SetNextWake(ctx, "no-such-device", wake)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBrokenOperations(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()
	var dev = m.AddDevice(fleet.Device{HardwareID: "A0B1C2D3E4F5"})

	var boom = errors.New("boom")
	m.Break("CreateCapture", boom)
	var _, err = m.CreateCapture(ctx, &fleet.Capture{DeviceID: dev.DeviceID, DeviceCaptureID: "x.jpg"})
	require.ErrorIs(t, err, boom)

	m.Break("CreateCapture", nil)
	_, err = m.CreateCapture(ctx, &fleet.Capture{DeviceID: dev.DeviceID, DeviceCaptureID: "x.jpg"})
	require.NoError(t, err)
}
