package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gxp-io/fleet/go/fleet"
	"github.com/gxp-io/fleet/go/protocol"
)

// Memory is an in-memory Store with the same semantics as Postgres. It backs
// tests and local development.
type Memory struct {
	mu         sync.Mutex
	byHardware map[string]*fleet.Device
	byID       map[string]*fleet.Device
	captures   map[string]*fleet.Capture
	assembling map[assemblyKey]string
	journal    map[string]map[int][]byte
	commands   map[string]*fleet.Command
	cmdOrder   []string
	statuses   []fleet.StatusReport
	errs       []fleet.ErrorRecord
	publishes  []fleet.PublishRecord
	broken     map[string]error
}

type assemblyKey struct {
	deviceID string
	name     string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byHardware: make(map[string]*fleet.Device),
		byID:       make(map[string]*fleet.Device),
		captures:   make(map[string]*fleet.Capture),
		assembling: make(map[assemblyKey]string),
		journal:    make(map[string]map[int][]byte),
		commands:   make(map[string]*fleet.Command),
		broken:     make(map[string]error),
	}
}

var _ Store = (*Memory)(nil)

// AddDevice provisions a device, assigning a DeviceID if unset.
func (m *Memory) AddDevice(d fleet.Device) *fleet.Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.DeviceID == "" {
		d.DeviceID = uuid.NewString()
	}
	var cp = d
	m.byHardware[d.HardwareID] = &cp
	m.byID[d.DeviceID] = &cp
	return &d
}

// QueueCommand enqueues an operator command, assigning a CommandID if unset.
func (m *Memory) QueueCommand(c fleet.Command) *fleet.Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.CommandID == "" {
		c.CommandID = uuid.NewString()
	}
	c.Status = fleet.CommandQueued
	var cp = c
	m.commands[c.CommandID] = &cp
	m.cmdOrder = append(m.cmdOrder, c.CommandID)
	return &c
}

// Break makes the named operation fail with err until cleared with a nil err.
func (m *Memory) Break(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.broken, op)
	} else {
		m.broken[op] = err
	}
}

func (m *Memory) checkBroken(op string) error { return m.broken[op] }

func (m *Memory) ResolveDevice(_ context.Context, hardwareID string) (*fleet.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("ResolveDevice"); err != nil {
		return nil, err
	}
	var d, ok = m.byHardware[hardwareID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", hardwareID, ErrNotFound)
	}
	var cp = *d
	return &cp, nil
}

func (m *Memory) SetNextWake(_ context.Context, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("SetNextWake"); err != nil {
		return err
	}
	var d, ok = m.byID[deviceID]
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	var cp = at
	d.NextWakeAt = &cp
	return nil
}

func (m *Memory) CreateCapture(_ context.Context, c *fleet.Capture) (*fleet.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("CreateCapture"); err != nil {
		return nil, err
	}
	var key = assemblyKey{c.DeviceID, c.DeviceCaptureID}
	if id, ok := m.assembling[key]; ok {
		return copyCapture(m.captures[id]), nil
	}

	var cp = *c
	if cp.CaptureID == "" {
		cp.CaptureID = uuid.NewString()
	}
	cp.IngestStatus = fleet.IngestAssembling
	cp.SensorData = copySensor(c.SensorData)
	cp.RawMeta = append([]byte(nil), c.RawMeta...)
	m.captures[cp.CaptureID] = &cp
	m.assembling[key] = cp.CaptureID
	return copyCapture(&cp), nil
}

func (m *Memory) UpdateCaptureMeta(_ context.Context, c *fleet.Capture) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("UpdateCaptureMeta"); err != nil {
		return err
	}
	var cur, ok = m.captures[c.CaptureID]
	if !ok {
		return fmt.Errorf("capture %s: %w", c.CaptureID, ErrNotFound)
	}
	if cur.IngestStatus != fleet.IngestAssembling {
		return fmt.Errorf("capture %s is %s: %w", c.CaptureID, cur.IngestStatus, ErrConflict)
	}
	cur.CapturedAt = c.CapturedAt
	cur.DeclaredBytes = c.DeclaredBytes
	cur.ChunkSizeBytes = c.ChunkSizeBytes
	cur.TotalChunks = c.TotalChunks
	cur.DeclaredSHA256 = c.DeclaredSHA256
	cur.SensorData = copySensor(c.SensorData)
	cur.RawMeta = append([]byte(nil), c.RawMeta...)
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) AppendChunk(_ context.Context, captureID string, chunkID int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("AppendChunk"); err != nil {
		return err
	}
	if _, ok := m.captures[captureID]; !ok {
		return fmt.Errorf("capture %s: %w", captureID, ErrNotFound)
	}
	var j = m.journal[captureID]
	if j == nil {
		j = make(map[int][]byte)
		m.journal[captureID] = j
	}
	if _, ok := j[chunkID]; ok {
		return nil // keep-first
	}
	j[chunkID] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) LoadChunks(_ context.Context, captureID string) (map[int][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("LoadChunks"); err != nil {
		return nil, err
	}
	var out = make(map[int][]byte, len(m.journal[captureID]))
	for id, data := range m.journal[captureID] {
		out[id] = append([]byte(nil), data...)
	}
	return out, nil
}

func (m *Memory) FinalizeCapture(_ context.Context, captureID string, f FinalizeFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("FinalizeCapture"); err != nil {
		return err
	}
	var cur, ok = m.captures[captureID]
	if !ok {
		return fmt.Errorf("capture %s: %w", captureID, ErrNotFound)
	}
	if cur.IngestStatus != fleet.IngestAssembling {
		return fmt.Errorf("capture %s is %s: %w", captureID, cur.IngestStatus, ErrConflict)
	}
	cur.IngestStatus = fleet.IngestSuccess
	cur.IngestError = ""
	cur.StoragePath = f.StoragePath
	cur.ImageURL = f.ImageURL
	cur.ImageSHA256 = f.ImageSHA256
	cur.SensorData = copySensor(f.SensorData)
	cur.RawMeta = append([]byte(nil), f.RawMeta...)
	if !f.CapturedAt.IsZero() {
		cur.CapturedAt = f.CapturedAt
	}
	cur.UpdatedAt = time.Now().UTC()
	delete(m.assembling, assemblyKey{cur.DeviceID, cur.DeviceCaptureID})
	delete(m.journal, captureID)
	return nil
}

func (m *Memory) FailCapture(_ context.Context, captureID string, code protocol.ErrorCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("FailCapture"); err != nil {
		return err
	}
	var cur, ok = m.captures[captureID]
	if !ok {
		return fmt.Errorf("capture %s: %w", captureID, ErrNotFound)
	}
	if cur.IngestStatus != fleet.IngestAssembling {
		return fmt.Errorf("capture %s is %s: %w", captureID, cur.IngestStatus, ErrConflict)
	}
	cur.IngestStatus = fleet.IngestFailed
	cur.IngestError = code
	cur.UpdatedAt = time.Now().UTC()
	delete(m.assembling, assemblyKey{cur.DeviceID, cur.DeviceCaptureID})
	delete(m.journal, captureID)
	return nil
}

func (m *Memory) RecordStatus(_ context.Context, r *fleet.StatusReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("RecordStatus"); err != nil {
		return err
	}
	m.statuses = append(m.statuses, *r)
	return nil
}

func (m *Memory) RecordError(_ context.Context, r *fleet.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("RecordError"); err != nil {
		return err
	}
	m.errs = append(m.errs, *r)
	return nil
}

func (m *Memory) RecordPublish(_ context.Context, r *fleet.PublishRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("RecordPublish"); err != nil {
		return err
	}
	m.publishes = append(m.publishes, *r)
	return nil
}

func (m *Memory) FetchQueuedCommands(_ context.Context, limit int) ([]*fleet.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("FetchQueuedCommands"); err != nil {
		return nil, err
	}
	var out []*fleet.Command
	for _, id := range m.cmdOrder {
		if c := m.commands[id]; c.Status == fleet.CommandQueued {
			var cp = *c
			if d, ok := m.byID[c.DeviceID]; ok {
				cp.HardwareID = d.HardwareID
			}
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (m *Memory) MarkCommandSent(_ context.Context, commandID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("MarkCommandSent"); err != nil {
		return err
	}
	var c, ok = m.commands[commandID]
	if !ok {
		return fmt.Errorf("command %s: %w", commandID, ErrNotFound)
	}
	if c.Status != fleet.CommandQueued {
		return nil // already sent or acknowledged
	}
	c.Status = fleet.CommandSent
	var cp = at
	c.SentAt = &cp
	return nil
}

func (m *Memory) MarkCommandAcked(_ context.Context, commandID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBroken("MarkCommandAcked"); err != nil {
		return err
	}
	var c, ok = m.commands[commandID]
	if !ok {
		return fmt.Errorf("command %s: %w", commandID, ErrNotFound)
	}
	if c.Status == fleet.CommandAcked {
		return nil
	}
	c.Status = fleet.CommandAcked
	var cp = at
	c.AckedAt = &cp
	return nil
}

// Captures returns a snapshot of all capture rows, most recently created
// last. Test helper.
func (m *Memory) Captures() []fleet.Capture {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []fleet.Capture
	for _, c := range m.captures {
		out = append(out, *copyCapture(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaptureID < out[j].CaptureID })
	return out
}

// CaptureByName returns the newest capture row for a device image name.
// Test helper.
func (m *Memory) CaptureByName(deviceID, name string) (fleet.Capture, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *fleet.Capture
	for _, c := range m.captures {
		if c.DeviceID == deviceID && c.DeviceCaptureID == name {
			if found == nil || c.UpdatedAt.After(found.UpdatedAt) {
				found = c
			}
		}
	}
	if found == nil {
		return fleet.Capture{}, false
	}
	return *copyCapture(found), true
}

// JournaledChunks returns how many chunks are journaled for a capture.
// Test helper.
func (m *Memory) JournaledChunks(captureID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.journal[captureID])
}

// Errors returns all persisted error records. Test helper.
func (m *Memory) Errors() []fleet.ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fleet.ErrorRecord(nil), m.errs...)
}

// ErrorCodes returns just the codes of persisted errors, in order. Test helper.
func (m *Memory) ErrorCodes() []protocol.ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []protocol.ErrorCode
	for _, e := range m.errs {
		out = append(out, e.Code)
	}
	return out
}

// Statuses returns all persisted status reports. Test helper.
func (m *Memory) Statuses() []fleet.StatusReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fleet.StatusReport(nil), m.statuses...)
}

// Publishes returns all audit records. Test helper.
func (m *Memory) Publishes() []fleet.PublishRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fleet.PublishRecord(nil), m.publishes...)
}

// Command returns a command row by id. Test helper.
func (m *Memory) Command(commandID string) (fleet.Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c, ok = m.commands[commandID]
	if !ok {
		return fleet.Command{}, false
	}
	return *c, true
}

// Device returns a device row by hardware id. Test helper.
func (m *Memory) Device(hardwareID string) (fleet.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var d, ok = m.byHardware[hardwareID]
	if !ok {
		return fleet.Device{}, false
	}
	return *d, true
}

func copyCapture(c *fleet.Capture) *fleet.Capture {
	var cp = *c
	cp.SensorData = copySensor(c.SensorData)
	cp.RawMeta = append([]byte(nil), c.RawMeta...)
	return &cp
}

func copySensor(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	var out = make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
