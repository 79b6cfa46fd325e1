package fleet

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/gxp-io/fleet/go/protocol"
)

// MergeSensor folds incoming sensor readings into existing ones with
// first-non-null-wins semantics: a key already holding a value keeps it, and
// null incoming values never land. The merged map is returned; existing is
// not mutated.
func MergeSensor(existing, incoming map[string]interface{}) map[string]interface{} {
	var out = make(map[string]interface{}, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		if v == nil {
			continue
		}
		if cur, ok := out[k]; ok && cur != nil {
			continue
		}
		out[k] = v
	}
	return out
}

// MergeRawMeta folds an incoming raw metadata document under an existing one:
// keys the existing document already holds (non-null) win; the incoming
// document fills the gaps. Implemented as an RFC 7396 merge of the existing
// document (nulls stripped, so they can't act as deletions) over the incoming
// one.
func MergeRawMeta(existing, incoming json.RawMessage) (json.RawMessage, error) {
	if len(existing) == 0 {
		return incoming, nil
	}
	if len(incoming) == 0 {
		return existing, nil
	}
	var patch, err = stripNulls(existing)
	if err != nil {
		return nil, fmt.Errorf("preparing existing metadata: %w", err)
	}
	merged, err := jsonpatch.MergePatch(incoming, patch)
	if err != nil {
		return nil, fmt.Errorf("merging metadata documents: %w", err)
	}
	return merged, nil
}

func stripNulls(doc json.RawMessage) (json.RawMessage, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, err
	}
	dropNulls(m)
	return json.Marshal(m)
}

func dropNulls(m map[string]interface{}) {
	for k, v := range m {
		if v == nil {
			delete(m, k)
		} else if sub, ok := v.(map[string]interface{}); ok {
			dropNulls(sub)
		}
	}
}

// ApplyMeta folds a parsed metadata document into the capture with the same
// stickiness as MergeSensor: fields already known keep their first value.
// It reports whether the chunk count became known by this application.
func (c *Capture) ApplyMeta(m *protocol.ImageMeta) (countLearned bool, err error) {
	if c.TotalChunks == 0 && m.TotalChunkCount > 0 {
		c.TotalChunks = m.TotalChunkCount
		countLearned = true
	}
	if c.DeclaredBytes == 0 && m.ImageSize > 0 {
		c.DeclaredBytes = m.ImageSize
	}
	if c.ChunkSizeBytes == 0 && m.MaxChunkSize > 0 {
		c.ChunkSizeBytes = m.MaxChunkSize
	}
	if c.CapturedAt.IsZero() && !m.CapturedAt.IsZero() {
		c.CapturedAt = m.CapturedAt
	}
	if c.DeclaredSHA256 == "" && m.SHA256 != "" {
		c.DeclaredSHA256 = m.SHA256
	}
	c.SensorData = MergeSensor(c.SensorData, m.Sensor)

	if c.RawMeta, err = MergeRawMeta(c.RawMeta, m.Raw); err != nil {
		return false, err
	}
	return countLearned, nil
}
