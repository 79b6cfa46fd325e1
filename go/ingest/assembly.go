package ingest

import (
	"math/bits"
	"time"

	"github.com/gxp-io/fleet/go/fleet"
)

// bitset tracks accepted chunk ids. It grows as ids arrive, since chunks
// routinely land before the metadata that declares the count.
type bitset struct {
	words []uint64
}

func (b *bitset) set(i int) {
	var w = i >> 6
	for len(b.words) <= w {
		b.words = append(b.words, 0)
	}
	b.words[w] |= 1 << (uint(i) & 63)
}

func (b *bitset) clear(i int) {
	var w = i >> 6
	if w < len(b.words) {
		b.words[w] &^= 1 << (uint(i) & 63)
	}
}

func (b *bitset) has(i int) bool {
	var w = i >> 6
	return w < len(b.words) && b.words[w]&(1<<(uint(i)&63)) != 0
}

func (b *bitset) count() int {
	var n int
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// missingBelow returns the unset ids in [0, n), ascending.
func (b *bitset) missingBelow(n int) []int {
	var out []int
	for i := 0; i < n; i++ {
		if !b.has(i) {
			out = append(out, i)
		}
	}
	return out
}

// assembly is the in-memory reassembly buffer for one in-flight image.
// All fields are owned by the device's serial worker; the Manager's map
// holds the only shared reference.
type assembly struct {
	capture *fleet.Capture
	dev     fleet.Device
	hw      string

	chunks  map[int][]byte
	bits    bitset
	maxSeen int
	bytes   int64

	startedAt    time.Time
	lastActivity time.Time

	// attempts counts retransmission rounds since the last accepted chunk.
	attempts int
	timer    *time.Timer

	// doomed marks a terminally-failed assembly kept around to swallow the
	// rest of its stream without opening fresh capture rows.
	doomed bool
}

// complete reports whether every declared chunk has been accepted. An
// assembly with an unknown chunk count is never complete.
func (a *assembly) complete() bool {
	var total = a.capture.TotalChunks
	return total > 0 && len(a.bits.missingBelow(total)) == 0
}

// gaps lists the chunk ids to request in a retransmission round. With no
// declared count yet, everything below the highest id seen is fair game.
func (a *assembly) gaps() []int {
	if total := a.capture.TotalChunks; total > 0 {
		return a.bits.missingBelow(total)
	}
	return a.bits.missingBelow(a.maxSeen + 1)
}

// touch records device activity and re-arms the retransmission timer.
func (a *assembly) touch(now time.Time, delay time.Duration) {
	a.lastActivity = now
	if !a.doomed {
		a.timer.Reset(delay)
	}
}
