// Package catalog maintains the set of known captures: the in-memory
// id-to-entry map, the .nfo descriptor files that persist it across
// restarts, and the cached SDP offer replay sessions hand to viewers.
package catalog

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zsiec/recast/mjr"
)

// Replay payload types are fixed unless the codec mandates its own.
const (
	AudioPT = 111
	VideoPT = 100
)

// PayloadType returns the replay payload type for a codec. G.711 and
// G.722 keep their static assignments; everything else uses the fixed
// dynamic types above.
func PayloadType(codec string) uint8 {
	switch codec {
	case mjr.CodecPCMU:
		return 0
	case mjr.CodecPCMA:
		return 8
	case mjr.CodecG722:
		return 9
	}
	if mjr.VideoCodec(codec) {
		return VideoPT
	}
	return AudioPT
}

// Entry is one capture in the catalog. While a capture is in progress
// exactly one session owns it and completed is false; once the .nfo has
// been written any number of viewers may replay it.
type Entry struct {
	ID   uint64
	Name string
	Date string

	// Logical file names inside the capture directory, without the
	// .mjr extension. Empty when the capture has no such medium.
	AudioFile string
	VideoFile string

	AudioCodec string
	VideoCodec string
	AudioPT    uint8
	VideoPT    uint8

	// Offer is the cached SDP handed to viewers; set when the capture
	// completes or when the entry is imported from disk.
	Offer string

	completed atomic.Bool
	destroyed atomic.Bool

	mu      sync.Mutex
	viewers map[string]struct{}
}

// Completed reports whether the capture has finished and may be played.
func (e *Entry) Completed() bool { return e.completed.Load() }

func (e *Entry) setCompleted() { e.completed.Store(true) }

// Destroyed reports whether the entry was removed from the catalog.
func (e *Entry) Destroyed() bool { return e.destroyed.Load() }

func (e *Entry) setDestroyed() { e.destroyed.Store(true) }

// AddViewer registers a replay session on this entry.
func (e *Entry) AddViewer(handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.viewers == nil {
		e.viewers = make(map[string]struct{})
	}
	e.viewers[handle] = struct{}{}
}

// RemoveViewer drops a replay session; removing an unknown handle is a
// no-op.
func (e *Entry) RemoveViewer(handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.viewers, handle)
}

// ViewerCount returns the number of sessions currently replaying this
// entry.
func (e *Entry) ViewerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.viewers)
}

// Viewers returns the handles currently replaying this entry, sorted.
func (e *Entry) Viewers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.viewers))
	for h := range e.viewers {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// HasAudio reports whether the entry carries a decodable audio track.
func (e *Entry) HasAudio() bool { return e.AudioFile != "" && e.AudioCodec != "" }

// HasVideo reports whether the entry carries a decodable video track.
func (e *Entry) HasVideo() bool { return e.VideoFile != "" && e.VideoCodec != "" }
