package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/recast/catalog"
	"github.com/zsiec/recast/mjr"
	"github.com/zsiec/recast/publish"
	"github.com/zsiec/recast/simulcast"
)

// Bandwidth estimation and keyframe-request defaults for new sessions.
const (
	defaultVideoBitrate  = 1024 * 1024 // 1 Mbps
	defaultRembStartup   = 4
	defaultKeyframeIvlMS = 15000
	rembInterval         = 5 * time.Second
)

// Session is one plugin handle. A session is either a capturer (it owns
// an in-progress catalog entry and writes incoming RTP to disk) or a
// viewer (it replays a completed entry). The media mutex serializes the
// capture path against teardown; everything crossing goroutines beyond
// that uses atomics.
type Session struct {
	handle string

	// mu guards the writers, the sink and the entry pointer between the
	// ingest path and hangup.
	mu         sync.Mutex
	role       string
	transcoder bool
	entry      *catalog.Entry
	arc        *mjr.Writer
	vrc        *mjr.Writer
	sink       publish.Sink

	sel      *simulcast.Selector
	recVSSRC uint32 // fixed SSRC stamped on captured video when simulcast is active

	// Replay state, owned by the async worker until the pacer starts.
	aframes *mjr.FramePacket
	vframes *mjr.FramePacket

	active    atomic.Bool
	hangingup atomic.Bool
	destroyed atomic.Bool

	// Sender feedback knobs; configure may change them mid-session.
	videoBitrate atomic.Uint32
	kfIntervalMS atomic.Uint32

	// Feedback bookkeeping, reset at capture setup and touched only on
	// the ingest goroutine once media is up.
	rembStartup int
	rembLast    time.Time
	kfLast      time.Time
	firSeq      uint8

	// SDP origin bookkeeping for renegotiations and ICE restarts.
	sdpSessID  int64
	sdpVersion int64
}

func newSession(handle string) *Session {
	s := &Session{
		handle:      handle,
		role:        "idle",
		sel:         simulcast.NewSelector(),
		rembStartup: defaultRembStartup,
		rembLast:    time.Now(),
	}
	s.videoBitrate.Store(defaultVideoBitrate)
	s.kfIntervalMS.Store(defaultKeyframeIvlMS)
	return s
}

// snapshotFrames returns the replay lists under the media mutex.
func (s *Session) snapshotFrames() (*mjr.FramePacket, *mjr.FramePacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aframes, s.vframes
}

// currentEntry returns the session's catalog entry under the media mutex.
func (s *Session) currentEntry() *catalog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry
}
