package publish

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

const (
	audioChunkStreamID = 6
	videoChunkStreamID = 7

	// Frames queued ahead of the connection before Push starts dropping.
	queueDepth = 512
)

type frame struct {
	payload []byte
	video   bool
	ts      uint32
}

// RTMPSink publishes captured frames to an RTMP endpoint. The media
// stays opaque: RTP payloads are forwarded as audio/video messages with
// wall-clock timestamps, leaving any repackaging to the receiving
// server. A single writer goroutine owns the connection; Push only
// enqueues.
type RTMPSink struct {
	log    *slog.Logger
	addr   string
	queue  chan frame
	done   chan struct{}
	closed atomic.Bool
	drops  atomic.Uint64
	opened time.Time

	conn   *rtmp.ClientConn
	stream *rtmp.Stream
}

// OpenRTMP dials rawURL (rtmp://host[:port]/app/stream) and starts
// publishing. The logger may be nil.
func OpenRTMP(rawURL string, logger *slog.Logger) (*RTMPSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("publish: parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "rtmp" {
		return nil, fmt.Errorf("publish: unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":1935"
	}
	app, name := splitPath(u.Path)
	if app == "" || name == "" {
		return nil, fmt.Errorf("publish: url %q has no app/stream path", rawURL)
	}

	conn, err := rtmp.Dial("rtmp", host, &rtmp.ConnConfig{})
	if err != nil {
		return nil, fmt.Errorf("publish: dial %s: %w", host, err)
	}
	if err := conn.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:   app,
			TCURL: fmt.Sprintf("rtmp://%s/%s", host, app),
		},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("publish: connect: %w", err)
	}
	stream, err := conn.CreateStream(&rtmpmsg.NetConnectionCreateStream{}, 128)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("publish: create stream: %w", err)
	}
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: name,
		PublishingType: "live",
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("publish: publish %s: %w", name, err)
	}

	s := &RTMPSink{
		log:    logger.With("component", "publish", "endpoint", host, "stream", name),
		addr:   host,
		queue:  make(chan frame, queueDepth),
		done:   make(chan struct{}),
		opened: time.Now(),
		conn:   conn,
		stream: stream,
	}
	go s.writeLoop()
	s.log.Info("publishing started")
	return s, nil
}

// splitPath turns "/app/stream" into its two components; the stream
// name is everything after the first segment.
func splitPath(p string) (app, name string) {
	p = strings.Trim(p, "/")
	if i := strings.Index(p, "/"); i > 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}

// Push enqueues one RTP packet for publishing. The RTP header is
// stripped here so the writer goroutine only handles media payloads.
// When the queue is full the oldest frame is dropped and counted.
func (s *RTMPSink) Push(buf []byte, video bool, slot int) {
	if s.closed.Load() {
		return
	}
	var h rtp.Header
	n, err := h.Unmarshal(buf)
	if err != nil || n >= len(buf) {
		return
	}
	payload := make([]byte, len(buf)-n)
	copy(payload, buf[n:])
	f := frame{
		payload: payload,
		video:   video,
		ts:      uint32(time.Since(s.opened) / time.Millisecond),
	}
	select {
	case s.queue <- f:
	default:
		// Full queue: drop the oldest frame so the stream stays near
		// live rather than drifting behind.
		select {
		case <-s.queue:
			s.drops.Add(1)
		default:
		}
		select {
		case s.queue <- f:
		default:
			s.drops.Add(1)
		}
	}
}

// Drops returns the number of frames dropped due to backpressure.
func (s *RTMPSink) Drops() uint64 { return s.drops.Load() }

// Close stops the writer and tears the connection down.
func (s *RTMPSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.queue)
	<-s.done
	if err := s.stream.Close(); err != nil {
		s.log.Warn("closing publish stream", "err", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("publish: close: %w", err)
	}
	s.log.Info("publishing stopped", "dropped", s.drops.Load())
	return nil
}

func (s *RTMPSink) writeLoop() {
	defer close(s.done)
	for f := range s.queue {
		var msg rtmpmsg.Message
		csid := audioChunkStreamID
		if f.video {
			msg = &rtmpmsg.VideoMessage{Payload: bytes.NewReader(f.payload)}
			csid = videoChunkStreamID
		} else {
			msg = &rtmpmsg.AudioMessage{Payload: bytes.NewReader(f.payload)}
		}
		if err := s.stream.Write(csid, f.ts, msg); err != nil {
			// Publishing is best-effort: log and keep draining so the
			// capture path never backs up.
			s.log.Warn("write to publish stream failed", "err", err)
		}
	}
}
