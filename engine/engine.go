package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/zsiec/recast/catalog"
	"github.com/zsiec/recast/metrics"
)

// Config carries the engine's static settings.
type Config struct {
	// Dir is the capture directory holding .mjr files and .nfo
	// descriptors.
	Dir string
	// RTMPBase, when set, is the endpoint base URL every capture is
	// live-published to as <RTMPBase>/<id>.
	RTMPBase string
	// Logger may be nil; slog.Default is used then.
	Logger *slog.Logger
}

// Engine owns the sessions, the capture catalog and the asynchronous
// request worker. One engine serves one capture directory.
type Engine struct {
	cfg Config
	log *slog.Logger
	gw  Gateway
	cat *catalog.Catalog

	mu       sync.Mutex
	sessions map[string]*Session

	queue chan *asyncMsg
	done  chan struct{}
}

// exitMsg is the worker's shutdown sentinel.
var exitMsg = &asyncMsg{}

// queueDepth bounds the async request backlog.
const queueDepth = 256

// New creates the capture directory if needed, scans it for existing
// captures and starts the asynchronous worker.
func New(cfg Config, gw Gateway) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("engine: no capture directory configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("component", "engine")
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("engine: create capture dir: %w", err)
	}
	cat := catalog.New(cfg.Dir, cfg.Logger)
	if err := cat.Scan(); err != nil {
		return nil, err
	}
	metrics.CatalogEntries.Set(float64(len(cat.List())))

	e := &Engine{
		cfg:      cfg,
		log:      log,
		gw:       gw,
		cat:      cat,
		sessions: make(map[string]*Session),
		queue:    make(chan *asyncMsg, queueDepth),
		done:     make(chan struct{}),
	}
	go e.worker()
	log.Info("engine started", "dir", cfg.Dir, "rtmp", cfg.RTMPBase != "")
	return e, nil
}

// Catalog exposes the capture catalog, mainly for the host's admin
// surface and for tests.
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// Close stops the async worker. Sessions still attached are destroyed.
func (e *Engine) Close() {
	e.mu.Lock()
	handles := make([]string, 0, len(e.sessions))
	for h := range e.sessions {
		handles = append(handles, h)
	}
	e.mu.Unlock()
	for _, h := range handles {
		e.DestroySession(h)
	}
	e.queue <- exitMsg
	<-e.done
	e.log.Info("engine stopped")
}

// CreateSession registers a new handle.
func (e *Engine) CreateSession(handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[handle]; ok {
		return fmt.Errorf("engine: session %q already exists", handle)
	}
	e.sessions[handle] = newSession(handle)
	metrics.SessionsActive.WithLabelValues("idle").Inc()
	e.log.Info("session created", "handle", handle)
	return nil
}

// DestroySession tears a handle down: media is hung up first, then the
// session is dropped.
func (e *Engine) DestroySession(handle string) {
	e.mu.Lock()
	s, ok := e.sessions[handle]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.hangupMedia(s)
	s.destroyed.Store(true)
	e.mu.Lock()
	delete(e.sessions, handle)
	e.mu.Unlock()
	s.mu.Lock()
	metrics.SessionsActive.WithLabelValues(s.role).Dec()
	s.mu.Unlock()
	e.log.Info("session destroyed", "handle", handle)
}

// setRole moves a session between role gauges. Caller holds s.mu.
func (e *Engine) setRole(s *Session, role string) {
	if s.role == role {
		return
	}
	metrics.SessionsActive.WithLabelValues(s.role).Dec()
	metrics.SessionsActive.WithLabelValues(role).Inc()
	s.role = role
}

func (e *Engine) session(handle string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[handle]
}

// QuerySession reports a handle's current state for introspection.
func (e *Engine) QuerySession(handle string) (map[string]any, error) {
	s := e.session(handle)
	if s == nil {
		return nil, fmt.Errorf("engine: no session %q", handle)
	}
	info := map[string]any{
		"type":      "none",
		"hangingup": s.hangingup.Load(),
		"destroyed": s.destroyed.Load(),
	}
	s.mu.Lock()
	if s.entry != nil {
		if s.transcoder {
			info["type"] = "transcoder"
		} else {
			info["type"] = "player"
		}
		info["transcoding_id"] = s.entry.ID
		info["transcoding_name"] = s.entry.Name
	}
	s.mu.Unlock()
	return info, nil
}

// HandleAdminMessage serves the admin API: only catalog refresh is
// supported there.
func (e *Engine) HandleAdminMessage(message json.RawMessage) Reply {
	var req request
	if err := json.Unmarshal(message, &req); err != nil {
		return e.fail(reqErrorf(ErrCodeInvalidJSON, "JSON error: %v", err))
	}
	if req.Request != "update" {
		return e.fail(reqErrorf(ErrCodeInvalidRequest, "unknown request '%s'", req.Request))
	}
	return e.refreshCatalog()
}

// HandleMessage processes one client request. Synchronous verbs are
// answered immediately; transcode, play, start and stop are queued for
// the worker and acked.
func (e *Engine) HandleMessage(handle, transaction string, message json.RawMessage, jsep *JSEP) Reply {
	s := e.session(handle)
	if s == nil || s.destroyed.Load() {
		return e.fail(reqErrorf(ErrCodeUnknown, "no session associated with this handle"))
	}
	if len(message) == 0 {
		return e.fail(reqErrorf(ErrCodeNoMessage, "no message"))
	}
	var req request
	if err := json.Unmarshal(message, &req); err != nil {
		return e.fail(reqErrorf(ErrCodeInvalidJSON, "JSON error: %v", err))
	}
	if req.Request == "" {
		return e.fail(reqErrorf(ErrCodeMissingElement, "missing mandatory element (request)"))
	}

	switch req.Request {
	case "update":
		return e.refreshCatalog()
	case "list":
		return syncReply(e.listCaptures())
	case "configure":
		return syncReply(e.configure(s, &req))
	case "transcode", "play", "start", "stop":
		e.queue <- &asyncMsg{
			handle:      handle,
			transaction: transaction,
			req:         &req,
			jsep:        jsep,
		}
		return ackReply()
	default:
		return e.fail(reqErrorf(ErrCodeInvalidRequest, "unknown request '%s'", req.Request))
	}
}

// fail logs and counts a request error and wraps it for the client.
func (e *Engine) fail(err *RequestError) Reply {
	e.log.Warn("request rejected", "code", err.Code, "err", err.Cause)
	metrics.RequestErrors.WithLabelValues(strconv.Itoa(err.Code)).Inc()
	return errReply(err)
}

func (e *Engine) refreshCatalog() Reply {
	if err := e.cat.Scan(); err != nil {
		e.log.Error("catalog refresh failed", "err", err)
	}
	metrics.CatalogEntries.Set(float64(len(e.cat.List())))
	return syncReply(okResponse{Transcode: "ok"})
}

func (e *Engine) listCaptures() listResponse {
	entries := e.cat.List()
	list := make([]listItem, 0, len(entries))
	for _, rec := range entries {
		list = append(list, listItem{
			ID:         rec.ID,
			Name:       rec.Name,
			Date:       rec.Date,
			Audio:      rec.AudioFile != "",
			AudioCodec: rec.AudioCodec,
			Video:      rec.VideoFile != "",
			VideoCodec: rec.VideoCodec,
		})
	}
	return listResponse{Transcode: "list", List: list}
}

// configure updates the sender-feedback knobs for a capture session.
// The configured keyframe interval is honored for the life of the
// session.
func (e *Engine) configure(s *Session, req *request) configureResponse {
	if req.VideoBitrateMax != nil {
		s.videoBitrate.Store(*req.VideoBitrateMax)
	}
	if req.VideoKeyframeInterval != nil {
		s.kfIntervalMS.Store(*req.VideoKeyframeInterval)
	}
	return configureResponse{
		Transcode: "configure",
		Status:    "ok",
		Settings: configureSettings{
			KeyframeInterval: s.kfIntervalMS.Load(),
			BitrateMax:       s.videoBitrate.Load(),
		},
	}
}

// worker drains the async queue until the shutdown sentinel arrives.
func (e *Engine) worker() {
	defer close(e.done)
	for msg := range e.queue {
		if msg == exitMsg {
			return
		}
		e.handleAsync(msg)
	}
}

// handleAsync runs one queued verb and pushes its outcome to the
// session's event channel.
func (e *Engine) handleAsync(msg *asyncMsg) {
	s := e.session(msg.handle)
	if s == nil || s.destroyed.Load() {
		// The session vanished while the request was queued; there is
		// nobody left to answer.
		return
	}

	var (
		result *EventResult
		jsep   *JSEP
		err    *RequestError
	)
	switch msg.req.Request {
	case "transcode":
		result, jsep, err = e.startCapture(s, msg)
	case "play":
		result, jsep, err = e.preparePlayback(s, msg)
	case "start":
		result, err = e.startPlayback(s, msg)
	case "stop":
		result = e.stopSession(s)
	}
	if err != nil {
		e.log.Warn("request failed", "handle", msg.handle, "request", msg.req.Request,
			"code", err.Code, "err", err.Cause)
		metrics.RequestErrors.WithLabelValues(strconv.Itoa(err.Code)).Inc()
		if perr := e.gw.PushEvent(msg.handle, msg.transaction, errorEvent(err), nil); perr != nil {
			e.log.Warn("could not push error event", "handle", msg.handle, "err", perr)
		}
		return
	}

	event := &Event{Transcode: "event", Result: result}
	if jsep != nil {
		// A fresh SDP round means any previous teardown guard is stale.
		s.hangingup.Store(false)
	}
	if perr := e.gw.PushEvent(msg.handle, msg.transaction, event, jsep); perr != nil {
		e.log.Warn("could not push event", "handle", msg.handle, "err", perr)
	}
	if msg.req.Request == "stop" {
		// The result goes out first; tearing the PeerConnection down
		// triggers the actual cleanup through HangupMedia.
		e.gw.ClosePC(msg.handle)
	}
}
