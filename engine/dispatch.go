package engine

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/zsiec/recast/catalog"
	"github.com/zsiec/recast/mjr"
	"github.com/zsiec/recast/publish"
	"github.com/zsiec/recast/simulcast"
)

const dateLayout = "2006-01-02 15:04:05"

// startCapture handles the transcode verb: negotiate the offer, create
// the catalog entry, open the capture writers and the live publishing
// sink, and answer recvonly.
func (e *Engine) startCapture(s *Session, msg *asyncMsg) (*EventResult, *JSEP, *RequestError) {
	if msg.jsep == nil || msg.jsep.SDP == "" {
		return nil, nil, reqErrorf(ErrCodeMissingElement, "missing SDP offer")
	}
	if msg.jsep.Type != "offer" {
		return nil, nil, reqErrorf(ErrCodeInvalidSDP, "wrong SDP type '%s'", msg.jsep.Type)
	}
	offer, err := parseOffer(msg.jsep.SDP)
	if err != nil {
		return nil, nil, reqErrorf(ErrCodeInvalidSDP, "invalid SDP: %v", err)
	}

	if msg.jsep.Update {
		return e.renegotiateCapture(s)
	}

	s.mu.Lock()
	busy := s.entry != nil
	s.mu.Unlock()
	if busy {
		return nil, nil, reqErrorf(ErrCodeInvalidState, "already capturing or playing")
	}
	if msg.req.Name == "" {
		return nil, nil, reqErrorf(ErrCodeMissingElement, "missing mandatory element (name)")
	}

	audio, video := negotiateOffer(offer)
	if audio == nil && video == nil {
		return nil, nil, reqErrorf(ErrCodeInvalidSDP, "offer contains no capturable media")
	}

	id := msg.req.ID
	if id != 0 && e.cat.Get(id) != nil {
		return nil, nil, reqErrorf(ErrCodeCaptureExists, "capture %d already exists", id)
	}
	for id == 0 || e.cat.Get(id) != nil {
		id = rand.Uint64() >> 16 // keep ids JSON-friendly
	}

	base := msg.req.Filename
	if base == "" {
		base = fmt.Sprintf("rec-%d", id)
	}
	entry := &catalog.Entry{
		ID:   id,
		Name: msg.req.Name,
		Date: time.Now().Format(dateLayout),
	}
	if audio != nil {
		entry.AudioFile = base + "-audio"
		entry.AudioCodec = audio.codec
		entry.AudioPT = catalog.PayloadType(audio.codec)
	}
	if video != nil {
		entry.VideoFile = base + "-video"
		entry.VideoCodec = video.codec
		entry.VideoPT = catalog.PayloadType(video.codec)
	}
	if err := e.cat.Add(entry); err != nil {
		return nil, nil, reqErrorf(ErrCodeCaptureExists, "capture %d already exists", id)
	}

	var arc, vrc *mjr.Writer
	if audio != nil {
		arc, err = mjr.NewWriter(e.cfg.Dir, audio.codec, entry.AudioFile)
		if err != nil {
			e.cat.Remove(id)
			return nil, nil, reqErrorf(ErrCodeUnknown, "could not open audio capture file: %v", err)
		}
	}
	if video != nil {
		vrc, err = mjr.NewWriter(e.cfg.Dir, video.codec, entry.VideoFile)
		if err != nil {
			if arc != nil {
				arc.Close()
			}
			e.cat.Remove(id)
			return nil, nil, reqErrorf(ErrCodeUnknown, "could not open video capture file: %v", err)
		}
	}

	// Live publishing is best-effort: a dead endpoint must not fail the
	// capture.
	var sink publish.Sink = publish.Discard{}
	if e.cfg.RTMPBase != "" {
		rs, err := publish.OpenRTMP(fmt.Sprintf("%s/%d", e.cfg.RTMPBase, id), e.cfg.Logger)
		if err != nil {
			e.log.Warn("live publishing unavailable", "id", id, "err", err)
		} else {
			sink = rs
		}
	}

	s.mu.Lock()
	s.transcoder = true
	s.entry = entry
	s.arc = arc
	s.vrc = vrc
	s.sink = sink
	// Feedback bookkeeping restarts here, before the media path comes
	// up, so the ingest goroutine owns it exclusively once packets flow.
	s.rembStartup = defaultRembStartup
	s.rembLast = time.Now()
	s.kfLast = time.Time{}
	s.firSeq = 0
	s.sdpSessID = time.Now().Unix()
	s.sdpVersion = 1
	sessID, version := s.sdpSessID, s.sdpVersion
	e.setRole(s, "capture")
	s.mu.Unlock()

	if video != nil && msg.jsep.Simulcast != nil {
		e.prepareSimulcast(s, video.codec, msg.jsep.Simulcast)
	}

	answer, err := buildAnswer(id, sessID, version, audio, video)
	if err != nil {
		return nil, nil, reqErrorf(ErrCodeUnknown, "could not build answer: %v", err)
	}

	e.log.Info("capture started", "handle", s.handle, "id", id, "name", entry.Name,
		"audio", audio != nil, "video", video != nil)
	if e.gw.EventsEnabled() {
		e.gw.NotifyEvent(s.handle, map[string]any{
			"event": "transcoding",
			"id":    id,
			"audio": audio != nil,
			"video": video != nil,
		})
	}
	result := &EventResult{Status: "transcoding", ID: id}
	return result, &JSEP{Type: "answer", SDP: answer}, nil
}

// renegotiateCapture answers a renegotiation offer on an established
// capture without touching the writers.
func (e *Engine) renegotiateCapture(s *Session) (*EventResult, *JSEP, *RequestError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transcoder || s.entry == nil {
		return nil, nil, reqErrorf(ErrCodeInvalidState, "not capturing, nothing to update")
	}
	var audio, video *mediaChoice
	if s.arc != nil {
		audio = &mediaChoice{codec: s.entry.AudioCodec, pt: s.entry.AudioPT}
	}
	if s.vrc != nil {
		video = &mediaChoice{codec: s.entry.VideoCodec, pt: s.entry.VideoPT}
	}
	s.sdpVersion++
	answer, err := buildAnswer(s.entry.ID, s.sdpSessID, s.sdpVersion, audio, video)
	if err != nil {
		return nil, nil, reqErrorf(ErrCodeUnknown, "could not build answer: %v", err)
	}
	result := &EventResult{Status: "updated", ID: s.entry.ID}
	return result, &JSEP{Type: "answer", SDP: answer}, nil
}

// prepareSimulcast arms the session's layer selector from the host's
// simulcast description. Only codecs whose keyframes we can detect are
// eligible; otherwise switching could never be gated safely.
func (e *Engine) prepareSimulcast(s *Session, codec string, sc *Simulcast) {
	if codec != mjr.CodecVP8 && codec != mjr.CodecH264 {
		e.log.Warn("simulcast offered but unsupported for codec", "codec", codec)
		return
	}
	if sc.RIDs[0] != "" && sc.RIDExtID != 0 {
		s.sel.SetRIDs(sc.RIDs, sc.RIDExtID)
	} else if sc.SSRCs[0] != 0 {
		s.sel.SetSSRCs(sc.SSRCs)
	} else {
		return
	}
	s.sel.SetTargets(simulcast.Layers-1, simulcast.Layers-1)
	s.recVSSRC = rand.Uint32()
	e.log.Info("simulcast capture armed", "handle", s.handle, "ssrc", s.recVSSRC)
}

// preparePlayback handles the play verb: index the capture files and
// push the cached offer, or restamp it for an ICE restart.
func (e *Engine) preparePlayback(s *Session, msg *asyncMsg) (*EventResult, *JSEP, *RequestError) {
	if msg.jsep != nil && msg.jsep.SDP != "" {
		return nil, nil, reqErrorf(ErrCodeInvalidElement, "a play request can't contain an SDP")
	}
	if msg.req.Restart || (msg.jsep != nil && msg.jsep.Update) {
		return e.restartPlayback(s)
	}
	if msg.req.ID == 0 {
		return nil, nil, reqErrorf(ErrCodeMissingElement, "missing mandatory element (id)")
	}

	s.mu.Lock()
	busy := s.entry != nil
	s.mu.Unlock()
	if busy {
		return nil, nil, reqErrorf(ErrCodeInvalidState, "already capturing or playing")
	}

	rec := e.cat.Get(msg.req.ID)
	if rec == nil || !rec.Completed() || rec.Destroyed() || rec.Offer == "" {
		return nil, nil, reqErrorf(ErrCodeNotFound, "no such capture %d", msg.req.ID)
	}

	var (
		aframes, vframes *mjr.FramePacket
		warning          string
	)
	if rec.HasAudio() {
		frames, err := mjr.BuildIndex(e.cfg.Dir, rec.AudioFile)
		if err != nil {
			e.log.Warn("broken audio capture", "id", rec.ID, "err", err)
		} else {
			aframes = frames
		}
	}
	if rec.HasVideo() {
		frames, err := mjr.BuildIndex(e.cfg.Dir, rec.VideoFile)
		if err != nil {
			e.log.Warn("broken video capture", "id", rec.ID, "err", err)
		} else {
			vframes = frames
		}
	}
	if aframes == nil && vframes == nil {
		return nil, nil, reqErrorf(ErrCodeInvalidCapture, "error opening capture files")
	}
	if rec.HasAudio() && aframes == nil {
		warning = "Broken audio file, playing video only"
	}
	if rec.HasVideo() && vframes == nil {
		warning = "Broken video file, playing audio only"
	}

	s.mu.Lock()
	s.transcoder = false
	s.entry = rec
	s.aframes = aframes
	s.vframes = vframes
	s.sdpSessID = time.Now().Unix()
	s.sdpVersion = 1
	e.setRole(s, "replay")
	s.mu.Unlock()
	rec.AddViewer(s.handle)

	e.log.Info("playback prepared", "handle", s.handle, "id", rec.ID,
		"audio", aframes != nil, "video", vframes != nil)
	if e.gw.EventsEnabled() {
		e.gw.NotifyEvent(s.handle, map[string]any{
			"event": "playout",
			"id":    rec.ID,
			"audio": aframes != nil,
			"video": vframes != nil,
		})
	}
	result := &EventResult{Status: "preparing", ID: rec.ID, Warning: warning}
	return result, &JSEP{Type: "offer", SDP: rec.Offer}, nil
}

// restartPlayback re-offers the cached SDP with a bumped origin so the
// viewer can do an ICE restart.
func (e *Engine) restartPlayback(s *Session) (*EventResult, *JSEP, *RequestError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcoder || s.entry == nil || s.entry.Offer == "" {
		return nil, nil, reqErrorf(ErrCodeInvalidState, "not playing anything")
	}
	s.sdpVersion++
	offer, err := rewriteOrigin(s.entry.Offer, s.sdpSessID, s.sdpVersion)
	if err != nil {
		return nil, nil, reqErrorf(ErrCodeUnknown, "could not restart offer: %v", err)
	}
	result := &EventResult{Status: "restarting", ID: s.entry.ID}
	return result, &JSEP{Type: "offer", SDP: offer, Restart: true}, nil
}

// startPlayback handles the start verb: the viewer accepted the offer,
// replay begins once the media path is up.
func (e *Engine) startPlayback(s *Session, msg *asyncMsg) (*EventResult, *RequestError) {
	aframes, vframes := s.snapshotFrames()
	if aframes == nil && vframes == nil {
		return nil, reqErrorf(ErrCodeInvalidState, "not in a playout session")
	}
	if msg.jsep == nil || msg.jsep.SDP == "" {
		return nil, reqErrorf(ErrCodeMissingElement, "missing SDP answer")
	}
	var id uint64
	if rec := s.currentEntry(); rec != nil {
		id = rec.ID
	}
	e.log.Info("playback starting", "handle", s.handle, "id", id)
	if e.gw.EventsEnabled() {
		e.gw.NotifyEvent(s.handle, map[string]any{"event": "playing", "id": id})
	}
	return &EventResult{Status: "playing", ID: id}, nil
}

// stopSession handles the stop verb for both roles: the result is
// pushed first, then the PeerConnection is closed, which triggers the
// actual teardown through HangupMedia.
func (e *Engine) stopSession(s *Session) *EventResult {
	result := &EventResult{Status: "stopped"}
	var id uint64
	if rec := s.currentEntry(); rec != nil {
		id = rec.ID
		result.ID = id
	}
	e.log.Info("session stopping", "handle", s.handle, "id", id)
	if e.gw.EventsEnabled() {
		e.gw.NotifyEvent(s.handle, map[string]any{"event": "stopped", "id": id})
	}
	return result
}
