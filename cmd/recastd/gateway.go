package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/zsiec/recast/engine"
)

// host is the pion/webrtc media plane behind the engine: it owns one
// PeerConnection per session, feeds incoming RTP into the engine,
// writes engine RTCP feedback back to senders, and carries replayed RTP
// out on local tracks. Engine events are fanned out to per-session SSE
// subscribers.
type host struct {
	log    *slog.Logger
	notify bool
	eng    *engine.Engine // set right after engine.New

	mu       sync.Mutex
	sessions map[string]*hostSession
}

// sseEvent is one message on a session's event stream.
type sseEvent struct {
	Transaction string        `json:"transaction,omitempty"`
	Event       *engine.Event `json:"event"`
	JSEP        *engine.JSEP  `json:"jsep,omitempty"`
}

type hostSession struct {
	handle string
	events chan sseEvent

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	remoteOffer string // client offer waiting for the engine's media plan
	audioOut    *webrtc.TrackLocalStaticRTP
	videoOut    *webrtc.TrackLocalStaticRTP
	closed      bool
}

func newHost(logger *slog.Logger, notify bool) *host {
	return &host{
		log:      logger.With("component", "webrtc"),
		notify:   notify,
		sessions: make(map[string]*hostSession),
	}
}

func newHandle() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // the system RNG does not fail
	}
	return hex.EncodeToString(b[:])
}

// createSession registers a handle with the host and the engine.
func (h *host) createSession() (string, error) {
	handle := newHandle()
	hs := &hostSession{
		handle: handle,
		events: make(chan sseEvent, 64),
	}
	h.mu.Lock()
	h.sessions[handle] = hs
	h.mu.Unlock()
	if err := h.eng.CreateSession(handle); err != nil {
		h.mu.Lock()
		delete(h.sessions, handle)
		h.mu.Unlock()
		return "", err
	}
	return handle, nil
}

func (h *host) session(handle string) *hostSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[handle]
}

// destroySession tears down the engine session and the PeerConnection.
func (h *host) destroySession(handle string) {
	h.mu.Lock()
	hs := h.sessions[handle]
	delete(h.sessions, handle)
	h.mu.Unlock()
	if hs == nil {
		return
	}
	h.eng.DestroySession(handle)
	hs.mu.Lock()
	pc := hs.pc
	hs.pc = nil
	hs.closed = true
	hs.mu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			h.log.Warn("closing peer connection", "handle", handle, "err", err)
		}
	}
	close(hs.events)
}

// onMessageJSEP lets the host react to client SDP before the engine
// sees the request: offers are parked for the upcoming negotiation,
// answers complete a pending replay negotiation.
func (h *host) onMessageJSEP(hs *hostSession, jsep *engine.JSEP) {
	if jsep == nil || jsep.SDP == "" {
		return
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	switch jsep.Type {
	case "offer":
		hs.remoteOffer = jsep.SDP
	case "answer":
		if hs.pc != nil {
			desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: jsep.SDP}
			if err := hs.pc.SetRemoteDescription(desc); err != nil {
				h.log.Warn("applying remote answer", "handle", hs.handle, "err", err)
			}
		}
	}
}

// PushEvent delivers an engine event on the session's stream. When the
// event carries SDP, the host first runs the actual WebRTC negotiation:
// the engine's SDP is the media plan, pion produces the wire SDP.
func (h *host) PushEvent(handle, transaction string, event *engine.Event, jsep *engine.JSEP) error {
	hs := h.session(handle)
	if hs == nil {
		return fmt.Errorf("no session %s", handle)
	}
	if jsep != nil {
		switch jsep.Type {
		case "answer":
			if wire, err := h.negotiateCapture(hs); err != nil {
				h.log.Warn("capture negotiation failed, forwarding media plan", "handle", handle, "err", err)
			} else {
				jsep.SDP = wire
			}
		case "offer":
			if wire, err := h.negotiateReplay(hs, jsep.SDP); err != nil {
				h.log.Warn("replay negotiation failed, forwarding media plan", "handle", handle, "err", err)
			} else {
				jsep.SDP = wire
			}
		}
	}

	hs.mu.Lock()
	closed := hs.closed
	hs.mu.Unlock()
	if closed {
		return nil
	}
	select {
	case hs.events <- sseEvent{Transaction: transaction, Event: event, JSEP: jsep}:
	default:
		h.log.Warn("event stream full, dropping event", "handle", handle)
	}
	return nil
}

// RelayRTP writes replayed packets out on the session's local tracks.
func (h *host) RelayRTP(handle string, video bool, buf []byte) {
	hs := h.session(handle)
	if hs == nil {
		return
	}
	hs.mu.Lock()
	track := hs.audioOut
	if video {
		track = hs.videoOut
	}
	hs.mu.Unlock()
	if track == nil {
		return
	}
	if _, err := track.Write(buf); err != nil {
		h.log.Debug("writing replay packet", "handle", handle, "err", err)
	}
}

// RelayRTCP sends engine feedback to the capture sender.
func (h *host) RelayRTCP(handle string, video bool, buf []byte) {
	hs := h.session(handle)
	if hs == nil {
		return
	}
	hs.mu.Lock()
	pc := hs.pc
	hs.mu.Unlock()
	if pc == nil {
		return
	}
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		h.log.Warn("invalid rtcp from engine", "handle", handle, "err", err)
		return
	}
	if err := pc.WriteRTCP(pkts); err != nil {
		h.log.Debug("writing rtcp feedback", "handle", handle, "err", err)
	}
}

// ClosePC shuts the PeerConnection down and lets the engine finalize.
func (h *host) ClosePC(handle string) {
	hs := h.session(handle)
	if hs == nil {
		return
	}
	hs.mu.Lock()
	pc := hs.pc
	hs.pc = nil
	hs.audioOut, hs.videoOut = nil, nil
	hs.mu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			h.log.Warn("closing peer connection", "handle", handle, "err", err)
		}
	}
	h.eng.HangupMedia(handle)
}

func (h *host) NotifyEvent(handle string, event map[string]any) {
	h.log.Info("plugin event", "handle", handle, "event", event)
}

func (h *host) EventsEnabled() bool { return h.notify }

func (h *host) newPeerConnection(hs *hostSession) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h.log.Info("connection state", "handle", hs.handle, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			h.eng.SetupMedia(hs.handle)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			h.eng.HangupMedia(hs.handle)
		}
	})
	return pc, nil
}

// negotiateCapture answers the parked client offer: incoming tracks are
// pumped into the engine's capture path.
func (h *host) negotiateCapture(hs *hostSession) (string, error) {
	hs.mu.Lock()
	offer := hs.remoteOffer
	hs.remoteOffer = ""
	hs.mu.Unlock()
	if offer == "" {
		return "", fmt.Errorf("no pending client offer")
	}

	pc, err := h.newPeerConnection(hs)
	if err != nil {
		return "", err
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		video := track.Kind() == webrtc.RTPCodecTypeVideo
		h.log.Info("track up", "handle", hs.handle, "kind", track.Kind().String())
		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				return
			}
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			h.eng.IncomingRTP(hs.handle, video, pkt)
		}
	})
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local answer: %w", err)
	}
	<-gathered

	hs.mu.Lock()
	hs.pc = pc
	hs.mu.Unlock()
	return pc.LocalDescription().SDP, nil
}

// negotiateReplay turns the engine's sendonly media plan into a wire
// offer with one local track per medium the capture carries.
func (h *host) negotiateReplay(hs *hostSession, plan string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(plan); err != nil {
		return "", fmt.Errorf("parse media plan: %w", err)
	}

	pc, err := h.newPeerConnection(hs)
	if err != nil {
		return "", err
	}
	var audioOut, videoOut *webrtc.TrackLocalStaticRTP
	for _, m := range desc.MediaDescriptions {
		mime := planMime(m)
		if mime == "" {
			continue
		}
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: mime},
			m.MediaName.Media, "recast")
		if err != nil {
			pc.Close()
			return "", fmt.Errorf("new %s track: %w", m.MediaName.Media, err)
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return "", fmt.Errorf("add %s track: %w", m.MediaName.Media, err)
		}
		// Sender reports have to be drained or the interceptor chain
		// stalls.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
		if m.MediaName.Media == "audio" {
			audioOut = track
		} else {
			videoOut = track
		}
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local offer: %w", err)
	}
	<-gathered

	hs.mu.Lock()
	hs.pc = pc
	hs.audioOut = audioOut
	hs.videoOut = videoOut
	hs.mu.Unlock()
	return pc.LocalDescription().SDP, nil
}

// planMime maps a media plan m-line to the pion mime type of its codec.
func planMime(m *sdp.MediaDescription) string {
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		fields := strings.SplitN(a.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		switch strings.ToLower(strings.SplitN(fields[1], "/", 2)[0]) {
		case "opus":
			return webrtc.MimeTypeOpus
		case "pcmu":
			return webrtc.MimeTypePCMU
		case "pcma":
			return webrtc.MimeTypePCMA
		case "g722":
			return webrtc.MimeTypeG722
		case "vp8":
			return webrtc.MimeTypeVP8
		case "vp9":
			return webrtc.MimeTypeVP9
		case "h264":
			return webrtc.MimeTypeH264
		}
	}
	return ""
}
