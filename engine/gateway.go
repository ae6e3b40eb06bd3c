// Package engine implements the capture and replay session logic: the
// request surface, the RTP capture path with simulcast selection and
// live publishing, RTCP feedback toward senders, and the paced replay
// of captured files back to viewers. The engine is host-agnostic; it
// talks to the media plane only through the Gateway interface.
package engine

// Gateway is the media-plane host the engine runs inside. Relay calls
// carry raw RTP/RTCP bytes; PushEvent delivers asynchronous results to
// a session's signalling channel.
type Gateway interface {
	// RelayRTP forwards a media packet to the peer behind handle.
	RelayRTP(handle string, video bool, buf []byte)
	// RelayRTCP forwards a feedback packet to the peer behind handle.
	RelayRTCP(handle string, video bool, buf []byte)
	// PushEvent delivers an asynchronous event, optionally with a JSEP.
	PushEvent(handle, transaction string, event *Event, jsep *JSEP) error
	// ClosePC asks the host to tear down the session's PeerConnection.
	// The host is expected to call HangupMedia in response.
	ClosePC(handle string)
	// NotifyEvent emits an out-of-band notification to event handlers.
	// Only called when EventsEnabled reports true.
	NotifyEvent(handle string, event map[string]any)
	// EventsEnabled reports whether event-handler notifications are on.
	EventsEnabled() bool
}

// JSEP is the SDP half of a signalling exchange.
type JSEP struct {
	Type    string `json:"type"`
	SDP     string `json:"sdp"`
	Restart bool   `json:"restart,omitempty"`

	// Inbound-only fields set by the host on offers.
	Update    bool       `json:"update,omitempty"`
	Simulcast *Simulcast `json:"simulcast,omitempty"`
}

// Simulcast describes the simulcast layout the host negotiated on an
// incoming offer: either three SSRCs, or three rids plus the header
// extension id they travel in.
type Simulcast struct {
	SSRCs    [3]uint32 `json:"ssrcs"`
	RIDs     [3]string `json:"rids"`
	RIDExtID uint8     `json:"rid_ext_id"`
}

// Event is the asynchronous message envelope pushed to clients. Result
// holds verb-specific payloads (an object for most verbs, the bare
// string "done" on teardown); error events carry code and text instead.
type Event struct {
	Transcode string `json:"transcode"`
	Result    any    `json:"result,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EventResult is the common shape of successful async results.
type EventResult struct {
	Status  string `json:"status"`
	ID      uint64 `json:"id,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// Reply is the synchronous outcome of HandleMessage: either an
// immediate response (sync verbs and errors) or an ack that the request
// was queued for the asynchronous worker.
type Reply struct {
	Response any
	Ack      bool
}

func ackReply() Reply          { return Reply{Ack: true} }
func syncReply(resp any) Reply { return Reply{Response: resp} }
func errReply(e *RequestError) Reply {
	return Reply{Response: errorEvent(e)}
}

// request is the decoded client message. Fields beyond the verb are
// verb-specific and optional unless validated otherwise.
type request struct {
	Request  string `json:"request"`
	ID       uint64 `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Filename string `json:"filename,omitempty"`
	Update   bool   `json:"update,omitempty"`
	Restart  bool   `json:"restart,omitempty"`

	// configure knobs; pointers distinguish absent from zero.
	VideoBitrateMax       *uint32 `json:"video-bitrate-max,omitempty"`
	VideoKeyframeInterval *uint32 `json:"video-keyframe-interval,omitempty"`
}

// listItem is one catalog entry in a list response.
type listItem struct {
	ID         uint64 `json:"id"`
	Name       string `json:"name"`
	Date       string `json:"date"`
	Audio      bool   `json:"audio"`
	AudioCodec string `json:"audio_codec,omitempty"`
	Video      bool   `json:"video"`
	VideoCodec string `json:"video_codec,omitempty"`
}

type listResponse struct {
	Transcode string     `json:"transcode"`
	List      []listItem `json:"list"`
}

type okResponse struct {
	Transcode string `json:"transcode"`
}

type configureResponse struct {
	Transcode string            `json:"transcode"`
	Status    string            `json:"status"`
	Settings  configureSettings `json:"settings"`
}

type configureSettings struct {
	KeyframeInterval uint32 `json:"video-keyframe-interval"`
	BitrateMax       uint32 `json:"video-bitrate-max"`
}

// asyncMsg is one queued request for the worker goroutine.
type asyncMsg struct {
	handle      string
	transaction string
	req         *request
	jsep        *JSEP
}
