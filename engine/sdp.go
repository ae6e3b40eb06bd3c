package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/zsiec/recast/mjr"
)

// mediaChoice is the negotiated codec of one m-line in an offer: the
// codec name and the payload type the client assigned to it.
type mediaChoice struct {
	codec string
	pt    uint8
}

// encodingCodec maps an rtpmap encoding name to the capture codec id.
func encodingCodec(enc string) string {
	switch strings.ToLower(enc) {
	case "opus":
		return mjr.CodecOpus
	case "pcmu":
		return mjr.CodecPCMU
	case "pcma":
		return mjr.CodecPCMA
	case "g722":
		return mjr.CodecG722
	case "vp8":
		return mjr.CodecVP8
	case "vp9":
		return mjr.CodecVP9
	case "h264":
		return mjr.CodecH264
	}
	return ""
}

// parseOffer unmarshals a client SDP offer.
func parseOffer(raw string) (*sdp.SessionDescription, error) {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return nil, fmt.Errorf("engine: parse offer: %w", err)
	}
	return &desc, nil
}

// chooseCodec picks the codec to capture from one offered m-line,
// honoring the client's preference order: formats are walked in offer
// order and the first one we can capture wins. Media the client only
// wants to receive is skipped, since nothing would ever arrive on it.
func chooseCodec(m *sdp.MediaDescription) *mediaChoice {
	rtpmap := make(map[string]string)
	for _, a := range m.Attributes {
		if a.Key == "recvonly" || a.Key == "inactive" {
			return nil
		}
		if a.Key == "rtpmap" {
			// "<pt> <encoding>/<clock>[/<channels>]"
			fields := strings.SplitN(a.Value, " ", 2)
			if len(fields) != 2 {
				continue
			}
			enc := strings.SplitN(fields[1], "/", 2)[0]
			rtpmap[fields[0]] = enc
		}
	}
	for _, format := range m.MediaName.Formats {
		enc, ok := rtpmap[format]
		if !ok {
			// Static payload types carry no rtpmap.
			switch format {
			case "0":
				enc = "pcmu"
			case "8":
				enc = "pcma"
			case "9":
				enc = "g722"
			default:
				continue
			}
		}
		codec := encodingCodec(enc)
		if codec == "" {
			continue
		}
		pt, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		return &mediaChoice{codec: codec, pt: uint8(pt)}
	}
	return nil
}

// negotiateOffer walks an offer's m-lines and returns the audio and
// video codecs to capture, or nil for media the offer lacks or refuses.
func negotiateOffer(desc *sdp.SessionDescription) (audio, video *mediaChoice) {
	for _, m := range desc.MediaDescriptions {
		switch m.MediaName.Media {
		case "audio":
			if audio == nil {
				audio = chooseCodec(m)
			}
		case "video":
			if video == nil {
				video = chooseCodec(m)
			}
		}
	}
	return audio, video
}

func recvonlyMedia(kind string, pt uint8, codec string) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: []string{strconv.Itoa(int(pt))},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s", pt, answerRTPMap(codec))),
			sdp.NewAttribute("recvonly", ""),
		},
	}
}

func answerRTPMap(codec string) string {
	switch codec {
	case mjr.CodecOpus:
		return "opus/48000/2"
	case mjr.CodecPCMU:
		return "PCMU/8000"
	case mjr.CodecPCMA:
		return "PCMA/8000"
	case mjr.CodecG722:
		return "G722/8000"
	case mjr.CodecVP8:
		return "VP8/90000"
	case mjr.CodecVP9:
		return "VP9/90000"
	case mjr.CodecH264:
		return "H264/90000"
	}
	return ""
}

// buildAnswer builds the recvonly SDP answer a capture session returns
// to its sender.
func buildAnswer(id uint64, sessID, version int64, audio, video *mediaChoice) (string, error) {
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(sessID),
			SessionVersion: uint64(version),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "1.1.1.1",
		},
		SessionName: sdp.SessionName(fmt.Sprintf("Capture %d", id)),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "1.1.1.1"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}
	if audio != nil {
		desc.MediaDescriptions = append(desc.MediaDescriptions, recvonlyMedia("audio", audio.pt, audio.codec))
	}
	if video != nil {
		desc.MediaDescriptions = append(desc.MediaDescriptions, recvonlyMedia("video", video.pt, video.codec))
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("engine: marshal answer: %w", err)
	}
	return string(out), nil
}

// rewriteOrigin re-stamps a cached offer's o= line for a renegotiation
// or ICE restart.
func rewriteOrigin(offer string, sessID, version int64) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(offer); err != nil {
		return "", fmt.Errorf("engine: parse cached offer: %w", err)
	}
	desc.Origin.SessionID = uint64(sessID)
	desc.Origin.SessionVersion = uint64(version)
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("engine: marshal restarted offer: %w", err)
	}
	return string(out), nil
}
