package catalog

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/zsiec/recast/mjr"
)

// rtpmapValue maps a codec name to its rtpmap encoding parameters.
func rtpmapValue(codec string) string {
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

func sendonlyMedia(kind string, pt uint8, codec string) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: []string{strconv.Itoa(int(pt))},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s", pt, rtpmapValue(codec))),
			sdp.NewAttribute("sendonly", ""),
		},
	}
}

// GenerateOffer builds the sendonly SDP a replay session offers its
// viewer: one m-line per medium the entry carries, no data channel.
func GenerateOffer(e *Entry) (string, error) {
	if !e.HasAudio() && !e.HasVideo() {
		return "", fmt.Errorf("catalog: capture %d has no playable media", e.ID)
	}
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "1.1.1.1",
		},
		SessionName: sdp.SessionName(fmt.Sprintf("Capture %d", e.ID)),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "1.1.1.1"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}
	if e.HasAudio() {
		desc.MediaDescriptions = append(desc.MediaDescriptions, sendonlyMedia("audio", e.AudioPT, e.AudioCodec))
	}
	if e.HasVideo() {
		desc.MediaDescriptions = append(desc.MediaDescriptions, sendonlyMedia("video", e.VideoPT, e.VideoCodec))
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("catalog: marshal offer for capture %d: %w", e.ID, err)
	}
	return string(out), nil
}
