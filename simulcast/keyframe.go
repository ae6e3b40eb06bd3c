package simulcast

import "github.com/zsiec/recast/mjr"

// H.264 NAL unit types relevant to keyframe detection in RTP payloads.
const (
	nalIDR   = 5
	nalSPS   = 7
	nalStapA = 24
	nalFuA   = 28
)

// isKeyframe reports whether an RTP payload starts a keyframe for the
// given codec. Unknown codecs are never keyframes, which keeps layer
// upswitches gated until a codec we can inspect arrives.
func isKeyframe(codec string, payload []byte) bool {
	switch codec {
	case mjr.CodecVP8:
		return vp8Keyframe(payload)
	case mjr.CodecVP9:
		return vp9Keyframe(payload)
	case mjr.CodecH264:
		return h264Keyframe(payload)
	}
	return false
}

func h264Keyframe(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	switch nalType := payload[0] & 0x1F; nalType {
	case nalIDR, nalSPS:
		return true
	case nalStapA:
		// Aggregated units: 2-byte size prefix before each NALU.
		off := 1
		for off+2 < len(payload) {
			size := int(payload[off])<<8 | int(payload[off+1])
			off += 2
			if size == 0 || off >= len(payload) {
				break
			}
			switch payload[off] & 0x1F {
			case nalIDR, nalSPS:
				return true
			}
			off += size
		}
	case nalFuA:
		// Only the fragment carrying the start bit tells the type.
		if payload[1]&0x80 != 0 {
			t := payload[1] & 0x1F
			return t == nalIDR || t == nalSPS
		}
	}
	return false
}

// vp9Keyframe inspects the VP9 payload descriptor: a packet starting a
// frame with the P (inter-picture predicted) bit cleared.
func vp9Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	b0 := payload[0]
	beginning := b0&0x08 != 0 // B bit
	inter := b0&0x40 != 0     // P bit
	return beginning && !inter
}
