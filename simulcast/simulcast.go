// Package simulcast filters a simulcast video stream down to a single
// continuous substream. The selector picks packets belonging to the
// targeted spatial and temporal layer, rewrites sequence numbers and
// timestamps across substream switches so the output looks like one
// stream, and patches the VP8 payload descriptor where the codec
// requires it.
package simulcast

import (
	"encoding/binary"
	"time"

	"github.com/pion/rtp"

	"github.com/zsiec/recast/mjr"
)

// Layers is the number of simulcast substreams a sender may offer.
const Layers = 3

// Selector tracks the simulcast state of one video sender. Layer index
// 0 is the lowest quality, Layers-1 the highest; targets default to the
// highest layer.
type Selector struct {
	ssrcs [Layers]uint32
	rids  [Layers]string
	ridID uint8 // rid header extension id, 0 if ssrc-based

	substream       int
	substreamTarget int
	templayer       int
	templayerTarget int
	lastSwitch      time.Time

	needPLI bool
	vp8     VP8Context
	sw      SwitchingContext
}

// NewSelector returns a selector aiming for the highest substream and
// all temporal layers.
func NewSelector() *Selector {
	return &Selector{
		substream:       -1,
		substreamTarget: Layers - 1,
		templayer:       Layers - 1,
		templayerTarget: Layers - 1,
	}
}

// SetSSRCs registers the per-layer SSRCs announced by the sender.
func (s *Selector) SetSSRCs(ssrcs [Layers]uint32) { s.ssrcs = ssrcs }

// SetRIDs registers rid-based simulcast: the per-layer rids and the
// negotiated rid header extension id. SSRCs are learned from traffic.
func (s *Selector) SetRIDs(rids [Layers]string, extID uint8) {
	s.rids = rids
	s.ridID = extID
}

// Active reports whether simulcast was negotiated at all.
func (s *Selector) Active() bool { return s.ssrcs[0] != 0 || s.rids[0] != "" }

// SetTargets changes the desired substream and temporal layer. Values
// are clamped to the valid range.
func (s *Selector) SetTargets(substream, templayer int) {
	s.substreamTarget = clampLayer(substream)
	s.templayerTarget = clampLayer(templayer)
}

// Targets returns the current substream and temporal-layer targets.
func (s *Selector) Targets() (int, int) { return s.substreamTarget, s.templayerTarget }

// Substream returns the currently selected substream, -1 before any
// packet was accepted.
func (s *Selector) Substream() int { return s.substream }

// TakePLI reports whether a pending layer switch needs a fresh keyframe
// and clears the flag; the caller is expected to send the PLI.
func (s *Selector) TakePLI() bool {
	p := s.needPLI
	s.needPLI = false
	return p
}

// Reset clears all runtime state but keeps the negotiated layers.
func (s *Selector) Reset() {
	s.substream = -1
	s.substreamTarget = Layers - 1
	s.templayer = Layers - 1
	s.templayerTarget = Layers - 1
	s.lastSwitch = time.Time{}
	s.needPLI = false
	s.vp8 = VP8Context{}
	s.sw = SwitchingContext{}
}

func clampLayer(n int) int {
	if n < 0 {
		return 0
	}
	if n >= Layers {
		return Layers - 1
	}
	return n
}

// Process decides whether one video packet belongs to the selected
// layers and, if kept, rewrites buf in place (seq/ts continuity and the
// VP8 descriptor). Returns false when the packet must be dropped.
func (s *Selector) Process(buf []byte, codec string) bool {
	var h rtp.Header
	n, err := h.Unmarshal(buf)
	if err != nil {
		return false
	}
	payload := buf[n:]

	layer := s.layerOf(&h)
	if layer < 0 {
		return false
	}

	switched := false
	if s.substream < 0 {
		// Nothing selected yet: start on the first layer at or below
		// the target rather than waiting for the target to appear.
		if layer <= s.substreamTarget {
			s.substream = layer
			s.lastSwitch = time.Now()
			if layer < s.substreamTarget {
				s.needPLI = true
			}
		}
	} else if s.substreamTarget != s.substream && layer == s.substreamTarget {
		if isKeyframe(codec, payload) {
			s.substream = layer
			s.lastSwitch = time.Now()
			s.needPLI = false
			switched = true
		} else {
			s.needPLI = true
		}
	}
	if layer != s.substream {
		return false
	}

	if codec == mjr.CodecVP8 {
		tid, ok := vp8TemporalID(payload)
		if ok && int(tid) > s.templayerTarget {
			return false
		}
	}

	outSeq, outTS := s.sw.Update(h.SSRC, h.SequenceNumber, h.Timestamp)
	binary.BigEndian.PutUint16(buf[2:4], outSeq)
	binary.BigEndian.PutUint32(buf[4:8], outTS)

	if codec == mjr.CodecVP8 {
		s.vp8.UpdateDescriptor(payload, switched)
	}
	return true
}

// layerOf maps a packet to its simulcast layer, learning SSRCs from rid
// extensions when simulcast is rid-based. Returns -1 for unknown
// sources.
func (s *Selector) layerOf(h *rtp.Header) int {
	for i, ssrc := range s.ssrcs {
		if ssrc != 0 && ssrc == h.SSRC {
			return i
		}
	}
	if s.ridID != 0 {
		if ext := h.GetExtension(s.ridID); ext != nil {
			rid := string(ext)
			for i, r := range s.rids {
				if r != "" && r == rid {
					s.ssrcs[i] = h.SSRC
					return i
				}
			}
		}
	}
	return -1
}
