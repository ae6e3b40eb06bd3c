package simulcast

import (
	"encoding/binary"
	"testing"

	"github.com/pion/rtp"

	"github.com/zsiec/recast/mjr"
)

// vp8Payload builds a VP8 RTP payload with a 15-bit picture id,
// TL0PICIDX and TID fields present.
func vp8Payload(picID uint16, tlzi, tid uint8, key bool) []byte {
	frame := byte(0x01) // inter frame
	if key {
		frame = 0x00
	}
	return []byte{
		0x90,                       // X=1, S=1, PID=0
		0xE0,                       // I=1, L=1, T=1
		0x80 | byte(picID>>8)&0x7F, // M=1
		byte(picID),
		tlzi,
		tid << 6,
		frame, 0xAA, 0xBB,
	}
}

func videoPacket(t *testing.T, ssrc uint32, seq uint16, ts uint32, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    100,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return buf
}

func TestSelectorFiltersSubstreams(t *testing.T) {
	t.Parallel()
	s := NewSelector()
	s.SetSSRCs([Layers]uint32{100, 200, 300})
	if !s.Active() {
		t.Fatal("selector with SSRCs not active")
	}

	// Highest layer arrives first: selected immediately.
	if !s.Process(videoPacket(t, 300, 1, 3000, vp8Payload(10, 1, 0, true)), mjr.CodecVP8) {
		t.Fatal("target substream dropped")
	}
	if s.Substream() != 2 {
		t.Fatalf("substream = %d, want 2", s.Substream())
	}
	// Other layers are dropped.
	if s.Process(videoPacket(t, 100, 1, 3000, vp8Payload(10, 1, 0, true)), mjr.CodecVP8) {
		t.Error("low substream not dropped")
	}
	if s.Process(videoPacket(t, 200, 1, 3000, vp8Payload(10, 1, 0, true)), mjr.CodecVP8) {
		t.Error("mid substream not dropped")
	}
	// Unknown SSRC is dropped.
	if s.Process(videoPacket(t, 999, 1, 3000, vp8Payload(10, 1, 0, true)), mjr.CodecVP8) {
		t.Error("unknown ssrc not dropped")
	}
}

func TestSelectorKeyframeGatedUpswitch(t *testing.T) {
	t.Parallel()
	s := NewSelector()
	s.SetSSRCs([Layers]uint32{100, 200, 300})

	// Only the low layer is flowing: selected, but a PLI is requested
	// because the target is higher.
	if !s.Process(videoPacket(t, 100, 1, 3000, vp8Payload(1, 1, 0, true)), mjr.CodecVP8) {
		t.Fatal("available substream dropped")
	}
	if s.Substream() != 0 {
		t.Fatalf("substream = %d, want 0", s.Substream())
	}
	if !s.TakePLI() {
		t.Error("no PLI requested for pending upswitch")
	}
	if s.TakePLI() {
		t.Error("TakePLI did not clear the flag")
	}

	// Target layer arrives mid-stream: dropped until a keyframe shows up.
	if s.Process(videoPacket(t, 300, 50, 6000, vp8Payload(40, 9, 0, false)), mjr.CodecVP8) {
		t.Error("switched substream on a non-keyframe")
	}
	if !s.TakePLI() {
		t.Error("no PLI requested after blocked switch")
	}
	if !s.Process(videoPacket(t, 300, 51, 9000, vp8Payload(41, 10, 0, true)), mjr.CodecVP8) {
		t.Fatal("keyframe on target substream dropped")
	}
	if s.Substream() != 2 {
		t.Fatalf("substream = %d, want 2 after keyframe", s.Substream())
	}
}

func TestSelectorOutputContinuity(t *testing.T) {
	t.Parallel()
	s := NewSelector()
	s.SetSSRCs([Layers]uint32{100, 200, 300})
	s.SetTargets(0, 2)

	var lastSeq uint16
	var lastTS uint32
	for i := 0; i < 3; i++ {
		buf := videoPacket(t, 100, uint16(1000+i), uint32(3000*(i+1)), vp8Payload(uint16(i), 1, 0, i == 0))
		if !s.Process(buf, mjr.CodecVP8) {
			t.Fatalf("packet %d dropped", i)
		}
		lastSeq = binary.BigEndian.Uint16(buf[2:4])
		lastTS = binary.BigEndian.Uint32(buf[4:8])
	}

	// Switch to the high layer: rewritten seq/ts continue from the
	// previous substream instead of jumping to the new source's values.
	s.SetTargets(2, 2)
	buf := videoPacket(t, 300, 9000, 500000, vp8Payload(70, 20, 0, true))
	if !s.Process(buf, mjr.CodecVP8) {
		t.Fatal("keyframe after retarget dropped")
	}
	gotSeq := binary.BigEndian.Uint16(buf[2:4])
	gotTS := binary.BigEndian.Uint32(buf[4:8])
	if gotSeq != lastSeq+1 {
		t.Errorf("seq after switch = %d, want %d", gotSeq, lastSeq+1)
	}
	if gotTS <= lastTS || gotTS-lastTS > 90000 {
		t.Errorf("ts after switch = %d, previous %d: not a plausible continuation", gotTS, lastTS)
	}
}

func TestSelectorRIDMatching(t *testing.T) {
	t.Parallel()
	const extID = 5
	s := NewSelector()
	s.SetRIDs([Layers]string{"q", "h", "f"}, extID)
	if !s.Active() {
		t.Fatal("rid selector not active")
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    100,
			SequenceNumber: 1,
			Timestamp:      3000,
			SSRC:           777,
		},
		Payload: vp8Payload(1, 1, 0, true),
	}
	if err := pkt.Header.SetExtension(extID, []byte("f")); err != nil {
		t.Fatalf("SetExtension: %v", err)
	}
	buf, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !s.Process(buf, mjr.CodecVP8) {
		t.Fatal("rid-matched packet dropped")
	}
	if s.Substream() != 2 {
		t.Fatalf("substream = %d, want 2", s.Substream())
	}

	// The SSRC was learned: the same source now matches without a rid.
	plain := videoPacket(t, 777, 2, 6000, vp8Payload(2, 1, 0, false))
	if !s.Process(plain, mjr.CodecVP8) {
		t.Error("learned ssrc not matched")
	}
}

func TestSelectorTemporalLayerFiltering(t *testing.T) {
	t.Parallel()
	s := NewSelector()
	s.SetSSRCs([Layers]uint32{100, 0, 0})
	s.SetTargets(0, 0)

	if !s.Process(videoPacket(t, 100, 1, 3000, vp8Payload(1, 1, 0, true)), mjr.CodecVP8) {
		t.Fatal("base temporal layer dropped")
	}
	if s.Process(videoPacket(t, 100, 2, 6000, vp8Payload(2, 1, 2, false)), mjr.CodecVP8) {
		t.Error("higher temporal layer not dropped")
	}
	if !s.Process(videoPacket(t, 100, 3, 9000, vp8Payload(3, 2, 0, false)), mjr.CodecVP8) {
		t.Error("base temporal layer dropped after filtering")
	}
}

func TestVP8DescriptorRewrite(t *testing.T) {
	t.Parallel()
	var ctx VP8Context

	// Establish a running picture id on the first substream.
	p1 := vp8Payload(100, 7, 0, true)
	ctx.UpdateDescriptor(p1, false)
	d1, ok := parseVP8Descriptor(p1)
	if !ok {
		t.Fatal("rewritten descriptor does not parse")
	}

	p2 := vp8Payload(101, 8, 0, false)
	ctx.UpdateDescriptor(p2, false)
	d2, _ := parseVP8Descriptor(p2)
	if d2.picID != d1.picID+1 {
		t.Errorf("picture id step = %d -> %d, want +1", d1.picID, d2.picID)
	}

	// New substream with wildly different counters: output continues.
	p3 := vp8Payload(9000, 200, 0, true)
	ctx.UpdateDescriptor(p3, true)
	d3, _ := parseVP8Descriptor(p3)
	if d3.picID != d2.picID+1 {
		t.Errorf("picture id after switch = %d, want %d", d3.picID, d2.picID+1)
	}
	if d3.tlzi != d2.tlzi+1 {
		t.Errorf("tl0picidx after switch = %d, want %d", d3.tlzi, d2.tlzi+1)
	}
}

func TestKeyframeDetection(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		codec   string
		payload []byte
		want    bool
	}{
		{"vp8 keyframe", mjr.CodecVP8, vp8Payload(1, 1, 0, true), true},
		{"vp8 interframe", mjr.CodecVP8, vp8Payload(1, 1, 0, false), false},
		{"h264 idr", mjr.CodecH264, []byte{0x65, 0x88, 0x84}, true},
		{"h264 sps", mjr.CodecH264, []byte{0x67, 0x42, 0xE0}, true},
		{"h264 slice", mjr.CodecH264, []byte{0x61, 0x00, 0x00}, false},
		{"h264 stap-a with sps", mjr.CodecH264, []byte{0x78, 0x00, 0x02, 0x67, 0x42, 0x00, 0x02, 0x65, 0x88}, true},
		{"h264 fu-a idr start", mjr.CodecH264, []byte{0x7C, 0x85, 0x00}, true},
		{"h264 fu-a idr continuation", mjr.CodecH264, []byte{0x7C, 0x05, 0x00}, false},
		{"vp9 keyframe start", mjr.CodecVP9, []byte{0x08, 0x00}, true},
		{"vp9 inter", mjr.CodecVP9, []byte{0x48, 0x00}, false},
		{"unknown codec", mjr.CodecOpus, []byte{0x00}, false},
		{"empty payload", mjr.CodecVP8, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isKeyframe(tc.codec, tc.payload); got != tc.want {
				t.Errorf("isKeyframe(%s) = %v, want %v", tc.codec, got, tc.want)
			}
		})
	}
}

func TestSelectorReset(t *testing.T) {
	t.Parallel()
	s := NewSelector()
	s.SetSSRCs([Layers]uint32{100, 200, 300})
	s.SetTargets(1, 1)
	if !s.Process(videoPacket(t, 200, 1, 3000, vp8Payload(1, 1, 0, true)), mjr.CodecVP8) {
		t.Fatal("mid substream dropped")
	}
	s.Reset()
	if s.Substream() != -1 {
		t.Errorf("substream after reset = %d, want -1", s.Substream())
	}
	if sub, tmp := s.Targets(); sub != Layers-1 || tmp != Layers-1 {
		t.Errorf("targets after reset = %d/%d, want highest", sub, tmp)
	}
}
