package mjr

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/rtp"
)

func rtpPacket(t *testing.T, seq uint16, ts uint32, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           0x11223344,
		},
		Payload: payload,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal rtp: %v", err)
	}
	return buf
}

func TestWriterReaderRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := NewWriter(dir, CodecOpus, "cap-audio")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	frames := [][]byte{
		rtpPacket(t, 100, 960, []byte("one")),
		rtpPacket(t, 101, 1920, []byte("two")),
		rtpPacket(t, 102, 2880, []byte("three")),
	}
	for _, fr := range frames {
		if err := w.SaveFrame(fr); err != nil {
			t.Fatalf("SaveFrame: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	r, err := NewReader(f)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var got [][]byte
	for {
		rec, err := r.NextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextFrame: %v", err)
		}
		buf := make([]byte, rec.Len)
		if _, err := f.ReadAt(buf, rec.Offset); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		got = append(got, buf)
	}

	if len(got) != len(frames) {
		t.Fatalf("expected %d frames, got %d", len(frames), len(got))
	}
	for i := range frames {
		if string(got[i]) != string(frames[i]) {
			t.Errorf("frame %d mismatch", i)
		}
	}

	info := r.Info()
	if info == nil {
		t.Fatal("no info header parsed")
	}
	if info.Type != "a" || info.Video() {
		t.Errorf("expected audio info, got type %q", info.Type)
	}
	if info.Codec != CodecOpus {
		t.Errorf("expected codec opus, got %q", info.Codec)
	}
	if info.Created <= 0 || info.Written < info.Created {
		t.Errorf("implausible info times: s=%d u=%d", info.Created, info.Written)
	}
	if r.Degraded() {
		t.Error("new-format file reported degraded")
	}
}

func TestWriterUnknownCodec(t *testing.T) {
	t.Parallel()
	if _, err := NewWriter(t.TempDir(), "av1", "cap"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}

func TestWriterNoFramesNoHeader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w, err := NewWriter(dir, CodecVP8, "cap-video")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if !w.Empty() {
		t.Error("fresh writer not reported empty")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	fi, err := os.Stat(w.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != 0 {
		t.Errorf("media-less capture file has %d bytes, want 0", fi.Size())
	}
}

func TestWriterClosed(t *testing.T) {
	t.Parallel()
	w, err := NewWriter(t.TempDir(), CodecOpus, "cap")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close: got %v, want ErrClosed", err)
	}
	if err := w.SaveFrame(rtpPacket(t, 1, 1, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("SaveFrame after Close: got %v, want ErrClosed", err)
	}
}

// writeRecordBytes frames a payload the way capture files do.
func writeRecordBytes(tag string, payload []byte) []byte {
	buf := make([]byte, tagLen+2+len(payload))
	copy(buf, tag)
	binary.BigEndian.PutUint16(buf[tagLen:], uint16(len(payload)))
	copy(buf[tagLen+2:], payload)
	return buf
}

func writeFile(t *testing.T, dir, name string, chunks ...[]byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var all []byte
	for _, c := range chunks {
		all = append(all, c...)
	}
	if err := os.WriteFile(path, all, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestReaderOldFormat(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		kind  string
		codec string
		video bool
	}{
		{"audio", "audio", CodecOpus, false},
		{"video", "video", CodecVP8, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			frame := rtpPacket(t, 10, 3000, []byte("payload"))
			path := writeFile(t, dir, "old.mjr",
				writeRecordBytes(tagFrame, []byte(tc.kind)),
				writeRecordBytes(tagFrame, frame),
			)

			f, err := os.Open(path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer f.Close()
			r, err := NewReader(f)
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			if _, err := r.NextFrame(); err != nil {
				t.Fatalf("NextFrame: %v", err)
			}
			if !r.Degraded() {
				t.Error("old-format file not reported degraded")
			}
			info := r.Info()
			if info == nil || info.Codec != tc.codec || info.Video() != tc.video {
				t.Errorf("assumed info = %+v, want codec %s video %v", info, tc.codec, tc.video)
			}
		})
	}
}

func TestReaderSkipsShortRecords(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	frame := rtpPacket(t, 7, 100, []byte("x"))
	path := writeFile(t, dir, "gap.mjr",
		writeRecordBytes(tagInfo, []byte(`{"t":"a","c":"opus","s":1,"u":2}`)),
		writeRecordBytes(tagFrame, []byte{1, 2, 3, 4}), // too short for RTP
		writeRecordBytes(tagFrame, frame),
	)

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	r, err := NewReader(f)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	rec, err := r.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if int(rec.Len) != len(frame) {
		t.Errorf("got record of %d bytes, want %d", rec.Len, len(frame))
	}
	if _, err := r.NextFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after last frame, got %v", err)
	}
}

func TestReaderMalformed(t *testing.T) {
	t.Parallel()
	frame := rtpPacket(t, 1, 1, []byte("ok"))
	cases := []struct {
		name string
		data [][]byte
	}{
		{"bad lead byte", [][]byte{{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x00, 0x00}}},
		{"unknown subtype", [][]byte{{'M', 'X', 'T', 'A', 'G', 'T', 'A', 'G', 0x00, 0x00}}},
		{"truncated tag", [][]byte{[]byte("MEET")}},
		{"payload past eof", [][]byte{
			writeRecordBytes(tagInfo, []byte(`{"t":"a","c":"opus"}`)),
			writeRecordBytes(tagFrame, frame)[:15],
		}},
		{"info missing codec", [][]byte{writeRecordBytes(tagInfo, []byte(`{"t":"a"}`))}},
		{"info bad type", [][]byte{writeRecordBytes(tagInfo, []byte(`{"t":"x","c":"opus"}`))}},
		{"info invalid json", [][]byte{writeRecordBytes(tagInfo, []byte(`{"t":`))}},
		{"old header bad medium", [][]byte{writeRecordBytes(tagFrame, []byte("mixed"))}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := writeFile(t, dir, "bad.mjr", tc.data...)
			f, err := os.Open(path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer f.Close()
			r, err := NewReader(f)
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			for {
				_, err = r.NextFrame()
				if err != nil {
					break
				}
			}
			if errors.Is(err, io.EOF) {
				t.Error("expected a parse error, got clean EOF")
			}
		})
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := NewWriter(dir, CodecVP8, "clip-video")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.SaveFrame(rtpPacket(t, 1, 90000, []byte("k"))); err != nil {
		t.Fatalf("SaveFrame: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Works with and without the extension.
	for _, name := range []string{"clip-video", "clip-video.mjr"} {
		info, err := Probe(dir, name)
		if err != nil {
			t.Fatalf("Probe(%q): %v", name, err)
		}
		if info.Codec != CodecVP8 || !info.Video() {
			t.Errorf("Probe(%q) = %+v, want vp8 video", name, info)
		}
	}

	if _, err := Probe(dir, "missing"); err == nil {
		t.Error("expected error probing a missing file")
	}

	// A file with media but no info header cannot be probed.
	writeFile(t, dir, "headerless.mjr", writeRecordBytes(tagFrame, rtpPacket(t, 2, 100, []byte("x"))))
	if _, err := Probe(dir, "headerless"); err == nil {
		t.Error("expected error probing a header-less file")
	}
}
