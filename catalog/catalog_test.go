package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"

	"github.com/zsiec/recast/mjr"
)

func writeCapture(t *testing.T, dir, name, codec string) {
	t.Helper()
	w, err := mjr.NewWriter(dir, codec, name)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 1, Timestamp: 1000, SSRC: 1},
		Payload: []byte("payload"),
	}
	buf, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal rtp: %v", err)
	}
	if err := w.SaveFrame(buf); err != nil {
		t.Fatalf("SaveFrame: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func writeNFO(t *testing.T, dir string, id string, lines ...string) {
	t.Helper()
	content := "[" + id + "]\r\n" + strings.Join(lines, "\r\n") + "\r\n"
	if err := os.WriteFile(filepath.Join(dir, id+".nfo"), []byte(content), 0644); err != nil {
		t.Fatalf("write nfo: %v", err)
	}
}

func TestScanImportsCompletedCaptures(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeCapture(t, dir, "rec-42-audio", mjr.CodecOpus)
	writeCapture(t, dir, "rec-42-video", mjr.CodecVP8)
	writeNFO(t, dir, "42",
		"name = Demo capture",
		"date = 2026-08-24 10:00:00",
		"audio = rec-42-audio.mjr",
		"video = rec-42-video.mjr",
	)

	c := New(dir, nil)
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	e := c.Get(42)
	if e == nil {
		t.Fatal("capture 42 not imported")
	}
	if !e.Completed() {
		t.Error("imported capture not completed")
	}
	if e.Name != "Demo capture" {
		t.Errorf("name = %q", e.Name)
	}
	if e.AudioFile != "rec-42-audio" || e.VideoFile != "rec-42-video" {
		t.Errorf("files = %q/%q, .mjr suffix not stripped?", e.AudioFile, e.VideoFile)
	}
	if e.AudioCodec != mjr.CodecOpus || e.VideoCodec != mjr.CodecVP8 {
		t.Errorf("codecs = %q/%q", e.AudioCodec, e.VideoCodec)
	}
	if e.AudioPT != AudioPT || e.VideoPT != VideoPT {
		t.Errorf("payload types = %d/%d", e.AudioPT, e.VideoPT)
	}
	if e.Offer == "" {
		t.Error("no offer generated")
	}
}

func TestScanSkipsInvalidDescriptors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeCapture(t, dir, "ok-audio", mjr.CodecOpus)

	writeNFO(t, dir, "7", "name = ok", "date = today", "audio = ok-audio.mjr")
	writeNFO(t, dir, "8", "date = no name", "audio = ok-audio.mjr")
	writeNFO(t, dir, "9", "name = no media", "date = today")
	writeNFO(t, dir, "10", "name = missing file", "date = today", "audio = nope.mjr")
	if err := os.WriteFile(filepath.Join(dir, "0.nfo"), []byte("[0]\r\nname = zero id\r\ndate = today\r\naudio = ok-audio.mjr\r\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c := New(dir, nil)
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := len(c.List()); got != 1 {
		t.Fatalf("listed %d captures, want 1", got)
	}
	if c.Get(7) == nil {
		t.Error("valid capture 7 missing")
	}
	for _, id := range []uint64{8, 9, 10} {
		if c.Get(id) != nil {
			t.Errorf("invalid capture %d imported", id)
		}
	}
}

func TestScanRemovesVanishedCaptures(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeCapture(t, dir, "gone-audio", mjr.CodecOpus)
	writeNFO(t, dir, "5", "name = goes away", "date = today", "audio = gone-audio.mjr")

	c := New(dir, nil)
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	e := c.Get(5)
	if e == nil {
		t.Fatal("capture 5 not imported")
	}

	if err := os.Remove(filepath.Join(dir, "5.nfo")); err != nil {
		t.Fatal(err)
	}
	if err := c.Scan(); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if c.Get(5) != nil {
		t.Error("vanished capture still in catalog")
	}
	if !e.Destroyed() {
		t.Error("removed entry not flagged destroyed")
	}
}

func TestScanKeepsInProgressCaptures(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	c := New(dir, nil)

	e := &Entry{ID: 99, Name: "live", Date: "today", AudioFile: "live-audio", AudioCodec: mjr.CodecOpus, AudioPT: AudioPT}
	if err := c.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// No .nfo exists yet, but an in-progress capture must survive scans.
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if c.Get(99) == nil {
		t.Fatal("in-progress capture removed by scan")
	}
	// And it must not be listed until completed.
	if got := len(c.List()); got != 0 {
		t.Errorf("listed %d captures, want 0", got)
	}
}

func TestAddDuplicateID(t *testing.T) {
	t.Parallel()
	c := New(t.TempDir(), nil)
	if err := c.Add(&Entry{ID: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add(&Entry{ID: 1}); err != ErrExists {
		t.Errorf("duplicate Add: got %v, want ErrExists", err)
	}
}

func TestCompleteWritesDescriptor(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	c := New(dir, nil)

	e := &Entry{
		ID: 33, Name: "finished", Date: "2026-08-24 11:30:00",
		AudioFile: "rec-33-audio", AudioCodec: mjr.CodecOpus, AudioPT: AudioPT,
		VideoFile: "rec-33-video", VideoCodec: mjr.CodecVP8, VideoPT: VideoPT,
	}
	if err := c.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Complete(e); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !e.Completed() {
		t.Error("entry not completed")
	}
	if e.Offer == "" {
		t.Error("no offer after completion")
	}

	data, err := os.ReadFile(filepath.Join(dir, "33.nfo"))
	if err != nil {
		t.Fatalf("read nfo: %v", err)
	}
	want := "[33]\r\n" +
		"name = finished\r\n" +
		"date = 2026-08-24 11:30:00\r\n" +
		"audio = rec-33-audio.mjr\r\n" +
		"video = rec-33-video.mjr\r\n"
	if string(data) != want {
		t.Errorf("descriptor mismatch:\ngot:\n%q\nwant:\n%q", data, want)
	}

	// A rescan keeps the freshly completed capture.
	writeCapture(t, dir, "rec-33-audio", mjr.CodecOpus)
	writeCapture(t, dir, "rec-33-video", mjr.CodecVP8)
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := c.Get(33); got != e {
		t.Error("scan replaced the live entry")
	}
}

func TestViewers(t *testing.T) {
	t.Parallel()
	e := &Entry{ID: 1}
	e.AddViewer("h1")
	e.AddViewer("h2")
	e.AddViewer("h1")
	if got := e.ViewerCount(); got != 2 {
		t.Errorf("ViewerCount = %d, want 2", got)
	}
	e.RemoveViewer("h1")
	e.RemoveViewer("nope")
	if got := e.Viewers(); len(got) != 1 || got[0] != "h2" {
		t.Errorf("Viewers = %v, want [h2]", got)
	}
}

func TestGenerateOffer(t *testing.T) {
	t.Parallel()
	e := &Entry{
		ID: 12, Name: "both", Date: "today",
		AudioFile: "a", AudioCodec: mjr.CodecPCMU, AudioPT: PayloadType(mjr.CodecPCMU),
		VideoFile: "v", VideoCodec: mjr.CodecVP8, VideoPT: VideoPT,
	}
	offer, err := GenerateOffer(e)
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}

	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(offer); err != nil {
		t.Fatalf("offer does not parse: %v", err)
	}
	if string(desc.SessionName) != "Capture 12" {
		t.Errorf("session name = %q", desc.SessionName)
	}
	if len(desc.MediaDescriptions) != 2 {
		t.Fatalf("expected 2 m-lines, got %d", len(desc.MediaDescriptions))
	}
	audio, video := desc.MediaDescriptions[0], desc.MediaDescriptions[1]
	if audio.MediaName.Media != "audio" || audio.MediaName.Formats[0] != "0" {
		t.Errorf("audio m-line = %v, want PCMU on pt 0", audio.MediaName)
	}
	if video.MediaName.Media != "video" || video.MediaName.Formats[0] != "100" {
		t.Errorf("video m-line = %v", video.MediaName)
	}
	for _, m := range desc.MediaDescriptions {
		found := false
		for _, a := range m.Attributes {
			if a.Key == "sendonly" {
				found = true
			}
		}
		if !found {
			t.Errorf("%s m-line not sendonly", m.MediaName.Media)
		}
	}

	if _, err := GenerateOffer(&Entry{ID: 13}); err == nil {
		t.Error("expected error for entry with no media")
	}
}
