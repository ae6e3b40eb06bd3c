package mjr

import (
	"encoding/binary"
	"os"
	"testing"
)

type seqTS struct {
	seq uint16
	ts  uint32
}

func buildCapture(t *testing.T, dir, name string, packets []seqTS) {
	t.Helper()
	w, err := NewWriter(dir, CodecOpus, name)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, p := range packets {
		if err := w.SaveFrame(rtpPacket(t, p.seq, p.ts, []byte("payload"))); err != nil {
			t.Fatalf("SaveFrame: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func collect(list *FramePacket) []seqTS {
	var out []seqTS
	for p := list; p != nil; p = p.Next {
		out = append(out, seqTS{p.Seq, uint32(p.TS)})
	}
	return out
}

func TestBuildIndexOrdersOutOfOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	buildCapture(t, dir, "shuffled", []seqTS{
		{1, 100}, {3, 300}, {2, 200}, {4, 400},
	})

	list, err := BuildIndex(dir, "shuffled")
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	got := collect(list)
	want := []seqTS{{1, 100}, {2, 200}, {3, 300}, {4, 400}}
	if len(got) != len(want) {
		t.Fatalf("got %d packets, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %+v, want %+v", i, got[i], want[i])
		}
	}

	// The list is doubly linked both ways.
	tail := list
	for tail.Next != nil {
		tail = tail.Next
	}
	n := 0
	for p := tail; p != nil; p = p.Prev {
		n++
	}
	if n != len(want) {
		t.Errorf("backward walk visited %d nodes, want %d", n, len(want))
	}
}

func TestBuildIndexTimestampWrap(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	buildCapture(t, dir, "wrapped", []seqTS{
		{10, 4294000000},
		{11, 4294500000},
		{12, 5000}, // timestamp wrapped
		{13, 100000},
	})

	list, err := BuildIndex(dir, "wrapped")
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	var seqs []uint16
	var prevTS uint64
	for p := list; p != nil; p = p.Next {
		if p.TS < prevTS {
			t.Errorf("extended timestamp went backward: %d after %d", p.TS, prevTS)
		}
		prevTS = p.TS
		seqs = append(seqs, p.Seq)
	}
	want := []uint16{10, 11, 12, 13}
	if len(seqs) != len(want) {
		t.Fatalf("got %d packets, want %d", len(seqs), len(want))
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("order %v, want %v", seqs, want)
		}
	}
	// Post-wrap packets carry timestamps extended past 2^32.
	for p := list; p != nil; p = p.Next {
		if p.Seq >= 12 && p.TS < 1<<32 {
			t.Errorf("seq %d not extended: ts=%d", p.Seq, p.TS)
		}
	}
}

func TestBuildIndexSeqWrapSameTimestamp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Same timestamp, sequence numbers spanning a 16-bit wrap, written
	// shuffled: the numerically smaller post-wrap numbers come last.
	buildCapture(t, dir, "seqwrap", []seqTS{
		{2, 1000}, {65530, 1000}, {5, 1000}, {65534, 1000},
	})

	list, err := BuildIndex(dir, "seqwrap")
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	var seqs []uint16
	for p := list; p != nil; p = p.Next {
		seqs = append(seqs, p.Seq)
	}
	want := []uint16{65530, 65534, 2, 5}
	if len(seqs) != len(want) {
		t.Fatalf("got %d packets, want %d", len(seqs), len(want))
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("order %v, want %v", seqs, want)
		}
	}
}

func TestBuildIndexOffsetsLocatePackets(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	buildCapture(t, dir, "locate", []seqTS{
		{40, 8000}, {41, 8960}, {42, 9920},
	})

	list, err := BuildIndex(dir, "locate")
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	f, err := os.Open(ResolvePath(dir, "locate"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	for p := list; p != nil; p = p.Next {
		buf := make([]byte, p.Len)
		if _, err := f.ReadAt(buf, p.Offset); err != nil {
			t.Fatalf("ReadAt offset %d: %v", p.Offset, err)
		}
		if seq := binary.BigEndian.Uint16(buf[2:4]); seq != p.Seq {
			t.Errorf("offset %d holds seq %d, index says %d", p.Offset, seq, p.Seq)
		}
	}
}

func TestBuildIndexMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := BuildIndex(t.TempDir(), "nope"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBuildIndexEmptyFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "empty.mjr")
	list, err := BuildIndex(dir, "empty")
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	if list != nil {
		t.Errorf("expected nil list for empty file, got %d packets", list.Count())
	}
}
