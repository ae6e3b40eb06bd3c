package mjr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Reset threshold: a timestamp dropping by more than this against its
// predecessor is a wrap/reset, not reordering.
const resetThreshold = 2 * 1000 * 1000 * 1000

// Sequence numbers at the same timestamp whose distance exceeds this are
// on opposite sides of a 16-bit wrap.
const seqWrapThreshold = 10000

// FramePacket is one node of the ordered replay index. TS is the
// wrap-extended 64-bit timestamp; Offset/Len locate the RTP packet in
// the capture file.
type FramePacket struct {
	Seq    uint16
	TS     uint64
	Len    uint16
	Offset int64
	Next   *FramePacket
	Prev   *FramePacket
}

// Count walks the list and returns the number of packets from p onward.
func (p *FramePacket) Count() int {
	n := 0
	for ; p != nil; p = p.Next {
		n++
	}
	return n
}

type indexRec struct {
	seq    uint16
	ts     uint32
	length uint16
	offset int64
}

// BuildIndex pre-parses a capture file into a timestamp-ordered doubly
// linked packet list. Two passes: the first discovers timestamp
// wraps/resets, the second extends each 32-bit timestamp to 64 bits and
// inserts in order, walking backward from the tail since captures are
// near-sorted. The filename may omit the .mjr extension.
func BuildIndex(dir, filename string) (*FramePacket, error) {
	path := ResolvePath(dir, filename)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mjr: open %s: %w", path, err)
	}
	defer f.Close()

	r, err := NewReader(f)
	if err != nil {
		return nil, err
	}

	var recs []indexRec
	for {
		rec, err := r.NextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, indexRec{
			seq:    binary.BigEndian.Uint16(rec.Head[2:4]),
			ts:     binary.BigEndian.Uint32(rec.Head[4:8]),
			length: rec.Len,
			offset: rec.Offset,
		})
	}

	firstTS, reset := discoverReset(recs)
	return orderPackets(recs, firstTS, reset), nil
}

// discoverReset is the first pass: it finds the latest timestamp reset
// and an anchor used to classify packets as pre- or post-reset. The
// anchor sits one million ticks below the first timestamp so small
// reordering around the start does not flip the classification.
func discoverReset(recs []indexRec) (firstTS, reset uint32) {
	var lastTS uint32
	seen := false
	for _, rec := range recs {
		if !seen {
			seen = true
			firstTS = rec.ts
			if firstTS > 1000*1000 {
				firstTS -= 1000 * 1000
			}
		} else {
			if rec.ts < lastTS {
				if lastTS-rec.ts > resetThreshold {
					reset = rec.ts
				}
			} else if rec.ts < reset {
				reset = rec.ts
			}
		}
		lastTS = rec.ts
	}
	return firstTS, reset
}

// orderPackets is the second pass: extend timestamps past the wrap and
// insert each packet into the doubly linked list.
func orderPackets(recs []indexRec, firstTS, reset uint32) *FramePacket {
	var list, last *FramePacket
	for _, rec := range recs {
		p := &FramePacket{
			Seq:    rec.seq,
			Len:    rec.length,
			Offset: rec.offset,
		}
		if reset == 0 || rec.ts > firstTS {
			p.TS = uint64(rec.ts)
		} else {
			p.TS = uint64(rec.ts) + (1 << 32)
		}

		if list == nil {
			list = p
			last = p
			continue
		}
		added := false
		for tmp := last; tmp != nil; tmp = tmp.Prev {
			if tmp.TS < p.TS || (tmp.TS == p.TS && seqBefore(tmp.Seq, p.Seq)) {
				// p goes right after tmp.
				added = true
				if tmp.Next != nil {
					tmp.Next.Prev = p
					p.Next = tmp.Next
				} else {
					last = p
				}
				tmp.Next = p
				p.Prev = tmp
				break
			}
		}
		if !added {
			p.Next = list
			list.Prev = p
			list = p
		}
	}
	return list
}

// seqBefore reports whether a precedes b in wrap-aware sequence order:
// within a small distance the smaller number is earlier, while a large
// distance means b wrapped past a.
func seqBefore(a, b uint16) bool {
	diff := int(a) - int(b)
	if diff < 0 {
		diff = -diff
	}
	if a < b {
		return diff < seqWrapThreshold
	}
	if a > b {
		return diff > seqWrapThreshold
	}
	return false
}
