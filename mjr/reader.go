package mjr

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Record locates one RTP packet inside a capture file. Head carries the
// leading bytes of the packet (enough for the RTP fixed header) so that
// indexing can run without pulling payloads into memory; the full packet
// is re-read from Offset/Len at replay time.
type Record struct {
	Offset int64
	Len    uint16
	Head   []byte
}

const rtpHeadLen = 16

// Reader walks the records of a capture file in file order. It parses the
// info header (either format generation) when it encounters it and skips
// non-RTP records; NextFrame returns only media records.
type Reader struct {
	r        io.ReadSeeker
	size     int64
	offset   int64
	info     *Info
	header   bool
	degraded bool
}

// NewReader wraps an open capture file.
func NewReader(r io.ReadSeeker) (*Reader, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("mjr: seek: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("mjr: seek: %w", err)
	}
	return &Reader{r: r, size: size}, nil
}

// Info returns the parsed info header, or nil if none has been seen yet.
// For old-format files the codec is assumed (opus for audio, VP8 for
// video) and Degraded reports true.
func (r *Reader) Info() *Info { return r.info }

// Degraded reports whether the file is an old-format capture whose codec
// was assumed rather than recorded.
func (r *Reader) Degraded() bool { return r.degraded }

// NextFrame returns the next media record, skipping info and other
// non-RTP records. It returns io.EOF once the file is exhausted; any
// malformed record aborts with a parse error.
func (r *Reader) NextFrame() (Record, error) {
	for {
		if r.offset >= r.size {
			return Record{}, io.EOF
		}
		if _, err := r.r.Seek(r.offset, io.SeekStart); err != nil {
			return Record{}, fmt.Errorf("mjr: seek: %w", err)
		}

		var hdr [tagLen + 2]byte
		if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
			return Record{}, &parseError{r.offset, "truncated record header"}
		}
		if hdr[0] != 'M' {
			return Record{}, &parseError{r.offset, fmt.Sprintf("invalid record tag 0x%02X", hdr[0])}
		}
		length := binary.BigEndian.Uint16(hdr[tagLen:])
		r.offset += tagLen + 2

		switch hdr[1] {
		case 'E':
			if length == 5 && !r.header {
				// Old-format file header: a 5-byte "audio"/"video" marker.
				if err := r.parseOldHeader(length); err != nil {
					return Record{}, err
				}
				continue
			}
			if length < minRTPLen {
				r.offset += int64(length)
				continue
			}
			rec, err := r.readFrame(length)
			if err != nil {
				return Record{}, err
			}
			return rec, nil
		case 'J':
			if !r.header && length > 0 {
				if err := r.parseInfoHeader(length); err != nil {
					return Record{}, err
				}
				continue
			}
			// A stray info record is not RTP, skip it.
			r.offset += int64(length)
		default:
			return Record{}, &parseError{r.offset - tagLen - 2, fmt.Sprintf("unknown record subtype %q", hdr[1])}
		}
	}
}

func (r *Reader) readFrame(length uint16) (Record, error) {
	rec := Record{Offset: r.offset, Len: length}
	head := rtpHeadLen
	if int(length) < head {
		head = int(length)
	}
	rec.Head = make([]byte, head)
	if _, err := io.ReadFull(r.r, rec.Head); err != nil {
		return Record{}, &parseError{r.offset, "truncated media record"}
	}
	if r.offset+int64(length) > r.size {
		return Record{}, &parseError{r.offset, "media record past end of file"}
	}
	r.offset += int64(length)
	return rec, nil
}

func (r *Reader) parseOldHeader(length uint16) error {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return &parseError{r.offset, "truncated file header"}
	}
	r.offset += int64(length)
	r.header = true
	r.degraded = true
	switch buf[0] {
	case 'a':
		r.info = &Info{Type: "a", Codec: CodecOpus}
	case 'v':
		r.info = &Info{Type: "v", Codec: CodecVP8}
	default:
		return &parseError{r.offset - int64(length), fmt.Sprintf("unsupported capture medium %q", buf[0])}
	}
	return nil
}

func (r *Reader) parseInfoHeader(length uint16) error {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return &parseError{r.offset, "truncated info header"}
	}
	r.offset += int64(length)
	var info Info
	if err := json.Unmarshal(buf, &info); err != nil {
		return fmt.Errorf("mjr: invalid info header: %w", err)
	}
	if info.Type != "a" && info.Type != "v" {
		return fmt.Errorf("mjr: invalid capture type %q in info header", info.Type)
	}
	if info.Codec == "" {
		return errors.New("mjr: missing codec in info header")
	}
	r.header = true
	r.info = &info
	return nil
}

// ResolvePath maps a logical capture name (with or without the .mjr
// extension) to its path inside dir.
func ResolvePath(dir, filename string) string {
	if strings.HasSuffix(filename, ".mjr") {
		return filepath.Join(dir, filename)
	}
	return filepath.Join(dir, filename+".mjr")
}

// Probe opens a capture file and returns its info header, reading just
// far enough to find it.
func Probe(dir, filename string) (*Info, error) {
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
	if _, err := r.NextFrame(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if r.Info() == nil {
		return nil, fmt.Errorf("mjr: no info header in %s", path)
	}
	return r.Info(), nil
}
