package mjr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends RTP packets to a capture file. The info header is
// emitted lazily on the first frame so that a capture that never receives
// media leaves no record behind its empty file. Writers for audio and
// video are independent; a session uses one per medium.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	name    string
	codec   string
	video   bool
	created time.Time
	header  bool
	closed  bool
}

// NewWriter creates a capture file <name>.mjr inside dir. The codec name
// decides the medium recorded in the info header.
func NewWriter(dir, codec, name string) (*Writer, error) {
	if !KnownCodec(codec) {
		return nil, fmt.Errorf("mjr: unsupported codec %q", codec)
	}
	path := filepath.Join(dir, name+".mjr")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("mjr: create %s: %w", path, err)
	}
	return &Writer{
		file:    f,
		path:    path,
		name:    name,
		codec:   codec,
		video:   VideoCodec(codec),
		created: time.Now(),
	}, nil
}

// Name returns the logical capture name (no directory, no extension).
func (w *Writer) Name() string { return w.name }

// Path returns the absolute path of the capture file.
func (w *Writer) Path() string { return w.path }

// SaveFrame appends one RTP packet (header plus payload) to the file,
// writing the info header first if this is the first frame.
func (w *Writer) SaveFrame(buf []byte) error {
	if len(buf) == 0 {
		return fmt.Errorf("mjr: empty frame")
	}
	if len(buf) > math.MaxUint16 {
		return fmt.Errorf("mjr: frame of %d bytes exceeds record limit", len(buf))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	if !w.header {
		info := Info{
			Codec:   w.codec,
			Created: w.created.UnixMicro(),
			Written: time.Now().UnixMicro(),
		}
		if w.video {
			info.Type = "v"
		} else {
			info.Type = "a"
		}
		hdr, err := json.Marshal(&info)
		if err != nil {
			return fmt.Errorf("mjr: marshal info header: %w", err)
		}
		if err := w.writeRecord(tagInfo, hdr); err != nil {
			return err
		}
		w.header = true
	}

	return w.writeRecord(tagFrame, buf)
}

func (w *Writer) writeRecord(tag string, payload []byte) error {
	var hdr [tagLen + 2]byte
	copy(hdr[:tagLen], tag)
	binary.BigEndian.PutUint16(hdr[tagLen:], uint16(len(payload)))
	if _, err := w.file.Write(hdr[:]); err != nil {
		return fmt.Errorf("mjr: write record header: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return fmt.Errorf("mjr: write record payload: %w", err)
	}
	return nil
}

// Empty reports whether no frame has been written yet. Sessions use this
// to discard capture files that never saw media.
func (w *Writer) Empty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.header
}

// Close flushes and closes the file. Closing twice returns ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("mjr: close %s: %w", w.path, err)
	}
	return nil
}
