// Package mjr reads and writes the framed on-disk container used for
// captured RTP streams. A file is a sequence of tagged records: an 8-byte
// tag, a 2-byte big-endian payload length, and the payload itself. The
// first record of a new-format file carries a JSON info header describing
// the medium and codec; every following record holds a raw RTP packet.
// Old-format files (a bare "MEETECHO" header naming audio or video) are
// accepted on read only.
package mjr

import (
	"errors"
	"fmt"
)

const (
	// tagInfo marks the file info record in the new format.
	tagInfo = "MJR00002"
	// tagFrame marks a media record, and doubles as the old-format
	// file header when followed by a 5-byte "audio"/"video" payload.
	tagFrame = "MEETECHO"

	tagLen = 8

	// Payloads shorter than a minimal RTP header are skipped as non-RTP.
	minRTPLen = 12
)

// Codecs a capture file may carry.
const (
	CodecOpus = "opus"
	CodecPCMA = "pcma"
	CodecPCMU = "pcmu"
	CodecG722 = "g722"
	CodecVP8  = "vp8"
	CodecVP9  = "vp9"
	CodecH264 = "h264"
)

// VideoCodec reports whether the codec name identifies a video codec.
func VideoCodec(codec string) bool {
	switch codec {
	case CodecVP8, CodecVP9, CodecH264:
		return true
	}
	return false
}

// KnownCodec reports whether the codec name is one this container handles.
func KnownCodec(codec string) bool {
	switch codec {
	case CodecOpus, CodecPCMA, CodecPCMU, CodecG722, CodecVP8, CodecVP9, CodecH264:
		return true
	}
	return false
}

// Info is the JSON info header written as the first record of a file.
// Times are microseconds since the Unix epoch.
type Info struct {
	Type    string `json:"t"` // "a" or "v"
	Codec   string `json:"c"`
	Created int64  `json:"s"` // file creation time
	Written int64  `json:"u"` // first frame write time
}

// Video reports whether the info header describes a video capture.
func (i *Info) Video() bool { return i.Type == "v" }

// ErrClosed is returned when writing to or closing an already-closed Writer.
var ErrClosed = errors.New("mjr: writer closed")

type parseError struct {
	offset int64
	msg    string
}

func (e *parseError) Error() string {
	return fmt.Sprintf("mjr: %s at offset %d", e.msg, e.offset)
}
