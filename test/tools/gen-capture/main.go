// gen-capture writes a synthetic capture (MJR files plus .nfo
// descriptor) into a capture directory, so replay and catalog behavior
// can be exercised without a live WebRTC sender.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/pion/rtp"

	"github.com/zsiec/recast/catalog"
	"github.com/zsiec/recast/mjr"
)

const (
	audioTSStep = 960  // 20 ms of opus at 48 kHz
	videoTSStep = 3000 // one frame at 30 fps, 90 kHz clock
)

func main() {
	dir := flag.String("dir", "./captures", "capture directory")
	id := flag.Uint64("id", 0, "capture id (random when 0)")
	name := flag.String("name", "synthetic capture", "capture name")
	seconds := flag.Int("seconds", 10, "capture duration")
	audio := flag.Bool("audio", true, "generate an audio track")
	video := flag.Bool("video", true, "generate a video track")
	flag.Parse()

	if !*audio && !*video {
		fmt.Fprintln(os.Stderr, "nothing to generate: enable -audio and/or -video")
		os.Exit(1)
	}
	if err := os.MkdirAll(*dir, 0755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *id == 0 {
		*id = uint64(rand.Int63n(1 << 48))
	}

	entry := &catalog.Entry{
		ID:   *id,
		Name: *name,
		Date: time.Now().Format("2006-01-02 15:04:05"),
	}
	base := fmt.Sprintf("rec-%d", *id)

	if *audio {
		entry.AudioFile = base + "-audio"
		entry.AudioCodec = mjr.CodecOpus
		entry.AudioPT = catalog.PayloadType(mjr.CodecOpus)
		if err := writeTrack(*dir, entry.AudioFile, mjr.CodecOpus, *seconds); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *video {
		entry.VideoFile = base + "-video"
		entry.VideoCodec = mjr.CodecVP8
		entry.VideoPT = catalog.PayloadType(mjr.CodecVP8)
		if err := writeTrack(*dir, entry.VideoFile, mjr.CodecVP8, *seconds); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	cat := catalog.New(*dir, nil)
	if err := cat.Complete(entry); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("capture %d (%q) written to %s\n", entry.ID, entry.Name, *dir)
}

// writeTrack fills one MJR file with RTP packets at the medium's
// nominal cadence. Video gets a VP8-shaped payload with a keyframe once
// per second; audio gets fixed-size opus-sized payloads.
func writeTrack(dir, file, codec string, seconds int) error {
	w, err := mjr.NewWriter(dir, codec, file)
	if err != nil {
		return err
	}
	defer w.Close()

	videoTrack := mjr.VideoCodec(codec)
	ssrc := rand.Uint32()
	var (
		seq uint16 = uint16(rand.Intn(1 << 16))
		ts  uint32 = rand.Uint32()
	)
	packets := seconds * 50 // 20 ms cadence
	if videoTrack {
		packets = seconds * 30
	}
	for i := 0; i < packets; i++ {
		var payload []byte
		marker := false
		if videoTrack {
			payload = vp8Payload(uint16(i), i%30 == 0)
			marker = true
		} else {
			payload = make([]byte, 60)
			rand.Read(payload)
		}
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
				Marker:         marker,
			},
			Payload: payload,
		}
		buf, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if err := w.SaveFrame(buf); err != nil {
			return err
		}
		seq++
		if videoTrack {
			ts += videoTSStep
		} else {
			ts += audioTSStep
		}
	}
	return nil
}

// vp8Payload builds a minimal VP8 payload descriptor plus frame tag.
func vp8Payload(picID uint16, key bool) []byte {
	frame := byte(0x01)
	if key {
		frame = 0x00
	}
	return []byte{
		0x90, // X=1, S=1
		0x80, // I=1
		0x80 | byte(picID>>8)&0x7F,
		byte(picID),
		frame, 0x12, 0x34, 0x56,
	}
}
