package engine

import (
	"os"
	"time"

	"github.com/zsiec/recast/metrics"
	"github.com/zsiec/recast/mjr"
)

// Pacing tolerance: a packet is sent once the wall clock is within this
// much of its nominal slot, absorbing scheduler jitter.
const paceSlack = 5 * time.Millisecond

// audioClockKHz returns the RTP clock rate for a replay payload type.
// The static G.711/G.722 assignments run an 8 kHz clock; everything
// else we replay is Opus at 48 kHz.
func audioClockKHz(pt uint8) uint64 {
	switch pt {
	case 0, 8, 9:
		return 8
	}
	return 48
}

const videoClockKHz = 90

// replay paces a captured file back out in real time. Timestamp deltas
// between consecutive indexed packets dictate the send schedule; the
// per-medium reference time advances by the nominal delta rather than
// resetting to the wall clock, so jitter does not accumulate into
// drift. Video packets sharing a timestamp belong to one frame and go
// out in the same slot.
func (e *Engine) replay(s *Session) {
	log := e.log.With("handle", s.handle)
	s.mu.Lock()
	rec := s.entry
	audio, video := s.aframes, s.vframes
	s.mu.Unlock()
	if rec == nil || (audio == nil && video == nil) {
		e.gw.ClosePC(s.handle)
		return
	}

	var afile, vfile *os.File
	var err error
	if audio != nil {
		afile, err = os.Open(mjr.ResolvePath(e.cfg.Dir, rec.AudioFile))
		if err != nil {
			log.Warn("could not open audio capture", "err", err)
			audio = nil
		} else {
			defer afile.Close()
		}
	}
	if video != nil {
		vfile, err = os.Open(mjr.ResolvePath(e.cfg.Dir, rec.VideoFile))
		if err != nil {
			log.Warn("could not open video capture", "err", err)
			video = nil
		} else {
			defer vfile.Close()
		}
	}
	if audio == nil && video == nil {
		rec.RemoveViewer(s.handle)
		e.gw.ClosePC(s.handle)
		return
	}

	akhz := audioClockKHz(rec.AudioPT)
	apt, vpt := rec.AudioPT, rec.VideoPT
	buf := make([]byte, 1500)
	log.Info("replay started", "id", rec.ID, "audio", audio != nil, "video", video != nil)

	start := time.Now()
	abefore, vbefore := start, start
	for {
		if s.destroyed.Load() || !s.active.Load() || rec.Destroyed() {
			break
		}
		if audio == nil && video == nil {
			break
		}
		asent, vsent := false, false
		now := time.Now()

		if audio != nil {
			if audio.Prev == nil {
				// First packet goes out immediately and anchors the clock.
				e.sendReplayFrame(s, afile, audio, apt, false, buf)
				audio = audio.Next
				asent = true
			} else {
				tsDiff := time.Duration((audio.TS-audio.Prev.TS)*1000/akhz) * time.Microsecond
				if now.Sub(abefore) >= tsDiff-paceSlack {
					abefore = abefore.Add(tsDiff)
					e.sendReplayFrame(s, afile, audio, apt, false, buf)
					audio = audio.Next
					asent = true
				}
			}
		}

		if video != nil {
			send := false
			if video.Prev == nil {
				send = true
			} else {
				tsDiff := time.Duration((video.TS-video.Prev.TS)*1000/videoClockKHz) * time.Microsecond
				if now.Sub(vbefore) >= tsDiff-paceSlack {
					vbefore = vbefore.Add(tsDiff)
					send = true
				}
			}
			if send {
				// A video frame may span several packets with one timestamp.
				ts := video.TS
				for video != nil && video.TS == ts {
					e.sendReplayFrame(s, vfile, video, vpt, true, buf)
					video = video.Next
				}
				vsent = true
			}
		}

		if !asent && !vsent {
			time.Sleep(paceSlack)
		}
	}

	log.Info("replay finished", "id", rec.ID, "elapsed", time.Since(start))
	rec.RemoveViewer(s.handle)
	e.gw.ClosePC(s.handle)
}

// sendReplayFrame reads one indexed packet from the capture file,
// stamps the negotiated payload type and relays it. Read failures skip
// the packet; the index may be ahead of a truncated file.
func (e *Engine) sendReplayFrame(s *Session, f *os.File, pkt *mjr.FramePacket, pt uint8, video bool, buf []byte) {
	if int(pkt.Len) > len(buf) {
		buf = make([]byte, pkt.Len)
	}
	b := buf[:pkt.Len]
	if _, err := f.ReadAt(b, pkt.Offset); err != nil {
		e.log.Warn("short read from capture file", "handle", s.handle, "err", err)
		return
	}
	if len(b) < minRTPLen {
		return
	}
	b[1] = b[1]&0x80 | pt&0x7F
	e.gw.RelayRTP(s.handle, video, b)
	medium := "audio"
	if video {
		medium = "video"
	}
	metrics.PacketsReplayed.WithLabelValues(medium).Inc()
}
