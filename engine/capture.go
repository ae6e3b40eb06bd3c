package engine

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/pion/rtcp"

	"github.com/zsiec/recast/metrics"
	"github.com/zsiec/recast/mjr"
)

const minRTPLen = 12

// IncomingRTP is the capture hot path: each packet from the sender is
// run through the simulcast selector when one is armed, appended to the
// capture file, mirrored to the live publishing sink, and answered with
// RTCP feedback.
func (e *Engine) IncomingRTP(handle string, video bool, buf []byte) {
	s := e.session(handle)
	if s == nil || s.destroyed.Load() || !s.active.Load() || len(buf) < minRTPLen {
		return
	}

	var saveErr error
	s.mu.Lock()
	if !s.transcoder || s.entry == nil {
		s.mu.Unlock()
		return
	}
	if video && s.sel.Active() {
		keep := s.sel.Process(buf, s.entry.VideoCodec)
		if s.sel.TakePLI() {
			e.sendPLI(s, binary.BigEndian.Uint32(buf[8:12]))
		}
		if !keep {
			s.mu.Unlock()
			metrics.PacketsDropped.Inc()
			return
		}
		// The selector splices multiple substreams into one stream; the
		// capture gets a single fixed SSRC so the file reads as one
		// source. The original SSRC is restored for the publish sink.
		orig := binary.BigEndian.Uint32(buf[8:12])
		binary.BigEndian.PutUint32(buf[8:12], s.recVSSRC)
		if s.vrc != nil {
			saveErr = s.vrc.SaveFrame(buf)
		}
		binary.BigEndian.PutUint32(buf[8:12], orig)
		if s.sink != nil {
			s.sink.Push(buf, true, s.sel.Substream())
		}
	} else {
		w := s.arc
		if video {
			w = s.vrc
		}
		if w != nil {
			saveErr = w.SaveFrame(buf)
		}
		if s.sink != nil {
			s.sink.Push(buf, video, 0)
		}
	}
	s.mu.Unlock()

	medium := "audio"
	if video {
		medium = "video"
	}
	if saveErr != nil {
		if !errors.Is(saveErr, mjr.ErrClosed) {
			e.log.Error("writing capture frame failed", "handle", handle,
				"medium", medium, "err", saveErr)
			e.gw.ClosePC(handle)
		}
		return
	}
	metrics.PacketsCaptured.WithLabelValues(medium).Inc()
	metrics.BytesCaptured.WithLabelValues(medium).Add(float64(len(buf)))

	if video {
		e.sendFeedback(s, binary.BigEndian.Uint32(buf[8:12]))
	}
}

// IncomingRTCP ignores inbound feedback; the engine only produces it.
func (e *Engine) IncomingRTCP(handle string, video bool, buf []byte) {}

// sendPLI asks the sender for a fresh keyframe on behalf of the
// simulcast selector.
func (e *Engine) sendPLI(s *Session, ssrc uint32) {
	pli := &rtcp.PictureLossIndication{MediaSSRC: ssrc}
	data, err := pli.Marshal()
	if err != nil {
		return
	}
	e.gw.RelayRTCP(s.handle, true, data)
	metrics.FeedbackSent.WithLabelValues("pli").Inc()
}

// sendFeedback drives the sender: REMB ramps the bandwidth estimate up
// over the first few packets and refreshes it every few seconds, and a
// FIR/PLI pair requests a keyframe at the configured interval. Only the
// ingest goroutine calls this, so the bookkeeping needs no locking.
func (e *Engine) sendFeedback(s *Session, ssrc uint32) {
	now := time.Now()

	rampup := s.rembStartup > 0
	if rampup || now.Sub(s.rembLast) >= rembInterval {
		bitrate := uint64(s.videoBitrate.Load())
		if rampup {
			bitrate /= uint64(s.rembStartup)
			s.rembStartup--
		}
		remb := &rtcp.ReceiverEstimatedMaximumBitrate{
			Bitrate: float32(bitrate),
			SSRCs:   []uint32{ssrc},
		}
		if data, err := remb.Marshal(); err == nil {
			e.gw.RelayRTCP(s.handle, true, data)
			metrics.FeedbackSent.WithLabelValues("remb").Inc()
		}
		s.rembLast = now
	}

	interval := time.Duration(s.kfIntervalMS.Load()) * time.Millisecond
	if interval == 0 || now.Sub(s.kfLast) < interval {
		return
	}
	s.kfLast = now
	fir := &rtcp.FullIntraRequest{
		MediaSSRC: ssrc,
		FIR:       []rtcp.FIREntry{{SSRC: ssrc, SequenceNumber: s.firSeq}},
	}
	s.firSeq++
	if data, err := fir.Marshal(); err == nil {
		e.gw.RelayRTCP(s.handle, true, data)
		metrics.FeedbackSent.WithLabelValues("fir").Inc()
	}
	e.sendPLI(s, ssrc)
}

// SlowLink reacts to congestion reports from the host: on video the
// advertised bitrate is halved (with a floor) so the sender backs off,
// and the client is told about the new ceiling.
func (e *Engine) SlowLink(handle string, uplink, video bool) {
	s := e.session(handle)
	if s == nil || s.destroyed.Load() {
		return
	}
	medium := "audio"
	if video {
		medium = "video"
	}
	result := map[string]any{
		"status": "slow_link",
		"media":  medium,
		"uplink": uplink,
	}
	if video {
		const floor = 64 * 1024
		bitrate := s.videoBitrate.Load() / 2
		if bitrate < floor {
			bitrate = floor
		}
		s.videoBitrate.Store(bitrate)
		result["current-bitrate"] = bitrate
	}
	event := &Event{Transcode: "event", Result: result}
	if err := e.gw.PushEvent(handle, "", event, nil); err != nil {
		e.log.Warn("could not push slow link event", "handle", handle, "err", err)
	}
}
