package engine

import (
	"errors"
	"os"

	"github.com/zsiec/recast/metrics"
	"github.com/zsiec/recast/mjr"
)

// SetupMedia is called by the host once the media path is up. Capture
// sessions just start accepting packets; replay sessions launch their
// pacer.
func (e *Engine) SetupMedia(handle string) {
	s := e.session(handle)
	if s == nil || s.destroyed.Load() {
		return
	}
	s.hangingup.Store(false)
	s.active.Store(true)

	s.mu.Lock()
	player := !s.transcoder && s.entry != nil
	s.mu.Unlock()
	if player {
		go e.replay(s)
	}
	e.log.Info("media path up", "handle", handle, "replay", player)
}

// HangupMedia is called by the host when the media path goes down.
func (e *Engine) HangupMedia(handle string) {
	e.hangupMedia(e.session(handle))
}

// hangupMedia finalizes a session's media state: the capture files are
// closed (and discarded if they never saw a frame), the publish sink is
// shut down, a finished capture gets its descriptor written, and a
// viewer is detached from its entry. The hangingup latch makes repeats
// no-ops until SetupMedia or a fresh SDP round rearms the session, so
// the host may call this any number of times per teardown.
func (e *Engine) hangupMedia(s *Session) {
	if s == nil {
		return
	}
	s.active.Store(false)
	if s.destroyed.Load() {
		return
	}
	if !s.hangingup.CompareAndSwap(false, true) {
		return
	}

	event := &Event{Transcode: "event", Result: "done"}
	if err := e.gw.PushEvent(s.handle, "", event, nil); err != nil && !s.destroyed.Load() {
		e.log.Warn("could not push done event", "handle", s.handle, "err", err)
	}

	s.mu.Lock()
	entry := s.entry
	transcoder := s.transcoder
	if s.arc != nil {
		e.closeWriter(s.arc)
		if entry != nil && s.arc.Empty() {
			entry.AudioFile, entry.AudioCodec = "", ""
		}
		s.arc = nil
	}
	if s.vrc != nil {
		e.closeWriter(s.vrc)
		if entry != nil && s.vrc.Empty() {
			entry.VideoFile, entry.VideoCodec = "", ""
		}
		s.vrc = nil
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			e.log.Warn("closing publish sink", "handle", s.handle, "err", err)
		}
		s.sink = nil
	}
	s.entry = nil
	s.aframes, s.vframes = nil, nil
	s.transcoder = false
	s.sel.Reset()
	s.recVSSRC = 0
	e.setRole(s, "idle")
	s.mu.Unlock()

	if entry != nil {
		if transcoder {
			if entry.AudioFile == "" && entry.VideoFile == "" {
				e.log.Warn("capture saw no media, discarding", "handle", s.handle, "id", entry.ID)
				e.cat.Remove(entry.ID)
			} else if err := e.cat.Complete(entry); err != nil {
				e.log.Error("could not finalize capture", "handle", s.handle, "id", entry.ID, "err", err)
				e.cat.Remove(entry.ID)
			}
			metrics.CatalogEntries.Set(float64(len(e.cat.List())))
		} else {
			entry.RemoveViewer(s.handle)
		}
	}

	e.log.Info("media hung up", "handle", s.handle)
}

// closeWriter closes a capture writer and removes its file if it never
// received a frame, so empty captures leave nothing behind.
func (e *Engine) closeWriter(w *mjr.Writer) {
	empty := w.Empty()
	if err := w.Close(); err != nil && !errors.Is(err, mjr.ErrClosed) {
		e.log.Warn("closing capture file", "path", w.Path(), "err", err)
	}
	if empty {
		if err := os.Remove(w.Path()); err != nil && !os.IsNotExist(err) {
			e.log.Warn("removing empty capture file", "path", w.Path(), "err", err)
		}
	}
}
