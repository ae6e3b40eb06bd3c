package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/recast/engine"
)

// apiServer exposes the engine's request surface over HTTP: signalling
// messages in, an SSE stream of asynchronous events out.
type apiServer struct {
	log  *slog.Logger
	eng  *engine.Engine
	host *host
}

// clientMessage is the body of a signalling POST.
type clientMessage struct {
	Transaction string          `json:"transaction"`
	Body        json.RawMessage `json:"body"`
	JSEP        *engine.JSEP    `json:"jsep,omitempty"`
}

func newAPIServer(logger *slog.Logger, eng *engine.Engine, host *host) *apiServer {
	return &apiServer{
		log:  logger.With("component", "api"),
		eng:  eng,
		host: host,
	}
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", s.createSession)
		r.Route("/sessions/{handle}", func(r chi.Router) {
			r.Get("/", s.querySession)
			r.Post("/message", s.postMessage)
			r.Get("/events", s.streamEvents)
			r.Delete("/", s.deleteSession)
		})
		r.Post("/admin", s.postAdmin)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("writing response", "err", err)
	}
}

func (s *apiServer) createSession(w http.ResponseWriter, r *http.Request) {
	handle, err := s.host.createSession()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.log.Info("session created", "handle", handle, "remote", r.RemoteAddr)
	s.writeJSON(w, http.StatusCreated, map[string]string{"handle": handle})
}

func (s *apiServer) querySession(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	info, err := s.eng.QuerySession(handle)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *apiServer) postMessage(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	hs := s.host.session(handle)
	if hs == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such session"})
		return
	}
	var msg clientMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	s.host.onMessageJSEP(hs, msg.JSEP)
	reply := s.eng.HandleMessage(handle, msg.Transaction, msg.Body, msg.JSEP)
	if reply.Ack {
		s.writeJSON(w, http.StatusAccepted, map[string]string{"transcode": "ack"})
		return
	}
	s.writeJSON(w, http.StatusOK, reply.Response)
}

// streamEvents delivers the session's asynchronous events as SSE until
// the client goes away or the session is destroyed.
func (s *apiServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	hs := s.host.session(handle)
	if hs == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such session"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-hs.events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("marshaling event", "handle", handle, "err", err)
				continue
			}
			if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *apiServer) deleteSession(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if s.host.session(handle) == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such session"})
		return
	}
	s.host.destroySession(handle)
	s.writeJSON(w, http.StatusOK, map[string]string{"destroyed": handle})
}

func (s *apiServer) postAdmin(w http.ResponseWriter, r *http.Request) {
	var msg clientMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	reply := s.eng.HandleAdminMessage(msg.Body)
	s.writeJSON(w, http.StatusOK, reply.Response)
}
