package ssenotify

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Mux is satisfied by *http.ServeMux and chi.Router.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Attach registers four handlers on mux:
//
//	GET  {StreamPath}?device_id=&user_id=  SSE stream
//	GET  {HealthPath}                      JSON health and stats
//	GET  {ClientsPath}                     JSON list of clients
//	POST {ReconnectPath}                   force an upstream reconnect
//
// Authentication is left to middleware wrapped around mux.
func (b *Broker) Attach(mux Mux) {
	mux.Handle(b.cfg.HTTP.StreamPath, b.handleStream())
	mux.Handle(b.cfg.HTTP.HealthPath, b.handleHealthz())
	mux.Handle(b.cfg.HTTP.ClientsPath, b.handleClients())
	mux.Handle(b.cfg.HTTP.ReconnectPath, b.handleReconnect())
}

// streamSink queues frames for one HTTP stream. The broker writes and
// closes it; the handler drains it and marks it gone.
type streamSink struct {
	frames    chan Frame
	closed    chan struct{}
	gone      chan struct{}
	closeOnce sync.Once
	goneOnce  sync.Once
}

func newStreamSink(buf int) *streamSink {
	return &streamSink{
		frames: make(chan Frame, buf),
		closed: make(chan struct{}),
		gone:   make(chan struct{}),
	}
}

func (s *streamSink) Write(f Frame) error {
	select {
	case <-s.closed:
		return ErrSinkClosed
	case <-s.gone:
		return ErrSinkClosed
	default:
	}
	select {
	case s.frames <- f:
		return nil
	default:
		return ErrSlowClient
	}
}

func (s *streamSink) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *streamSink) Done() <-chan struct{} { return s.gone }

func (s *streamSink) markGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}

func (b *Broker) handleStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		q := r.URL.Query()
		sink := newStreamSink(b.cfg.HTTP.ClientBuffer)
		id, err := b.RegisterClient(q.Get("device_id"), q.Get("user_id"), sink)
		switch {
		case errors.Is(err, ErrCapacity):
			w.Header().Set("Retry-After", "5")
			http.Error(w, "too many clients", http.StatusServiceUnavailable)
			return
		case errors.Is(err, ErrClosed):
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		case err != nil:
			b.log.Error("register stream client", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer func() {
			sink.markGone()
			b.UnregisterClient(id)
		}()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		bw := bufio.NewWriterSize(w, b.cfg.HTTP.SSEBufSize)
		var out io.Writer = bw
		var zw *gzip.Writer
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			zw = gzip.NewWriter(bw)
			out = zw
		}
		flush := func() error {
			if zw != nil {
				if err := zw.Flush(); err != nil {
					return err
				}
			}
			if err := bw.Flush(); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}
		w.WriteHeader(http.StatusOK)

		for {
			select {
			case <-r.Context().Done():
				return
			case f := <-sink.frames:
				if _, err := f.WriteTo(out); err != nil {
					return
				}
				// Batch whatever else is already queued into one flush.
				for n := len(sink.frames); n > 0; n-- {
					if _, err := (<-sink.frames).WriteTo(out); err != nil {
						return
					}
				}
				if err := flush(); err != nil {
					b.log.Debug("stream flush failed", zap.String("client", string(id)), zap.Error(err))
					return
				}
			case <-sink.closed:
				for n := len(sink.frames); n > 0; n-- {
					_, _ = (<-sink.frames).WriteTo(out)
				}
				_, _ = io.WriteString(out, ": stream closed\n\n")
				if zw != nil {
					_ = zw.Close()
				}
				_ = bw.Flush()
				flusher.Flush()
				return
			}
		}
	}
}

func (b *Broker) handleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := b.ConnectionHealth()
		status, code := "ok", http.StatusOK
		if !health.Healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		resp := map[string]any{
			"status":        status,
			"now":           b.clock.Now().Format(time.RFC3339Nano),
			"health":        health,
			"stats":         b.Stats(),
			"go_version":    runtime.Version(),
			"num_goroutine": runtime.NumGoroutine(),
		}
		writeJSON(w, code, resp)
	}
}

func (b *Broker) handleClients() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clients := b.Clients()
		if clients == nil {
			clients = []ClientInfo{}
		}
		writeJSON(w, http.StatusOK, clients)
	}
}

func (b *Broker) handleReconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := b.ForceReconnect(); err != nil {
			http.Error(w, "reconnect error: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
