package ssenotify

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// Frame event types written by the broker itself.
const (
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
)

var (
	// ErrSinkClosed is returned by a Sink written after Close.
	ErrSinkClosed = errors.New("ssenotify: sink closed")
	// ErrSlowClient is returned by a Sink whose outbound queue is full.
	ErrSlowClient = errors.New("ssenotify: client too slow")
)

// Frame is one delivered item: an event type and an opaque JSON payload.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Sink is one open client stream. The broker calls Write from its
// scheduler goroutine, so Write must enqueue or fail without blocking.
// Done is closed when the peer goes away; a nil Done channel means the
// sink never reports closure on its own and relies on write failures.
// Close must be idempotent.
type Sink interface {
	Write(f Frame) error
	Close() error
	Done() <-chan struct{}
}

var framePool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// WriteTo encodes f in Server-Sent Events format:
//
//	event: <type>
//	data: <json>
//
// with one data line per line of payload, followed by a blank line.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	buf := framePool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		framePool.Put(buf)
	}()

	if f.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(f.Event)
		buf.WriteByte('\n')
	}
	data := []byte(f.Data)
	if len(data) == 0 {
		data = []byte("null")
	}
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			buf.WriteString("data: ")
			buf.Write(bytes.TrimSuffix(data[start:i], []byte{'\r'}))
			buf.WriteByte('\n')
			start = i + 1
		}
	}
	buf.WriteByte('\n')

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// compactJSON strips insignificant whitespace from raw, which also
// removes any bare CR or LF outside string literals. Empty input is
// returned as is.
func compactJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	buf := framePool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		framePool.Put(buf)
	}()
	if err := json.Compact(buf, raw); err != nil {
		return nil, err
	}
	out := make(json.RawMessage, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
