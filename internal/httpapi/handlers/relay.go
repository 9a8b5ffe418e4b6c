package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/suPer8Hu/projectchat/internal/ai"
	"github.com/suPer8Hu/projectchat/internal/sse"
)

var errRelayClosed = errors.New("relay closed")

// Relay writes chat events to the browser as data-only SSE frames, one
// flushed write per event. The done event is written as the [DONE] sentinel
// and closes the relay.
type Relay struct {
	ctx     context.Context
	w       io.Writer
	flusher http.Flusher

	mu     sync.Mutex
	err    error
	closed bool
}

// NewRelay writes the event-stream headers and the 200 status.
func NewRelay(ctx context.Context, w http.ResponseWriter) (*Relay, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported by response writer")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // helpful if behind nginx
	h.Set("Content-Encoding", "identity")
	h.Del("Content-Length")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Relay{ctx: ctx, w: w, flusher: flusher}, nil
}

// Send implements chat.Sink.
func (r *Relay) Send(ev ai.Event) error {
	if ev.Type == ai.EventDone {
		return r.write("data: "+sse.DoneSentinel+"\n\n", true)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return r.write("data: "+string(b)+"\n\n", false)
}

// Reject sends one error event and closes the stream.
func (r *Relay) Reject(msg string) {
	_ = r.Send(ai.ErrorEvent(msg))
	_ = r.Send(ai.DoneEvent())
}

func (r *Relay) write(frame string, last bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.closed {
		return errRelayClosed
	}
	if err := r.ctx.Err(); err != nil {
		r.err = err
		return err
	}
	if _, err := io.WriteString(r.w, frame); err != nil {
		r.err = err
		return err
	}
	r.flusher.Flush()
	if last {
		r.closed = true
	}
	return nil
}

// Heartbeat writes an SSE comment every interval until ctx ends or the relay
// closes. Comments are whole frames, so they never split an event.
func (r *Relay) Heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.write(": ping\n\n", false); err != nil {
				return
			}
		}
	}
}
