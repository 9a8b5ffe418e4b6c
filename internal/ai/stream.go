package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/projectchat/internal/logger"
	"github.com/suPer8Hu/projectchat/internal/metrics"
	"github.com/suPer8Hu/projectchat/internal/sse"
)

const (
	readChunkSize   = 4 * 1024
	errorBodyLimit  = 4 * 1024
	maxErrorMessage = 300
)

// emitter is the single writer of one StreamCompletion channel.
type emitter struct {
	ctx      context.Context
	out      chan<- Event
	provider string
	finished bool
}

// emit delivers ev unless the caller has gone away. It reports false once
// the stream should stop.
func (e *emitter) emit(ev Event) bool {
	if e.finished {
		return false
	}
	select {
	case e.out <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *emitter) fail(kind, msg string) {
	metrics.UpstreamErrors.WithLabelValues(e.provider, kind).Inc()
	e.emit(ErrorEvent(msg))
}

func (e *emitter) finish() {
	if e.finished {
		return
	}
	e.emit(DoneEvent())
	e.finished = true
}

// startStream runs fn on its own goroutine and guarantees the terminal
// EventDone even if fn panics.
func startStream(ctx context.Context, provider string, fn func(e *emitter)) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		e := &emitter{ctx: ctx, out: out, provider: provider}
		defer e.finish()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("provider stream panicked", "provider", provider, "panic", fmt.Sprint(r))
				e.fail("panic", provider+": internal error while streaming")
			}
		}()
		fn(e)
	}()
	return out
}

// frameHandler consumes one parsed frame and reports whether to stop reading.
type frameHandler func(ev sse.RawEvent) (stop bool)

// streamSSE sends req and feeds the response body through a fresh parser.
// Transport problems are reported on e; the caller still owns finish().
func streamSSE(e *emitter, client *http.Client, req *http.Request, handle frameHandler) {
	log := slog.With("provider", e.provider, "url", req.URL.Path)
	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		if e.ctx.Err() != nil {
			return
		}
		log.Warn("upstream connect failed", logger.Err(err))
		e.fail("connect", e.provider+": could not connect to the AI service")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		msg := upstreamErrorMessage(body)
		log.Warn("upstream returned error status", "status", resp.StatusCode, "body", msg)
		e.fail("status", fmt.Sprintf("%s: request failed (status %d): %s", e.provider, resp.StatusCode, msg))
		return
	}

	p := sse.NewParser()
	buf := make([]byte, readChunkSize)
	frames := 0
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			for _, ev := range p.Feed(buf[:n]) {
				frames++
				if ev.IsDone() || handle(ev) {
					log.Debug("upstream stream finished", "frames", frames, "latency", time.Since(start))
					return
				}
			}
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			for _, ev := range p.Flush() {
				if ev.IsDone() || handle(ev) {
					break
				}
			}
			log.Debug("upstream stream closed", "frames", frames, "latency", time.Since(start))
			return
		}
		if e.ctx.Err() != nil {
			return
		}
		log.Warn("upstream stream interrupted", "frames", frames, logger.Err(rerr))
		e.fail("read", e.provider+": the connection to the AI service was interrupted")
		return
	}
}

// upstreamErrorMessage pulls a readable message out of a vendor error body.
func upstreamErrorMessage(body []byte) string {
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 {
		return "empty response"
	}

	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &nested) == nil && nested.Error.Message != "" {
		return truncate(nested.Error.Message, maxErrorMessage)
	}

	var flat struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &flat) == nil {
		if flat.Error != "" {
			return truncate(flat.Error, maxErrorMessage)
		}
		if flat.Message != "" {
			return truncate(flat.Message, maxErrorMessage)
		}
	}

	// Gemini wraps errors in a one-element array.
	var list []struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &list) == nil && len(list) > 0 && list[0].Error.Message != "" {
		return truncate(list[0].Error.Message, maxErrorMessage)
	}

	return truncate(string(body), maxErrorMessage)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// doJSON is the shared request/response path for single-shot calls.
func doJSON(client *http.Client, req *http.Request, provider string, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return fmt.Errorf("%s: status %d: %s", provider, resp.StatusCode, upstreamErrorMessage(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

func newStreamingClient() *http.Client {
	// No overall timeout: a stream lives as long as its context.
	return &http.Client{Timeout: 0}
}

func missingCredential(e *emitter) {
	e.fail("credential", e.provider+": "+ErrMissingCredential.Error())
}
