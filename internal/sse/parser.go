// Package sse reassembles server-sent events from a byte stream that arrives
// in arbitrarily sized pieces.
package sse

import "strings"

// DoneSentinel is the data payload some vendors send as their final frame.
const DoneSentinel = "[DONE]"

// RawEvent is one complete SSE frame.
type RawEvent struct {
	Type string // value of the "event:" line, empty when absent
	Data string // "data:" lines joined with "\n"
}

// IsDone reports whether the frame is the [DONE] sentinel.
func (e RawEvent) IsDone() bool {
	return strings.TrimSpace(e.Data) == DoneSentinel
}

// Parser is stateful and must not be shared between upstream requests.
type Parser struct {
	buf strings.Builder
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk to the buffer and returns every frame it completes.
// A trailing partial frame stays buffered until a later call completes it.
func (p *Parser) Feed(chunk []byte) []RawEvent {
	if len(chunk) == 0 {
		return nil
	}
	p.buf.Write(chunk)

	s := p.buf.String()
	// CRLF framing is legal SSE. A lone trailing \r is kept until its \n arrives.
	if strings.Contains(s, "\r\n") {
		s = strings.ReplaceAll(s, "\r\n", "\n")
	}

	parts := strings.Split(s, "\n\n")
	rest := parts[len(parts)-1]
	p.buf.Reset()
	p.buf.WriteString(rest)

	var out []RawEvent
	for _, frame := range parts[:len(parts)-1] {
		if ev, ok := parseFrame(frame); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Flush parses whatever is left in the buffer as a final frame. Vendors that
// close the connection without a trailing blank line rely on this.
func (p *Parser) Flush() []RawEvent {
	s := strings.TrimSpace(strings.ReplaceAll(p.buf.String(), "\r\n", "\n"))
	p.buf.Reset()
	if s == "" {
		return nil
	}
	if ev, ok := parseFrame(s); ok {
		return []RawEvent{ev}
	}
	return nil
}

// Reset discards any buffered partial frame.
func (p *Parser) Reset() {
	p.buf.Reset()
}

// Buffered returns the number of bytes held for an incomplete frame.
func (p *Parser) Buffered() int {
	return p.buf.Len()
}

func parseFrame(frame string) (RawEvent, bool) {
	var ev RawEvent
	var data []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "", strings.HasPrefix(line, ":"):
			// blank or comment
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			v := strings.TrimPrefix(line, "data:")
			v = strings.TrimPrefix(v, " ")
			data = append(data, v)
		}
	}
	if len(data) == 0 {
		return RawEvent{}, false
	}
	ev.Data = strings.Join(data, "\n")
	return ev, true
}
