package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not finish, got %d events", len(out))
			return out
		}
	}
}

func requireSingleTrailingDone(t *testing.T, events []Event) {
	t.Helper()
	require.NotEmpty(t, events)
	assert.Equal(t, EventDone, events[len(events)-1].Type, "last event must be done")
	n := 0
	for _, ev := range events {
		if ev.Type == EventDone {
			n++
		}
	}
	assert.Equal(t, 1, n, "exactly one done")
}

func contentOf(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == EventContent {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func typesOf(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

// sseServer writes each frame as its own flushed chunk.
func sseServer(t *testing.T, check func(r *http.Request, body []byte), frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if check != nil {
			check(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		for _, fr := range frames {
			_, _ = io.WriteString(w, fr)
			f.Flush()
		}
	}))
}

func TestOpenAIStream_GroundedEvents(t *testing.T) {
	var reqBody responsesRequest
	srv := sseServer(t, func(r *http.Request, body []byte) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.Unmarshal(body, &reqBody))
	},
		"event: response.created\ndata: {\"type\":\"response.created\"}\n\n",
		"event: response.file_search_call.in_progress\ndata: {\"type\":\"response.file_search_call.in_progress\"}\n\n",
		"data: {\"type\":\"response.file_search_call.searching\"}\n\n",
		"data: {\"type\":\"response.output_item.done\",\"item\":{\"type\":\"file_search_call\",\"results\":["+
			"{\"file_id\":\"f1\",\"filename\":\"a.pdf\"},{\"file_id\":\"f2\",\"filename\":\"a.pdf\"},{\"file_id\":\"f3\",\"filename\":\"b.md\"}]}}\n\n",
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"Hel\"}\n\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"lo\"}\n\n",
		"data: {\"type\":\"response.output_text.annotation.added\",\"annotation\":{\"type\":\"file_citation\",\"file_id\":\"f9\",\"filename\":\"z.txt\"}}\n\n",
		"data: {\"type\":\"response.completed\"}\n\n",
	)
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test")
	events := collect(t, p.StreamCompletion(context.Background(),
		[]Message{{Role: RoleUser, Content: "hi"}}, "gpt-4o",
		Options{Instructions: "be brief", VectorStoreID: "vs_1", MaxResults: 5}))

	requireSingleTrailingDone(t, events)
	assert.Equal(t, []EventType{EventStatus, EventSources, EventContent, EventContent, EventDone}, typesOf(events))
	assert.Equal(t, "Hello", contentOf(events))
	assert.Equal(t, []Source{{FileID: "f1", Filename: "a.pdf"}, {FileID: "f3", Filename: "b.md"}}, events[1].Sources)

	require.Len(t, reqBody.Tools, 1)
	assert.Equal(t, "file_search", reqBody.Tools[0].Type)
	assert.Equal(t, []string{"vs_1"}, reqBody.Tools[0].VectorStoreIDs)
	assert.Equal(t, 5, reqBody.Tools[0].MaxNumResults)
	assert.Equal(t, "be brief", reqBody.Instructions)
	assert.True(t, reqBody.Stream)
}

func TestOpenAIStream_AnnotationFallback(t *testing.T) {
	srv := sseServer(t, nil,
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"See docs\"}\n\n",
		"data: {\"type\":\"response.output_text.annotation.added\",\"annotation\":{\"type\":\"file_citation\",\"file_id\":\"f1\",\"filename\":\"guide.pdf\"}}\n\n",
		"data: {\"type\":\"response.output_text.annotation.added\",\"annotation\":{\"type\":\"file_citation\",\"file_id\":\"f1\",\"filename\":\"guide.pdf\"}}\n\n",
		"data: {\"type\":\"response.completed\"}\n\n",
	)
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test")
	events := collect(t, p.StreamCompletion(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, "gpt-4o", Options{VectorStoreID: "vs"}))

	requireSingleTrailingDone(t, events)
	require.Equal(t, []EventType{EventContent, EventSources, EventDone}, typesOf(events))
	assert.Equal(t, []Source{{FileID: "f1", Filename: "guide.pdf"}}, events[1].Sources)
}

func TestOpenAIStream_ErrorEvent(t *testing.T) {
	srv := sseServer(t, nil,
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"partial\"}\n\n",
		"data: {\"type\":\"error\",\"message\":\"rate limited\"}\n\n",
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"never\"}\n\n",
	)
	defer srv.Close()

	events := collect(t, NewOpenAIProvider(srv.URL, "k").StreamCompletion(context.Background(), nil, "m", Options{}))
	requireSingleTrailingDone(t, events)
	assert.Equal(t, []EventType{EventContent, EventError, EventDone}, typesOf(events))
	assert.Contains(t, events[1].Message, "rate limited")
	assert.Equal(t, "partial", contentOf(events))
}

func TestStream_MissingCredential(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	providers := []Provider{
		NewOpenAIProvider(srv.URL, ""),
		NewAnthropicProvider(srv.URL, ""),
		NewGeminiProvider(srv.URL, " "),
		NewOpenRouterProvider(srv.URL, "", "", ""),
		NewDeepSeekProvider(srv.URL, ""),
	}
	for _, p := range providers {
		t.Run(p.Name(), func(t *testing.T) {
			assert.False(t, p.HasCredential())
			events := collect(t, p.StreamCompletion(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, "m", Options{}))
			require.Equal(t, []EventType{EventError, EventDone}, typesOf(events))
			assert.Contains(t, events[0].Message, "api key")
		})
	}
	assert.False(t, called, "no upstream call without a credential")
}

func TestStream_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided"}}`)
	}))
	defer srv.Close()

	events := collect(t, NewOpenAIProvider(srv.URL, "bad").StreamCompletion(context.Background(), nil, "m", Options{}))
	require.Equal(t, []EventType{EventError, EventDone}, typesOf(events))
	assert.Contains(t, events[0].Message, "401")
	assert.Contains(t, events[0].Message, "Incorrect API key")
}

func TestStream_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	events := collect(t, NewAnthropicProvider(url, "k").StreamCompletion(context.Background(), nil, "m", Options{}))
	require.Equal(t, []EventType{EventError, EventDone}, typesOf(events))
}

func TestStream_MalformedFramesSkipped(t *testing.T) {
	srv := sseServer(t, nil,
		"data: not json\n\n",
		"data: {\"no_type\":true}\n\n",
		"data: {\"type\":\"response.unknown_thing\"}\n\n",
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"ok\"}\n\n",
	)
	defer srv.Close()

	events := collect(t, NewOpenAIProvider(srv.URL, "k").StreamCompletion(context.Background(), nil, "m", Options{}))
	requireSingleTrailingDone(t, events)
	assert.Equal(t, []EventType{EventContent, EventDone}, typesOf(events))
}

func TestStream_InterruptedMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, buf, err := hj.Hijack()
		require.NoError(t, err)
		defer conn.Close()

		frame := "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Partial answer\"}}\n\n"
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nTransfer-Encoding: chunked\r\n\r\n")
		fmt.Fprintf(buf, "%x\r\n%s\r\n", len(frame), frame)
		_ = buf.Flush()
		// Close without the terminating zero-length chunk.
	}))
	defer srv.Close()

	events := collect(t, NewAnthropicProvider(srv.URL, "k").StreamCompletion(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, "m", Options{}))
	requireSingleTrailingDone(t, events)
	assert.Equal(t, []EventType{EventContent, EventError, EventDone}, typesOf(events))
	assert.Equal(t, "Partial answer", contentOf(events))
}

func TestStream_ContextCancelledClosesChannel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch := NewDeepSeekProvider(srv.URL, "k").StreamCompletion(ctx, nil, "deepseek-chat", Options{})

	first := <-ch
	assert.Equal(t, EventContent, first.Type)
	cancel()

	collect(t, ch)
}

func TestAnthropicStream(t *testing.T) {
	var got anthropicRequest
	srv := sseServer(t, func(r *http.Request, body []byte) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.Unmarshal(body, &got))
	},
		"event: message_start\ndata: {\"type\":\"message_start\"}\n\n",
		"event: ping\ndata: {\"type\":\"ping\"}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Bon\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"jour\"}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	)
	defer srv.Close()

	msgs := []Message{
		{Role: RoleAssistant, Content: "orphan"},
		{Role: RoleSystem, Content: "extra rules"},
		{Role: RoleUser, Content: "hello", Images: []Image{{MediaType: "image/png", Data: "AAAA"}}},
	}
	events := collect(t, NewAnthropicProvider(srv.URL, "k").StreamCompletion(context.Background(), msgs, "claude", Options{Instructions: "base"}))

	requireSingleTrailingDone(t, events)
	assert.Equal(t, "Bonjour", contentOf(events))
	assert.Equal(t, "base\n\nextra rules", got.System)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, RoleUser, got.Messages[0].Role)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Equal(t, "image", got.Messages[0].Content[0].Type)
	assert.Equal(t, "text", got.Messages[0].Content[1].Type)
}

func TestAnthropicStream_ErrorEvent(t *testing.T) {
	srv := sseServer(t, nil,
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n",
	)
	defer srv.Close()

	events := collect(t, NewAnthropicProvider(srv.URL, "k").StreamCompletion(context.Background(), nil, "m", Options{}))
	require.Equal(t, []EventType{EventError, EventDone}, typesOf(events))
	assert.Contains(t, events[0].Message, "Overloaded")
}

func TestGeminiStream(t *testing.T) {
	srv := sseServer(t, func(r *http.Request, body []byte) {
		assert.Equal(t, "/models/gemini-2.5-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "gk", r.Header.Get("x-goog-api-key"))
		var req geminiRequest
		require.NoError(t, json.Unmarshal(body, &req))
		require.Len(t, req.Contents, 2)
		assert.Equal(t, "model", req.Contents[1].Role)
		require.NotNil(t, req.SystemInstruction)
	},
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hi \"}],\"role\":\"model\"}}]}\r\n\r\n",
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"there\"}],\"role\":\"model\"},\"finishReason\":\"STOP\"}]}\r\n\r\n",
	)
	defer srv.Close()

	msgs := []Message{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "b"}}
	events := collect(t, NewGeminiProvider(srv.URL, "gk").StreamCompletion(context.Background(), msgs, "gemini-2.5-flash", Options{Instructions: "sys"}))
	requireSingleTrailingDone(t, events)
	assert.Equal(t, "Hi there", contentOf(events))
}

func TestCompatStream_OpenRouter(t *testing.T) {
	srv := sseServer(t, func(r *http.Request, body []byte) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "https://example.org", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "ProjectChat", r.Header.Get("X-Title"))
		assert.Contains(t, string(body), `"stream":true`)
	},
		": OPENROUTER PROCESSING\n\n",
		"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"foo\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"bar\"}}]}\n\n",
		"data: [DONE]\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"after done\"}}]}\n\n",
	)
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "or-key", "https://example.org", "ProjectChat")
	events := collect(t, p.StreamCompletion(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, "openrouter/auto", Options{}))
	requireSingleTrailingDone(t, events)
	assert.Equal(t, []EventType{EventContent, EventContent, EventDone}, typesOf(events))
	assert.Equal(t, "foobar", contentOf(events))
}

func TestCompatRunCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer ds-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","model":"deepseek-chat","choices":[{"index":0,"message":{"role":"assistant","content":"Quarterly Budget Review"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":4,"total_tokens":14}}`)
	}))
	defer srv.Close()

	got, err := NewDeepSeekProvider(srv.URL, "ds-key").RunCompletion(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, "deepseek-chat", Options{Instructions: "title"})
	require.NoError(t, err)
	assert.Equal(t, "Quarterly Budget Review", got.Content)
	assert.Equal(t, "stop", got.Metadata["finish_reason"])
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		_, _ = io.WriteString(w, "{\"message\":{\"role\":\"assistant\",\"content\":\"one \"},\"done\":false}\n")
		_, _ = io.WriteString(w, "garbage\n")
		_, _ = io.WriteString(w, "{\"message\":{\"role\":\"assistant\",\"content\":\"two\"},\"done\":true}\n")
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL)
	assert.True(t, p.HasCredential())
	events := collect(t, p.StreamCompletion(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, "llama3", Options{}))
	requireSingleTrailingDone(t, events)
	assert.Equal(t, "one two", contentOf(events))
}

func TestDedupeSources(t *testing.T) {
	in := []Source{
		{FileID: "1", Filename: "a.pdf"},
		{FileID: "2", Filename: "b.pdf"},
		{FileID: "3", Filename: "a.pdf"},
		{FileID: "4", Filename: ""},
		{FileID: "4", Filename: ""},
		{FileID: "", Filename: ""},
	}
	got := DedupeSources(in)
	assert.Equal(t, []Source{{FileID: "1", Filename: "a.pdf"}, {FileID: "2", Filename: "b.pdf"}, {FileID: "4"}}, got)
}

func TestUpstreamErrorMessage(t *testing.T) {
	assert.Equal(t, "bad key", upstreamErrorMessage([]byte(`{"error":{"message":"bad key"}}`)))
	assert.Equal(t, "model not found", upstreamErrorMessage([]byte(`{"error":"model not found"}`)))
	assert.Equal(t, "quota", upstreamErrorMessage([]byte(`[{"error":{"code":429,"message":"quota"}}]`)))
	assert.Equal(t, "plain text", upstreamErrorMessage([]byte("plain text")))
	assert.Equal(t, "empty response", upstreamErrorMessage(nil))
}
