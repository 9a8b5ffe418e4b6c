package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/suPer8Hu/projectchat/internal/logger"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaProvider talks to a local Ollama daemon. Its stream is NDJSON, not
// SSE, and it needs no API key.
type OllamaProvider struct {
	BaseURL string
	Client  *http.Client
}

type ollamaMsg struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

type ollamaChatResp struct {
	Model      string    `json:"model"`
	Message    ollamaMsg `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaProvider{BaseURL: baseURL, Client: newStreamingClient()}
}

func (p *OllamaProvider) Name() string { return ProviderOllama }

func (p *OllamaProvider) HasCredential() bool { return true }

func ollamaMessages(messages []Message, instructions string) []ollamaMsg {
	out := make([]ollamaMsg, 0, len(messages)+1)
	if s := strings.TrimSpace(instructions); s != "" {
		out = append(out, ollamaMsg{Role: RoleSystem, Content: s})
	}
	for _, m := range messages {
		om := ollamaMsg{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			om.Images = append(om.Images, img.Data)
		}
		out = append(out, om)
	}
	return out
}

func (p *OllamaProvider) newRequest(ctx context.Context, model string, messages []Message, opts Options, stream bool) (*http.Request, error) {
	b, err := json.Marshal(ollamaChatReq{
		Model:    model,
		Stream:   stream,
		Messages: ollamaMessages(messages, opts.Instructions),
	})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/chat", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *OllamaProvider) RunCompletion(ctx context.Context, messages []Message, model string, opts Options) (Completion, error) {
	req, err := p.newRequest(ctx, model, messages, opts, false)
	if err != nil {
		return Completion{}, fmt.Errorf("ollama: %w", err)
	}

	var decoded ollamaChatResp
	if err := doJSON(p.Client, req, p.Name(), &decoded); err != nil {
		return Completion{}, err
	}
	if decoded.Error != "" {
		return Completion{}, errors.New("ollama: " + decoded.Error)
	}
	return Completion{
		Content:  decoded.Message.Content,
		Metadata: map[string]any{"model": decoded.Model, "done_reason": decoded.DoneReason},
	}, nil
}

func (p *OllamaProvider) StreamCompletion(ctx context.Context, messages []Message, model string, opts Options) <-chan Event {
	return startStream(ctx, p.Name(), func(e *emitter) {
		req, err := p.newRequest(ctx, model, messages, opts, true)
		if err != nil {
			e.fail("request", "ollama: could not build request")
			return
		}

		resp, err := p.Client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("ollama connect failed", logger.Err(err))
				e.fail("connect", "ollama: could not connect to the AI service")
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
			e.fail("status", fmt.Sprintf("ollama: request failed (status %d): %s", resp.StatusCode, upstreamErrorMessage(body)))
			return
		}

		sc := bufio.NewScanner(resp.Body)
		// Increase scanner buffer for long JSON lines.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaChatResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				continue
			}
			if decoded.Error != "" {
				e.fail("stream", "ollama: "+truncate(decoded.Error, maxErrorMessage))
				return
			}
			if decoded.Message.Content != "" {
				if !e.emit(ContentEvent(decoded.Message.Content)) {
					return
				}
			}
			if decoded.Done {
				return
			}
		}

		if err := sc.Err(); err != nil && ctx.Err() == nil {
			slog.Warn("ollama stream interrupted", logger.Err(err))
			e.fail("read", "ollama: the connection to the AI service was interrupted")
		}
	})
}
