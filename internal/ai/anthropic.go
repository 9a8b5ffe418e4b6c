package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/suPer8Hu/projectchat/internal/sse"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
)

type AnthropicProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewAnthropicProvider(baseURL, apiKey string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicProvider{BaseURL: baseURL, APIKey: apiKey, Client: newStreamingClient()}
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

func (p *AnthropicProvider) HasCredential() bool { return strings.TrimSpace(p.APIKey) != "" }

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicResponse struct {
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason"`
	Content    []anthropicBlock `json:"content"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// buildAnthropicRequest moves system turns into the top-level system field
// and drops leading assistant turns, since the API requires a user turn first.
func buildAnthropicRequest(messages []Message, model string, opts Options, stream bool) anthropicRequest {
	var system []string
	if s := strings.TrimSpace(opts.Instructions); s != "" {
		system = append(system, s)
	}

	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		if len(out) == 0 && m.Role != RoleUser {
			continue
		}

		var blocks []anthropicBlock
		if m.Role == RoleUser {
			for _, img := range m.Images {
				blocks = append(blocks, anthropicBlock{
					Type:   "image",
					Source: &anthropicImageSource{Type: "base64", MediaType: img.MediaType, Data: img.Data},
				})
			}
		}
		if m.Content != "" {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, anthropicMessage{Role: m.Role, Content: blocks})
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	return anthropicRequest{
		Model:     model,
		System:    strings.Join(system, "\n\n"),
		Messages:  out,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
}

func (p *AnthropicProvider) newRequest(ctx context.Context, body anthropicRequest) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/messages", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func (p *AnthropicProvider) StreamCompletion(ctx context.Context, messages []Message, model string, opts Options) <-chan Event {
	return startStream(ctx, p.Name(), func(e *emitter) {
		if !p.HasCredential() {
			missingCredential(e)
			return
		}
		req, err := p.newRequest(ctx, buildAnthropicRequest(messages, model, opts, true))
		if err != nil {
			e.fail("request", "anthropic: could not build request")
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		streamSSE(e, p.Client, req, func(raw sse.RawEvent) bool {
			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(raw.Data), &ev); err != nil || ev.Type == "" {
				return false
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					return !e.emit(ContentEvent(ev.Delta.Text))
				}
			case "message_stop":
				return true
			case "error":
				msg := "stream error"
				if ev.Error != nil && ev.Error.Message != "" {
					msg = ev.Error.Message
				}
				e.fail("stream", "anthropic: "+truncate(msg, maxErrorMessage))
				return true
			}
			return false
		})
	})
}

func (p *AnthropicProvider) RunCompletion(ctx context.Context, messages []Message, model string, opts Options) (Completion, error) {
	if !p.HasCredential() {
		return Completion{}, fmt.Errorf("anthropic: %w", ErrMissingCredential)
	}
	req, err := p.newRequest(ctx, buildAnthropicRequest(messages, model, opts, false))
	if err != nil {
		return Completion{}, fmt.Errorf("anthropic: %w", err)
	}

	var decoded anthropicResponse
	if err := doJSON(p.Client, req, p.Name(), &decoded); err != nil {
		return Completion{}, err
	}

	var b strings.Builder
	for _, c := range decoded.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	if b.Len() == 0 {
		return Completion{}, fmt.Errorf("anthropic: empty response")
	}
	return Completion{
		Content: b.String(),
		Metadata: map[string]any{
			"model":         decoded.Model,
			"stop_reason":   decoded.StopReason,
			"input_tokens":  decoded.Usage.InputTokens,
			"output_tokens": decoded.Usage.OutputTokens,
		},
	}, nil
}
