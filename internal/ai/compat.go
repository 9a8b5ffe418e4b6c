package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/suPer8Hu/projectchat/internal/sse"
)

const (
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultDeepSeekBaseURL   = "https://api.deepseek.com/v1"
)

// CompatProvider speaks the OpenAI chat-completions protocol to a gateway
// vendor. It has no file-search support.
type CompatProvider struct {
	ID      string
	BaseURL string
	APIKey  string
	Headers map[string]string
	Client  *http.Client
}

type compatStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, siteURL, appName string) *CompatProvider {
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	return &CompatProvider{
		ID:      ProviderOpenRouter,
		BaseURL: baseURL,
		APIKey:  apiKey,
		Headers: map[string]string{"HTTP-Referer": siteURL, "X-Title": appName},
		Client:  newStreamingClient(),
	}
}

func NewDeepSeekProvider(baseURL, apiKey string) *CompatProvider {
	if baseURL == "" {
		baseURL = defaultDeepSeekBaseURL
	}
	return &CompatProvider{
		ID:      ProviderDeepSeek,
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  newStreamingClient(),
	}
}

func (p *CompatProvider) Name() string { return p.ID }

func (p *CompatProvider) HasCredential() bool { return strings.TrimSpace(p.APIKey) != "" }

func (p *CompatProvider) StreamCompletion(ctx context.Context, messages []Message, model string, opts Options) <-chan Event {
	return startStream(ctx, p.Name(), func(e *emitter) {
		if !p.HasCredential() {
			missingCredential(e)
			return
		}
		model = strings.TrimSpace(model)
		if model == "" {
			e.fail("request", p.ID+": model is required")
			return
		}

		reqBody := openai.ChatCompletionRequest{
			Model:    model,
			Stream:   true,
			Messages: chatCompletionMessages(messages, opts.Instructions),
		}
		if opts.MaxTokens > 0 {
			reqBody.MaxTokens = opts.MaxTokens
		}
		b, err := json.Marshal(reqBody)
		if err != nil {
			e.fail("encode", p.ID+": could not encode request")
			return
		}

		url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			e.fail("request", p.ID+": could not build request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
		for k, v := range p.Headers {
			if v != "" {
				req.Header.Set(k, v)
			}
		}

		streamSSE(e, p.Client, req, func(raw sse.RawEvent) bool {
			var decoded compatStreamResp
			if err := json.Unmarshal([]byte(raw.Data), &decoded); err != nil {
				return false
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				e.fail("stream", p.ID+": "+truncate(decoded.Error.Message, maxErrorMessage))
				return true
			}
			if len(decoded.Choices) == 0 {
				return false
			}
			if delta := decoded.Choices[0].Delta.Content; delta != "" {
				return !e.emit(ContentEvent(delta))
			}
			return false
		})
	})
}

func (p *CompatProvider) RunCompletion(ctx context.Context, messages []Message, model string, opts Options) (Completion, error) {
	if !p.HasCredential() {
		return Completion{}, fmt.Errorf("%s: %w", p.ID, ErrMissingCredential)
	}
	client := newChatCompletionClient(p.BaseURL, p.APIKey, p.Headers)
	return runChatCompletion(ctx, client, p.ID, messages, model, opts)
}
