package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// headerTransport adds fixed headers to every request, for gateways that
// want attribution headers the go-openai client has no field for.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

func newChatCompletionClient(baseURL, apiKey string, headers map[string]string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	httpClient := &http.Client{Timeout: 90 * time.Second}
	if len(headers) > 0 {
		httpClient.Transport = &headerTransport{base: http.DefaultTransport, headers: headers}
	}
	cfg.HTTPClient = httpClient
	return openai.NewClientWithConfig(cfg)
}

// chatCompletionMessages converts the normalized history into the
// chat-completions shape, with instructions as a leading system message.
func chatCompletionMessages(messages []Message, instructions string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if s := strings.TrimSpace(instructions); s != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		}

		if len(m.Images) == 0 || m.Role != RoleUser {
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: img.DataURL(), Detail: openai.ImageURLDetailAuto},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return out
}

func runChatCompletion(ctx context.Context, client *openai.Client, provider string, messages []Message, model string, opts Options) (Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: chatCompletionMessages(messages, opts.Instructions),
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return Completion{}, fmt.Errorf("%s: status %d: %s", provider, apiErr.HTTPStatusCode, truncate(apiErr.Message, maxErrorMessage))
		}
		return Completion{}, fmt.Errorf("%s: %w", provider, err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("%s: empty response", provider)
	}

	return Completion{
		Content: resp.Choices[0].Message.Content,
		Metadata: map[string]any{
			"model":             resp.Model,
			"finish_reason":     string(resp.Choices[0].FinishReason),
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	}, nil
}
