package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/suPer8Hu/projectchat/internal/sse"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type GeminiProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewGeminiProvider(baseURL, apiKey string) *GeminiProvider {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiProvider{BaseURL: baseURL, APIKey: apiKey, Client: newStreamingClient()}
}

func (p *GeminiProvider) Name() string { return ProviderGemini }

func (p *GeminiProvider) HasCredential() bool { return strings.TrimSpace(p.APIKey) != "" }

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"system_instruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

func buildGeminiRequest(messages []Message, opts Options) geminiRequest {
	var system []string
	if s := strings.TrimSpace(opts.Instructions); s != "" {
		system = append(system, s)
	}

	req := geminiRequest{Contents: make([]geminiContent, 0, len(messages))}
	for _, m := range messages {
		if m.Role == RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		var parts []geminiPart
		if m.Content != "" {
			parts = append(parts, geminiPart{Text: m.Content})
		}
		if m.Role == RoleUser {
			for _, img := range m.Images {
				parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: img.MediaType, Data: img.Data}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: parts})
	}

	if len(system) > 0 {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	if opts.MaxTokens > 0 {
		req.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: opts.MaxTokens}
	}
	return req
}

func (p *GeminiProvider) newRequest(ctx context.Context, model, method string, query url.Values, body geminiRequest) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/models/%s:%s", strings.TrimRight(p.BaseURL, "/"), url.PathEscape(model), method)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.APIKey)
	return req, nil
}

func (p *GeminiProvider) StreamCompletion(ctx context.Context, messages []Message, model string, opts Options) <-chan Event {
	return startStream(ctx, p.Name(), func(e *emitter) {
		if !p.HasCredential() {
			missingCredential(e)
			return
		}
		req, err := p.newRequest(ctx, model, "streamGenerateContent", url.Values{"alt": {"sse"}}, buildGeminiRequest(messages, opts))
		if err != nil {
			e.fail("request", "gemini: could not build request")
			return
		}

		// Gemini frames carry no type tag; a frame without candidates is skipped.
		streamSSE(e, p.Client, req, func(raw sse.RawEvent) bool {
			var decoded geminiResponse
			if err := json.Unmarshal([]byte(raw.Data), &decoded); err != nil {
				return false
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				e.fail("stream", "gemini: "+truncate(decoded.Error.Message, maxErrorMessage))
				return true
			}
			if text := decoded.text(); text != "" {
				return !e.emit(ContentEvent(text))
			}
			return false
		})
	})
}

func (p *GeminiProvider) RunCompletion(ctx context.Context, messages []Message, model string, opts Options) (Completion, error) {
	if !p.HasCredential() {
		return Completion{}, fmt.Errorf("gemini: %w", ErrMissingCredential)
	}
	req, err := p.newRequest(ctx, model, "generateContent", nil, buildGeminiRequest(messages, opts))
	if err != nil {
		return Completion{}, fmt.Errorf("gemini: %w", err)
	}

	var decoded geminiResponse
	if err := doJSON(p.Client, req, p.Name(), &decoded); err != nil {
		return Completion{}, err
	}
	text := decoded.text()
	if text == "" {
		return Completion{}, fmt.Errorf("gemini: empty response")
	}
	meta := map[string]any{"model": model}
	if len(decoded.Candidates) > 0 {
		meta["finish_reason"] = decoded.Candidates[0].FinishReason
	}
	return Completion{Content: text, Metadata: meta}, nil
}
