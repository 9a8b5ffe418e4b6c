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
	defaultOpenAIBaseURL  = "https://api.openai.com/v1"
	defaultFileSearchHits = 20
	searchingStatus       = "Searching project files..."
)

// OpenAIProvider streams through the Responses API, which is the only path
// that can attach a file_search tool bound to a vector store.
type OpenAIProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  newStreamingClient(),
	}
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

func (p *OpenAIProvider) HasCredential() bool { return strings.TrimSpace(p.APIKey) != "" }

type responsesContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesInput struct {
	Role    string             `json:"role"`
	Content []responsesContent `json:"content"`
}

type responsesTool struct {
	Type           string   `json:"type"`
	VectorStoreIDs []string `json:"vector_store_ids"`
	MaxNumResults  int      `json:"max_num_results,omitempty"`
}

type responsesRequest struct {
	Model           string           `json:"model"`
	Input           []responsesInput `json:"input"`
	Instructions    string           `json:"instructions,omitempty"`
	Stream          bool             `json:"stream"`
	Tools           []responsesTool  `json:"tools,omitempty"`
	Include         []string         `json:"include,omitempty"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
}

type responsesSource struct {
	Type     string `json:"type"`
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
}

type responsesEvent struct {
	Type    string `json:"type"`
	Delta   string `json:"delta"`
	Message string `json:"message"`
	Item    *struct {
		Type    string            `json:"type"`
		Results []responsesSource `json:"results"`
	} `json:"item"`
	Annotation *responsesSource `json:"annotation"`
	Response   *struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

func buildResponsesRequest(messages []Message, model string, opts Options, stream bool) responsesRequest {
	req := responsesRequest{
		Model:           model,
		Instructions:    strings.TrimSpace(opts.Instructions),
		Stream:          stream,
		MaxOutputTokens: opts.MaxTokens,
		Input:           make([]responsesInput, 0, len(messages)),
	}

	for _, m := range messages {
		partType := "input_text"
		if m.Role == RoleAssistant {
			partType = "output_text"
		}
		in := responsesInput{Role: m.Role}
		if m.Content != "" {
			in.Content = append(in.Content, responsesContent{Type: partType, Text: m.Content})
		}
		if m.Role == RoleUser {
			for _, img := range m.Images {
				in.Content = append(in.Content, responsesContent{Type: "input_image", ImageURL: img.DataURL()})
			}
		}
		if len(in.Content) == 0 {
			continue
		}
		req.Input = append(req.Input, in)
	}

	if opts.VectorStoreID != "" {
		hits := opts.MaxResults
		if hits <= 0 {
			hits = defaultFileSearchHits
		}
		req.Tools = []responsesTool{{
			Type:           "file_search",
			VectorStoreIDs: []string{opts.VectorStoreID},
			MaxNumResults:  hits,
		}}
		req.Include = []string{"file_search_call.results"}
	}
	return req
}

func (p *OpenAIProvider) StreamCompletion(ctx context.Context, messages []Message, model string, opts Options) <-chan Event {
	return startStream(ctx, p.Name(), func(e *emitter) {
		if !p.HasCredential() {
			missingCredential(e)
			return
		}

		body, err := json.Marshal(buildResponsesRequest(messages, model, opts, true))
		if err != nil {
			e.fail("encode", "openai: could not encode request")
			return
		}
		url := fmt.Sprintf("%s/responses", strings.TrimRight(p.BaseURL, "/"))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			e.fail("request", "openai: could not build request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer "+p.APIKey)

		grounded := opts.VectorStoreID != ""
		var (
			searching   bool
			sourcesSent bool
			cited       []Source
		)

		streamSSE(e, p.Client, req, func(raw sse.RawEvent) bool {
			var ev responsesEvent
			if err := json.Unmarshal([]byte(raw.Data), &ev); err != nil || ev.Type == "" {
				return false
			}

			switch ev.Type {
			case "response.output_text.delta":
				if ev.Delta != "" {
					return !e.emit(ContentEvent(ev.Delta))
				}

			case "response.file_search_call.in_progress", "response.file_search_call.searching":
				if grounded && !searching {
					searching = true
					return !e.emit(StatusEvent(searchingStatus))
				}

			case "response.output_item.done":
				if ev.Item == nil || ev.Item.Type != "file_search_call" || len(ev.Item.Results) == 0 {
					return false
				}
				sources := DedupeSources(toSources(ev.Item.Results))
				if len(sources) > 0 && !sourcesSent {
					sourcesSent = true
					return !e.emit(SourcesEvent(sources))
				}

			case "response.output_text.annotation.added":
				if ev.Annotation != nil && ev.Annotation.Type == "file_citation" {
					cited = append(cited, Source{FileID: ev.Annotation.FileID, Filename: ev.Annotation.Filename})
				}

			case "response.completed":
				return true

			case "response.failed", "response.incomplete":
				msg := "the response did not complete"
				if ev.Response != nil && ev.Response.Error != nil && ev.Response.Error.Message != "" {
					msg = ev.Response.Error.Message
				}
				e.fail("response", "openai: "+truncate(msg, maxErrorMessage))
				return true

			case "error":
				msg := ev.Message
				if msg == "" {
					msg = "stream error"
				}
				e.fail("stream", "openai: "+truncate(msg, maxErrorMessage))
				return true
			}
			return false
		})

		// Citations are a fallback only when no search result item arrived.
		if !sourcesSent && len(cited) > 0 {
			if sources := DedupeSources(cited); len(sources) > 0 {
				e.emit(SourcesEvent(sources))
			}
		}
	})
}

func toSources(in []responsesSource) []Source {
	out := make([]Source, 0, len(in))
	for _, r := range in {
		out = append(out, Source{FileID: r.FileID, Filename: r.Filename})
	}
	return out
}

// RunCompletion uses the chat-completions endpoint; single-shot helpers never
// need file search.
func (p *OpenAIProvider) RunCompletion(ctx context.Context, messages []Message, model string, opts Options) (Completion, error) {
	if !p.HasCredential() {
		return Completion{}, fmt.Errorf("openai: %w", ErrMissingCredential)
	}
	client := newChatCompletionClient(p.BaseURL, p.APIKey, nil)
	return runChatCompletion(ctx, client, p.Name(), messages, model, opts)
}
