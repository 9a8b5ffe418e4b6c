package ai

import (
	"context"
	"errors"
)

const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
	ProviderDeepSeek   = "deepseek"
	ProviderOllama     = "ollama"
)

var (
	ErrUnknownProvider   = errors.New("unknown ai provider")
	ErrMissingCredential = errors.New("no api key configured for provider")
)

type Role = string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Image is an inline image attached to a user turn. Data is base64 without
// the data-URL prefix.
type Image struct {
	Name      string
	MediaType string
	Data      string
}

func (i Image) DataURL() string {
	return "data:" + i.MediaType + ";base64," + i.Data
}

type Message struct {
	Role    Role
	Content string
	Images  []Image
}

// Options carries per-request generation settings. VectorStoreID switches
// the OpenAI adapter into file-grounded mode.
type Options struct {
	Instructions  string
	VectorStoreID string
	MaxResults    int
	MaxTokens     int
}

// Completion is the result of a single-shot, non-streaming call.
type Completion struct {
	Content  string
	Metadata map[string]any
}

// Provider hides one upstream vendor's wire format.
//
// StreamCompletion returns immediately. The channel yields events in upstream
// order, always ends with exactly one EventDone, and is closed afterwards.
// Setup and transport failures arrive as an EventError before the EventDone,
// never as a Go error. If ctx is cancelled the channel is closed without
// waiting for a reader.
type Provider interface {
	Name() string
	HasCredential() bool
	StreamCompletion(ctx context.Context, messages []Message, model string, opts Options) <-chan Event
	RunCompletion(ctx context.Context, messages []Message, model string, opts Options) (Completion, error)
}
