package ai

// ModelPair is the conversation model and the cheap model used for
// single-shot helpers such as title generation.
type ModelPair struct {
	Chat string
	Fast string
}

var defaultModels = map[string]ModelPair{
	ProviderOpenAI:     {Chat: "gpt-4o", Fast: "gpt-4o-mini"},
	ProviderAnthropic:  {Chat: "claude-sonnet-4-20250514", Fast: "claude-3-5-haiku-latest"},
	ProviderGemini:     {Chat: "gemini-2.5-flash", Fast: "gemini-2.0-flash-lite"},
	ProviderOpenRouter: {Chat: "openrouter/auto", Fast: "openai/gpt-4o-mini"},
	ProviderDeepSeek:   {Chat: "deepseek-chat", Fast: "deepseek-chat"}, // no cheaper chat model
	ProviderOllama:     {Chat: "llama3:latest", Fast: "llama3.2:1b"},
}

// DefaultModel returns the conversation model used when neither the request
// nor the project names one.
func DefaultModel(provider string) string {
	return defaultModels[normalizeName(provider)].Chat
}

// FastModel returns the cheap model for provider.
func FastModel(provider string) string {
	return defaultModels[normalizeName(provider)].Fast
}
