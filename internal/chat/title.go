package chat

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/suPer8Hu/projectchat/internal/ai"
	"github.com/suPer8Hu/projectchat/internal/logger"
	"github.com/suPer8Hu/projectchat/internal/metrics"
)

const (
	titleMaxRunes    = 50
	fallbackWords    = 5
	fallbackLiteral  = "New chat"
	titleTimeout     = 20 * time.Second
	titleMaxTokens   = 24
	titleExcerptSize = 1000
)

const titleInstructions = "You write titles for chat conversations. " +
	"Reply with a short descriptive title of 3 to 6 words and at most 50 characters. " +
	"Reply with the title only: no quotes, no trailing punctuation, no prefix."

// placeholderTitle matches titles a client sets before the real one exists.
var placeholderTitle = regexp.MustCompile(`(?i)^(new chat|chat \d{4}-\d{2}-\d{2}.*)$`)

// IsPlaceholderTitle reports whether title may be replaced by a generated one.
func IsPlaceholderTitle(title *string) bool {
	if title == nil {
		return true
	}
	t := strings.TrimSpace(*title)
	return t == "" || placeholderTitle.MatchString(t)
}

// TitleGenerator names a chat after its first exchange.
type TitleGenerator struct {
	registry *ai.Registry
	provider string
	model    string
}

// NewTitleGenerator builds a generator. Empty provider or model means the
// chat's own provider and that provider's fast model.
func NewTitleGenerator(registry *ai.Registry, provider, model string) *TitleGenerator {
	return &TitleGenerator{
		registry: registry,
		provider: strings.TrimSpace(provider),
		model:    strings.TrimSpace(model),
	}
}

// Generate never fails: any problem yields FallbackTitle(userText).
func (g *TitleGenerator) Generate(ctx context.Context, chatProvider, userText, reply string) string {
	log := logger.FromContext(ctx)

	providerName := g.provider
	if providerName == "" {
		providerName = chatProvider
	}
	model := g.model
	if model == "" {
		model = ai.FastModel(providerName)
	}

	fallback := func(reason string, err error) string {
		metrics.TitleFallbacks.Inc()
		attrs := []any{"provider", providerName, "reason", reason}
		if err != nil {
			attrs = append(attrs, logger.Err(err))
		}
		log.Info("title generation fell back", attrs...)
		return FallbackTitle(userText)
	}

	if g.registry == nil || model == "" {
		return fallback("no title model", nil)
	}
	p, err := g.registry.Get(ctx, providerName)
	if err != nil {
		return fallback("provider", err)
	}
	if !p.HasCredential() {
		return fallback("credential", nil)
	}

	cctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	prompt := "User: " + excerpt(userText) + "\n\nAssistant: " + excerpt(reply)
	res, err := p.RunCompletion(cctx, []ai.Message{{Role: ai.RoleUser, Content: prompt}}, model, ai.Options{
		Instructions: titleInstructions,
		MaxTokens:    titleMaxTokens,
	})
	if err != nil {
		return fallback("request", err)
	}
	title := CleanTitle(res.Content)
	if title == "" {
		return fallback("empty response", nil)
	}
	slog.Debug("title generated", "provider", providerName, "model", model)
	return title
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > titleExcerptSize {
		return string(r[:titleExcerptSize]) + "..."
	}
	return s
}

// CleanTitle normalizes model output into a single short line.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) >= 6 && strings.EqualFold(s[:6], "title:") {
		s = strings.TrimSpace(s[6:])
	}
	s = strings.Trim(s, "\"'`“”‘’*#")
	s = strings.TrimRight(s, ".!:;,")
	s = strings.Join(strings.Fields(s), " ")

	r := []rune(s)
	if len(r) > titleMaxRunes {
		s = strings.TrimSpace(string(r[:titleMaxRunes]))
	}
	return s
}

// FallbackTitle is the first five words of the user message, with an
// ellipsis when truncated. It is never empty.
func FallbackTitle(userText string) string {
	words := strings.Fields(userText)
	if len(words) == 0 {
		return fallbackLiteral
	}
	truncated := len(words) > fallbackWords
	if truncated {
		words = words[:fallbackWords]
	}
	title := strings.Join(words, " ")
	if r := []rune(title); len(r) > titleMaxRunes {
		title = string(r[:titleMaxRunes])
		truncated = true
	}
	if truncated {
		title += "..."
	}
	return title
}

// titleCheck runs after an assistant turn was stored. It names the chat when
// this turn brought it to exactly two messages and the title is still a
// placeholder. It reports the new title, if any.
func titleCheck(ctx context.Context, repo *Repo, gen *TitleGenerator, chat *Chat, userText, reply string) (string, bool) {
	log := logger.FromContext(ctx)

	count, err := repo.MessageCount(ctx, chat.ID)
	if err != nil {
		log.Warn("title check: read message count", logger.Err(err))
		return "", false
	}
	if count != 2 || !IsPlaceholderTitle(chat.Title) {
		return "", false
	}

	title := FallbackTitle(userText)
	if gen != nil {
		title = gen.Generate(ctx, chat.Provider, userText, reply)
	}
	if err := repo.UpdateTitle(ctx, chat.ID, title); err != nil {
		log.Warn("title check: store title", logger.Err(err))
		return "", false
	}
	chat.Title = &title
	return title, true
}
