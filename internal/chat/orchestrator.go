package chat

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/suPer8Hu/projectchat/internal/ai"
	"github.com/suPer8Hu/projectchat/internal/common"
	"github.com/suPer8Hu/projectchat/internal/logger"
	"github.com/suPer8Hu/projectchat/internal/metrics"
)

const persistTimeout = 10 * time.Second

// Sink receives the outbound events of one session, in order. A Send error
// means the client is gone.
type Sink interface {
	Send(ev ai.Event) error
}

// StreamRequest is one user turn sent in streaming mode.
type StreamRequest struct {
	UserID    uint64
	ChatID    string
	ProjectID uint64
	Provider  string
	Model     string
	Message   string
	Images    []ImageInput
}

// Stage names the orchestrator state a session ended in.
type Stage string

const (
	StageValidating    Stage = "validating"
	StageChatResolving Stage = "chat_resolving"
	StageStreaming     Stage = "streaming"
	StagePersisting    Stage = "persisting"
	StageTitleCheck    Stage = "title_check"
	StageDone          Stage = "done"
)

// Result summarizes a finished session.
type Result struct {
	ChatID             string
	Stage              Stage
	Outcome            string
	AssistantMessageID uint64
	Title              string
}

type OrchestratorConfig struct {
	WindowSize    int
	MaxImageBytes int64
	MaxImages     int
}

// Orchestrator runs one streaming session per Stream call. It holds no
// per-session state.
type Orchestrator struct {
	resolver
	titles *TitleGenerator
	cfg    OrchestratorConfig
}

func NewOrchestrator(repo *Repo, registry *ai.Registry, projects ProjectSource, titles *TitleGenerator, cfg OrchestratorConfig) *Orchestrator {
	if cfg.WindowSize <= 0 || cfg.WindowSize > 100 {
		cfg.WindowSize = 20
	}
	return &Orchestrator{
		resolver: resolver{repo: repo, registry: registry, projects: projects},
		titles:   titles,
		cfg:      cfg,
	}
}

// session is the per-request state of one Stream call.
type session struct {
	sink      Sink
	log       *slog.Logger
	gone      bool
	delivered bool
	finished  bool
}

// send relays ev and reports whether the client is still there. Nothing is
// sent after the done event.
func (s *session) send(ev ai.Event) bool {
	if s.gone || s.finished {
		return false
	}
	if err := s.sink.Send(ev); err != nil {
		s.log.Info("client went away", "event", string(ev.Type), logger.Err(err))
		s.gone = true
		return false
	}
	switch ev.Type {
	case ai.EventContent:
		s.delivered = true
	case ai.EventDone:
		s.finished = true
	}
	return true
}

// reject is the ErrorExit transition: one error event, then done.
func (s *session) reject(err error, fallback string) {
	s.send(ai.ErrorEvent(common.PublicMessage(err, fallback)))
	s.send(ai.DoneEvent())
}

// Stream drives Validating, ChatResolving, Streaming, Persisting, TitleCheck
// and Done. Every path that still has a client ends with exactly one done
// event on sink.
func (o *Orchestrator) Stream(ctx context.Context, req StreamRequest, sink Sink) (out Result) {
	start := time.Now()
	s := &session{sink: sink, log: logger.FromContext(ctx).With("user_id", req.UserID)}
	res := Result{ChatID: req.ChatID, Stage: StageValidating}

	finish := func(outcome string) Result {
		res.Outcome = outcome
		metrics.StreamsFinished.WithLabelValues(outcome).Inc()
		s.log.Info("chat stream finished",
			"chat_id", res.ChatID, "stage", string(res.Stage), "outcome", outcome, "latency", time.Since(start))
		return res
	}

	// A panic below still ends the stream with error and done.
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("chat stream panicked", "stage", string(res.Stage),
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			s.send(ai.ErrorEvent("Something went wrong. Please try again."))
			s.send(ai.DoneEvent())
			out = finish(metrics.OutcomeInternal)
		}
	}()

	// Validating
	if req.UserID == 0 {
		s.reject(common.NewUserError("You must be logged in to chat."), "")
		return finish(metrics.OutcomeRejected)
	}
	images, imageRefs, err := ParseImages(req.Images, o.cfg.MaxImageBytes, o.cfg.MaxImages)
	if err != nil {
		s.reject(err, "Invalid image attachment.")
		return finish(metrics.OutcomeRejected)
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		if len(images) == 0 {
			s.reject(common.NewUserError("Message is required."), "")
			return finish(metrics.OutcomeRejected)
		}
		text = DefaultImagePrompt
	}

	// ChatResolving
	res.Stage = StageChatResolving
	target, err := o.resolve(ctx, Selection{
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		ProjectID: req.ProjectID,
		Provider:  req.Provider,
		Model:     req.Model,
	})
	if err != nil {
		s.log.Info("chat stream rejected", logger.Err(err))
		s.reject(err, "Could not start the chat.")
		return finish(metrics.OutcomeRejected)
	}
	if target.NewChat != nil {
		if err := o.createChat(ctx, target); err != nil {
			s.log.Error("create chat", logger.Err(err))
			s.reject(err, "Could not create the chat.")
			return finish(metrics.OutcomeInternal)
		}
		res.ChatID = target.Chat.ID
		if !s.send(ai.ChatIDEvent(target.Chat.ID)) {
			return finish(metrics.OutcomeCancelled)
		}
	}
	chat := target.Chat
	providerName := target.Provider.Name()
	s.log = s.log.With("chat_id", chat.ID, "provider", providerName, "model", target.Model)
	ctx = logger.WithContext(ctx, s.log)
	metrics.StreamsStarted.WithLabelValues(string(target.Mode)).Inc()
	defer func() {
		metrics.StreamDuration.WithLabelValues(providerName).Observe(time.Since(start).Seconds())
	}()

	// Streaming
	res.Stage = StageStreaming
	userMsg := &Message{ChatID: chat.ID, Role: RoleUser, Content: text}
	if _, err := o.repo.AppendMessage(ctx, userMsg, MessageMetadata{Images: imageRefs}); err != nil {
		s.log.Error("store user message", logger.Err(err))
		s.reject(err, "Could not save your message.")
		return finish(metrics.OutcomeInternal)
	}
	recent, err := o.repo.RecentMessages(ctx, chat.ID, o.cfg.WindowSize)
	if err != nil {
		s.log.Error("load history", logger.Err(err))
		s.reject(err, "Could not load the conversation.")
		return finish(metrics.OutcomeInternal)
	}

	upstreamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := target.Provider.StreamCompletion(upstreamCtx, history(recent, userMsg.ID, images), target.Model, target.Options)

	var (
		reply       strings.Builder
		sources     []ai.Source
		upstreamErr string
	)
	for ev := range events {
		if ev.Type == ai.EventDone {
			// The adapter's done ends the upstream leg only; ours comes last.
			continue
		}
		if !s.send(ev) {
			cancel()
			break
		}
		switch ev.Type {
		case ai.EventContent:
			reply.WriteString(ev.Text)
		case ai.EventSources:
			sources = ai.DedupeSources(append(sources, ev.Sources...))
		case ai.EventError:
			upstreamErr = ev.Message
		}
	}

	// Persisting. The request context may already be cancelled.
	res.Stage = StagePersisting
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer pcancel()

	content := reply.String()
	stored := false
	if strings.TrimSpace(content) != "" {
		am := &Message{ChatID: chat.ID, Role: RoleAssistant, Content: content}
		meta := MessageMetadata{Sources: sources, Model: target.Model, Interrupted: upstreamErr != "" || s.gone}
		if _, err := o.repo.AppendMessage(pctx, am, meta); err != nil {
			// The reply already reached the browser; only durability is affected.
			s.log.Error("store assistant message", "reply_len", len(content), logger.Err(err))
			if !s.delivered {
				s.send(ai.ErrorEvent("Could not save the reply."))
			}
		} else {
			stored = true
			res.AssistantMessageID = am.ID
		}
	}

	if s.gone {
		return finish(metrics.OutcomeCancelled)
	}

	// TitleCheck
	if stored {
		res.Stage = StageTitleCheck
		if title, ok := titleCheck(context.WithoutCancel(ctx), o.repo, o.titles, chat, text, content); ok {
			res.Title = title
			if !s.send(ai.TitleUpdateEvent(chat.ID, title)) {
				return finish(metrics.OutcomeCancelled)
			}
		}
	}

	// Done
	res.Stage = StageDone
	if !s.send(ai.DoneEvent()) {
		return finish(metrics.OutcomeCancelled)
	}
	if upstreamErr != "" {
		return finish(metrics.OutcomeUpstream)
	}
	return finish(metrics.OutcomeOK)
}
