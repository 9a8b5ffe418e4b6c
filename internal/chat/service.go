package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/projectchat/internal/ai"
	"github.com/suPer8Hu/projectchat/internal/common"
	"github.com/suPer8Hu/projectchat/internal/logger"
)

// JobPublisher hands a queued job to the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Service struct {
	resolver
	titles            *TitleGenerator
	publisher         JobPublisher
	contextWindowSize int
}

func NewService(repo *Repo, registry *ai.Registry, projects ProjectSource, titles *TitleGenerator, publisher JobPublisher, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{
		resolver:          resolver{repo: repo, registry: registry, projects: projects},
		titles:            titles,
		publisher:         publisher,
		contextWindowSize: contextWindowSize,
	}
}

type CreateChatInput struct {
	ProjectID    uint64
	Provider     string
	Model        string
	Title        string
	Instructions string
}

// CreateChat creates an empty chat after the same checks a first send runs.
func (s *Service) CreateChat(ctx context.Context, userID uint64, in CreateChatInput) (*Chat, error) {
	t, err := s.resolve(ctx, Selection{UserID: userID, ProjectID: in.ProjectID, Provider: in.Provider, Model: in.Model})
	if err != nil {
		return nil, err
	}
	if title := strings.TrimSpace(in.Title); title != "" {
		t.NewChat.Title = &title
	}
	if instr := strings.TrimSpace(in.Instructions); instr != "" {
		t.NewChat.Instructions = &instr
	}
	if err := s.createChat(ctx, t); err != nil {
		return nil, err
	}
	return t.Chat, nil
}

func (s *Service) ListChats(ctx context.Context, userID uint64, limit int) ([]Chat, error) {
	return s.repo.ListChats(ctx, userID, limit)
}

func (s *Service) GetChat(ctx context.Context, userID uint64, chatID string) (*Chat, error) {
	return s.repo.GetOwnedChat(ctx, userID, chatID)
}

// Messages returns the chat's full history after an owner check.
func (s *Service) Messages(ctx context.Context, userID uint64, chatID string) ([]Message, error) {
	if _, err := s.repo.GetOwnedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.repo.Messages(ctx, chatID)
}

func (s *Service) RenameChat(ctx context.Context, userID uint64, chatID, title string) (*Chat, error) {
	title = CleanTitle(title)
	if title == "" {
		return nil, common.NewUserError("Title is required.")
	}
	c, err := s.repo.GetOwnedChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateTitle(ctx, c.ID, title); err != nil {
		return nil, err
	}
	c.Title = &title
	return c, nil
}

func (s *Service) DeleteChat(ctx context.Context, userID uint64, chatID string) error {
	if _, err := s.repo.GetOwnedChat(ctx, userID, chatID); err != nil {
		return err
	}
	return s.repo.DeleteChat(ctx, chatID)
}

type AsyncRequest struct {
	UserID         uint64
	ChatID         string
	ProjectID      uint64
	Provider       string
	Model          string
	Message        string
	IdempotencyKey string
}

// SubmitAsync stores the user turn and queues a job for the worker. A
// repeated idempotency key returns the original job without a second turn.
func (s *Service) SubmitAsync(ctx context.Context, req AsyncRequest) (*Job, error) {
	log := logger.FromContext(ctx)

	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, common.NewUserError("Message is required.")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) > 128 {
		return nil, common.NewUserError("Idempotency key is too long.")
	}
	var keyPtr *string
	if key != "" {
		keyPtr = &key
		existing, err := s.repo.GetJobByUserAndIdempotencyKey(ctx, req.UserID, key)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	}

	t, err := s.resolve(ctx, Selection{
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		ProjectID: req.ProjectID,
		Provider:  req.Provider,
		Model:     req.Model,
	})
	if err != nil {
		return nil, err
	}
	if err := s.createChat(ctx, t); err != nil {
		return nil, err
	}

	if _, err := s.repo.AppendMessage(ctx, &Message{ChatID: t.Chat.ID, Role: RoleUser, Content: text}, MessageMetadata{}); err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	job, created, err := s.repo.CreateJobOrGetExisting(ctx, &Job{
		ID:             jobID,
		UserID:         req.UserID,
		ChatID:         t.Chat.ID,
		Prompt:         text,
		IdempotencyKey: keyPtr,
		Status:         JobQueued,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	// Enqueue only when a new job was created
	if created && s.publisher != nil {
		if err := s.publisher.PublishJob(ctx, job.ID); err != nil {
			log.Error("publish job", "job_id", job.ID, logger.Err(err))
			_ = s.repo.MarkJobFailed(ctx, job.ID, "enqueue failed")
			return nil, common.WrapUserError("Could not queue the message.", err)
		}
	}
	return job, nil
}

// GetJob hides other users' jobs behind ErrJobNotFound.
func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// RunJob produces the assistant reply for a queued job with a single-shot
// completion and records the outcome on the job row.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	log := logger.FromContext(ctx).With("job_id", jobID)
	start := time.Now()

	ok, err := s.repo.MarkJobRunning(ctx, jobID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		log.Info("job is not queued, skipping")
		return nil
	}
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	msgID, title, err := s.generateReply(ctx, j)
	if err != nil {
		log.Warn("job failed", "latency", time.Since(start), logger.Err(err))
		if markErr := s.repo.MarkJobFailed(ctx, jobID, common.PublicMessage(err, "The AI service request failed.")); markErr != nil {
			return markErr
		}
		return err
	}

	var titlePtr *string
	if title != "" {
		titlePtr = &title
	}
	if err := s.repo.MarkJobSucceeded(ctx, jobID, msgID, titlePtr); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		log.Info("job timing", "latency", elapsed)
	}
	return nil
}

func (s *Service) generateReply(ctx context.Context, j *Job) (uint64, string, error) {
	t, err := s.resolve(ctx, Selection{UserID: j.UserID, ChatID: j.ChatID})
	if err != nil {
		return 0, "", err
	}
	recent, err := s.repo.RecentMessages(ctx, j.ChatID, s.contextWindowSize)
	if err != nil {
		return 0, "", err
	}
	// file_search needs the streaming Responses path; the single-shot call
	// runs ungrounded.
	opts := t.Options
	opts.VectorStoreID = ""

	out, err := t.Provider.RunCompletion(ctx, history(recent, 0, nil), t.Model, opts)
	if err != nil {
		return 0, "", common.WrapUserError("The AI service request failed.", err)
	}
	if strings.TrimSpace(out.Content) == "" {
		return 0, "", common.NewUserError("The AI service returned an empty reply.")
	}

	am := &Message{ChatID: j.ChatID, Role: RoleAssistant, Content: out.Content}
	if _, err := s.repo.AppendMessage(ctx, am, MessageMetadata{Model: t.Model}); err != nil {
		return 0, "", fmt.Errorf("store assistant message: %w", err)
	}
	title, _ := titleCheck(ctx, s.repo, s.titles, t.Chat, j.Prompt, out.Content)
	return am.ID, title, nil
}

const enhanceInstructions = "Rewrite the user's draft prompt so it is clear, specific and complete. " +
	"Keep the user's intent and language. Reply with the rewritten prompt only."

type EnhanceRequest struct {
	UserID   uint64
	Provider string
	Model    string
	Draft    string
}

// Enhance rewrites a draft prompt with the provider's fast model.
func (s *Service) Enhance(ctx context.Context, req EnhanceRequest) (string, error) {
	draft := strings.TrimSpace(req.Draft)
	if draft == "" {
		return "", common.NewUserError("Message is required.")
	}
	name := strings.ToLower(strings.TrimSpace(req.Provider))
	if name == "" {
		name = ai.ProviderOpenAI
	}
	if !s.registry.Supports(name) {
		return "", common.NewUserError(fmt.Sprintf("Unknown AI provider %q.", name))
	}
	p, err := s.registry.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if !p.HasCredential() {
		return "", common.WrapUserError(fmt.Sprintf("No API key is configured for %s.", name), ai.ErrMissingCredential)
	}
	model := firstNonEmpty(req.Model, ai.FastModel(name))

	out, err := p.RunCompletion(ctx, []ai.Message{{Role: ai.RoleUser, Content: draft}}, model, ai.Options{Instructions: enhanceInstructions})
	if err != nil {
		return "", common.WrapUserError("The AI service request failed.", err)
	}
	text := strings.TrimSpace(out.Content)
	if text == "" {
		return "", common.NewUserError("The AI service returned an empty reply.")
	}
	return text, nil
}
