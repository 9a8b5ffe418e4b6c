package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/projectchat/internal/ai"
	"github.com/suPer8Hu/projectchat/internal/common"
	"github.com/suPer8Hu/projectchat/internal/project"
)

// ProjectSource is the read-only view of project settings.
type ProjectSource interface {
	Get(ctx context.Context, id uint64) (*project.Project, error)
}

// Target describes which chat a turn belongs to and how to call upstream.
// Chat is nil until a new chat has been created.
type Target struct {
	Chat     *Chat
	NewChat  *Chat
	Mode     Mode
	Provider ai.Provider
	Model    string
	Options  ai.Options
}

// Selection is what the caller asked for.
type Selection struct {
	UserID    uint64
	ChatID    string
	ProjectID uint64
	Provider  string
	Model     string
}

type resolver struct {
	repo     *Repo
	registry *ai.Registry
	projects ProjectSource
}

// resolve loads or plans the chat, resolves provider, model, instructions
// and vector store, and checks the credential. It never writes: a new chat is
// returned as NewChat for the caller to create.
func (r *resolver) resolve(ctx context.Context, sel Selection) (*Target, error) {
	t := &Target{}

	projectID := sel.ProjectID
	var instructions *string
	if sel.ChatID != "" {
		c, err := r.repo.GetOwnedChat(ctx, sel.UserID, sel.ChatID)
		if err != nil {
			if errors.Is(err, ErrChatNotFound) {
				return nil, common.WrapUserError("Chat not found.", err)
			}
			return nil, fmt.Errorf("load chat: %w", err)
		}
		t.Chat = c
		t.Mode = c.Mode
		instructions = c.Instructions
		projectID = 0
		if c.ProjectID != nil {
			projectID = *c.ProjectID
		}
	}

	var providerName, model string
	if projectID != 0 {
		t.Mode = ModeProject
		p, err := r.projects.Get(ctx, projectID)
		if err != nil {
			if errors.Is(err, project.ErrNotFound) {
				return nil, common.WrapUserError("Project not found.", err)
			}
			return nil, fmt.Errorf("load project: %w", err)
		}
		if !p.CanAccess(sel.UserID) {
			return nil, common.NewUserError("You do not have access to this project.")
		}
		if !p.HasVectorStore() {
			return nil, common.NewUserError("This project has no vector store configured. Add files to the project before chatting.")
		}

		providerName = ai.ProviderOpenAI
		model = firstNonEmpty(p.DefaultModel, chatModel(t.Chat), ai.DefaultModel(providerName))
		t.Options = ai.Options{
			Instructions:  firstNonEmpty(deref(instructions), p.Instructions),
			VectorStoreID: p.VectorStoreID,
			MaxResults:    p.MaxResults,
		}
	} else {
		t.Mode = ModeGeneral
		if t.Chat != nil {
			providerName = t.Chat.Provider
			model = firstNonEmpty(t.Chat.Model, ai.DefaultModel(providerName))
		} else {
			providerName = strings.ToLower(strings.TrimSpace(sel.Provider))
			if providerName == "" {
				return nil, common.NewUserError("Select a project or an AI provider.")
			}
			model = firstNonEmpty(sel.Model, ai.DefaultModel(providerName))
		}
		t.Options = ai.Options{Instructions: deref(instructions)}
	}

	if !r.registry.Supports(providerName) {
		return nil, common.NewUserError(fmt.Sprintf("Unknown AI provider %q.", providerName))
	}
	if model == "" {
		return nil, common.NewUserError("A model is required for this provider.")
	}
	prov, err := r.registry.Get(ctx, providerName)
	if err != nil {
		return nil, fmt.Errorf("resolve provider: %w", err)
	}
	if !prov.HasCredential() {
		return nil, common.WrapUserError(fmt.Sprintf("No API key is configured for %s.", providerName), ai.ErrMissingCredential)
	}
	t.Provider = prov
	t.Model = model

	if t.Chat == nil {
		t.NewChat = &Chat{
			UserID:   sel.UserID,
			Mode:     t.Mode,
			Provider: providerName,
			Model:    model,
		}
		if projectID != 0 {
			pid := projectID
			t.NewChat.ProjectID = &pid
		}
	}
	return t, nil
}

// createChat persists t.NewChat and moves it to t.Chat.
func (r *resolver) createChat(ctx context.Context, t *Target) error {
	if t.NewChat == nil {
		return nil
	}
	id, err := common.NewULID()
	if err != nil {
		return err
	}
	t.NewChat.ID = id
	if err := r.repo.CreateChat(ctx, t.NewChat); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	t.Chat, t.NewChat = t.NewChat, nil
	return nil
}

// history converts stored turns into provider messages. images are attached
// to the turn whose id is imageMsgID.
func history(msgs []Message, imageMsgID uint64, images []ai.Image) []ai.Message {
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		am := ai.Message{Role: m.Role, Content: m.Content}
		if m.ID == imageMsgID && len(images) > 0 {
			am.Images = images
		}
		out = append(out, am)
	}
	return out
}

func chatModel(c *Chat) string {
	if c == nil {
		return ""
	}
	return c.Model
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
