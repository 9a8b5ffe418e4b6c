// Package app assembles the dependencies shared by the server, the worker and
// the admin CLI.
package app

import (
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/suPer8Hu/projectchat/internal/ai"
	"github.com/suPer8Hu/projectchat/internal/chat"
	"github.com/suPer8Hu/projectchat/internal/config"
	"github.com/suPer8Hu/projectchat/internal/credentials"
	"github.com/suPer8Hu/projectchat/internal/db"
	"github.com/suPer8Hu/projectchat/internal/project"
)

type App struct {
	Cfg      config.Config
	DB       *gorm.DB
	Creds    *credentials.Store
	Registry *ai.Registry
	Repo     *chat.Repo
	Projects *project.Store
	Titles   *chat.TitleGenerator
}

func New(cfg config.Config) (*App, error) {
	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	return Assemble(cfg, gdb), nil
}

// Assemble wires the domain layer on an open database.
func Assemble(cfg config.Config, gdb *gorm.DB) *App {
	if cfg.CredentialKey == "" {
		slog.Warn("CREDENTIAL_KEY is empty; stored API keys are sealed with a default key")
	}
	creds := credentials.NewStore(gdb, credentials.NewSealer(cfg.CredentialKey), cfg.EnvAPIKeys())

	reg := ai.NewRegistry(creds)
	reg.RegisterDefaults(ai.Endpoints{
		OpenAI:            cfg.OpenAIBaseURL,
		Anthropic:         cfg.AnthropicBaseURL,
		Gemini:            cfg.GeminiBaseURL,
		OpenRouter:        cfg.OpenRouterBaseURL,
		OpenRouterSiteURL: cfg.OpenRouterSiteURL,
		OpenRouterAppName: cfg.OpenRouterAppName,
		DeepSeek:          cfg.DeepSeekBaseURL,
		Ollama:            cfg.OllamaBaseURL,
	})

	return &App{
		Cfg:      cfg,
		DB:       gdb,
		Creds:    creds,
		Registry: reg,
		Repo:     chat.NewRepo(gdb),
		Projects: project.NewStore(gdb),
		Titles:   chat.NewTitleGenerator(reg, cfg.TitleProvider, cfg.TitleModel),
	}
}

// Models lists every table the application owns.
func Models() []any {
	return append(chat.Models(), &project.Project{}, &credentials.Credential{})
}

func (a *App) Migrate() error {
	return db.Migrate(a.DB, Models()...)
}

// Service builds the non-streaming chat service; publisher may be nil in
// processes that never enqueue.
func (a *App) Service(publisher chat.JobPublisher) *chat.Service {
	return chat.NewService(a.Repo, a.Registry, a.Projects, a.Titles, publisher, a.Cfg.ChatContextWindowSize)
}

func (a *App) Orchestrator() *chat.Orchestrator {
	return chat.NewOrchestrator(a.Repo, a.Registry, a.Projects, a.Titles, chat.OrchestratorConfig{
		WindowSize:    a.Cfg.ChatContextWindowSize,
		MaxImageBytes: a.Cfg.MaxImageBytes,
		MaxImages:     a.Cfg.MaxImages,
	})
}

func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return sqlDB.Close()
}
