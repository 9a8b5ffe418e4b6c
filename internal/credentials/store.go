// Package credentials stores provider API keys sealed at rest and resolves
// them for the provider registry.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/projectchat/internal/logger"
)

var (
	ErrNotFound   = errors.New("credential not found")
	ErrInvalidKey = errors.New("invalid api key")
)

type Credential struct {
	Provider  string    `gorm:"type:varchar(32);primaryKey"`
	Sealed    string    `gorm:"type:text;not null"`
	Hint      string    `gorm:"type:varchar(16);not null"`
	UpdatedAt time.Time
}

func (Credential) TableName() string { return "provider_credentials" }

type Store struct {
	db       *gorm.DB
	sealer   *Sealer
	fallback map[string]string
}

// NewStore builds a store. fallback holds keys from the environment, used
// when no row exists for a provider.
func NewStore(db *gorm.DB, sealer *Sealer, fallback map[string]string) *Store {
	fb := make(map[string]string, len(fallback))
	for k, v := range fallback {
		if v = strings.TrimSpace(v); v != "" {
			fb[strings.ToLower(k)] = v
		}
	}
	return &Store{db: db, sealer: sealer, fallback: fb}
}

func (s *Store) Get(ctx context.Context, provider string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	var c Credential
	if err := s.db.WithContext(ctx).First(&c, "provider = ?", provider).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return s.sealer.Open(c.Sealed)
}

func (s *Store) Set(ctx context.Context, provider, apiKey string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	apiKey = strings.TrimSpace(apiKey)
	if err := Validate(provider, apiKey); err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(apiKey)
	if err != nil {
		return err
	}
	c := Credential{Provider: provider, Sealed: sealed, Hint: Hint(apiKey)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"sealed", "hint", "updated_at"}),
	}).Create(&c).Error
}

func (s *Store) Delete(ctx context.Context, provider string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	res := s.db.WithContext(ctx).Delete(&Credential{}, "provider = ?", provider)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns stored credentials without their secrets.
func (s *Store) List(ctx context.Context) ([]Credential, error) {
	var out []Credential
	if err := s.db.WithContext(ctx).Select("provider", "hint", "updated_at").Order("provider").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// APIKey resolves a provider key: stored value first, then the environment.
// A provider with neither yields "" and no error.
func (s *Store) APIKey(ctx context.Context, provider string) (string, error) {
	key, err := s.Get(ctx, provider)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, ErrNotFound):
		return s.fallback[strings.ToLower(strings.TrimSpace(provider))], nil
	case errors.Is(err, ErrSealedCorrupt):
		slog.Error("stored credential cannot be opened", "provider", provider, logger.Err(err))
		return s.fallback[strings.ToLower(strings.TrimSpace(provider))], nil
	default:
		return "", fmt.Errorf("load credential: %w", err)
	}
}

var keyPrefixes = map[string]string{
	"openai":     "sk-",
	"anthropic":  "sk-ant-",
	"openrouter": "sk-or-",
	"deepseek":   "sk-",
}

// Validate checks the shape of a key before it is stored.
func Validate(provider, apiKey string) error {
	if provider == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidKey)
	}
	if len(apiKey) < 8 {
		return fmt.Errorf("%w: key is too short", ErrInvalidKey)
	}
	if strings.ContainsAny(apiKey, " \t\r\n") {
		return fmt.Errorf("%w: key contains whitespace", ErrInvalidKey)
	}
	if p, ok := keyPrefixes[provider]; ok && !strings.HasPrefix(apiKey, p) {
		return fmt.Errorf("%w: %s keys start with %q", ErrInvalidKey, provider, p)
	}
	return nil
}

// Hint is the masked form shown to operators.
func Hint(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:3] + "..." + apiKey[len(apiKey)-4:]
}
