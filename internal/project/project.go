// Package project holds the read-mostly settings a grounded chat runs against.
package project

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("project not found")

type Project struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name          string    `gorm:"type:varchar(128);not null" json:"name"`
	OwnerID       uint64    `gorm:"index;not null" json:"owner_id"`
	Public        bool      `gorm:"not null;default:false" json:"public"`
	Instructions  string    `gorm:"type:text" json:"instructions"`
	DefaultModel  string    `gorm:"type:varchar(64)" json:"default_model"`
	VectorStoreID string    `gorm:"type:varchar(128)" json:"vector_store_id"`
	MaxResults    int       `gorm:"not null;default:0" json:"max_results"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Project) TableName() string { return "projects" }

// HasVectorStore reports whether file-grounded chat can run.
func (p *Project) HasVectorStore() bool { return strings.TrimSpace(p.VectorStoreID) != "" }

// CanAccess is the access gate: owners always, everyone else only on public projects.
func (p *Project) CanAccess(userID uint64) bool {
	return p.Public || p.OwnerID == userID
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, p *Project) error {
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *Store) Get(ctx context.Context, id uint64) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListAccessible returns the caller's projects plus public ones, newest first.
func (s *Store) ListAccessible(ctx context.Context, userID uint64) ([]Project, error) {
	var out []Project
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? OR public = ?", userID, true).
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SetVectorStore binds the project to an upstream vector store. An empty id
// unbinds it.
func (s *Store) SetVectorStore(ctx context.Context, id uint64, vectorStoreID string) error {
	res := s.db.WithContext(ctx).Model(&Project{}).
		Where("id = ?", id).
		Update("vector_store_id", strings.TrimSpace(vectorStoreID))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
