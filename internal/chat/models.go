package chat

import (
	"time"

	"gorm.io/datatypes"

	"github.com/suPer8Hu/projectchat/internal/ai"
)

type Mode string

const (
	ModeProject Mode = "project"
	ModeGeneral Mode = "general"
)

type Chat struct {
	ID           string    `gorm:"primaryKey;size:26" json:"id"` // ULID length
	UserID       uint64    `gorm:"index;not null" json:"-"`
	Mode         Mode      `gorm:"type:varchar(16);not null" json:"mode"`
	Provider     string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model        string    `gorm:"type:varchar(64);not null" json:"model"`
	ProjectID    *uint64   `gorm:"index" json:"project_id,omitempty"`
	Title        *string   `gorm:"type:varchar(255)" json:"title"`
	Instructions *string   `gorm:"type:text" json:"instructions,omitempty"`
	MessageCount int       `gorm:"not null;default:0" json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

func (c *Chat) TitleText() string {
	if c.Title == nil {
		return ""
	}
	return *c.Title
}

const (
	RoleUser      = ai.RoleUser
	RoleAssistant = ai.RoleAssistant
	RoleSystem    = ai.RoleSystem
)

type Message struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID    string         `gorm:"type:varchar(26);not null;index" json:"chat_id"`
	Role      string         `gorm:"type:varchar(16);not null" json:"role"`
	Content   string         `gorm:"type:text;not null" json:"content"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// ImageRef records an attached image without its bytes.
type ImageRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int    `json:"size"`
}

type MessageMetadata struct {
	Sources     []ai.Source `json:"sources,omitempty"`
	Images      []ImageRef  `json:"images,omitempty"`
	Model       string      `json:"model,omitempty"`
	Interrupted bool        `json:"interrupted,omitempty"`
}

func (m MessageMetadata) empty() bool {
	return len(m.Sources) == 0 && len(m.Images) == 0 && m.Model == "" && !m.Interrupted
}
