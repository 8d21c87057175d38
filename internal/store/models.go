package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Profile is per-user metadata. Preferences is an open-ended JSON bag
// (saved art-style presets and similar client-owned state).
type Profile struct {
	UserID      string
	Bio         string
	Website     string
	AvatarURL   string
	SocialLinks map[string]string
	Preferences json.RawMessage
	UpdatedAt   time.Time
}

type World struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	IsPublic    bool
	IsArchived  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type WorldMember struct {
	WorldID     string
	UserID      string
	Role        string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type WorldInvite struct {
	ID         string
	WorldID    string
	Email      string
	Role       string
	TokenHash  string
	InvitedBy  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// Folder groups entities or templates within a world. The Core folder
// (kind "templates", name "Core") holds system-template copies seeded at
// world creation.
type Folder struct {
	ID          string
	WorldID     string
	Name        string
	Kind        string
	Color       string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	FolderKindEntities  = "entities"
	FolderKindTemplates = "templates"
	CoreFolderName      = "Core"
)

// TemplateField is one typed field definition in a template's schema.
type TemplateField struct {
	Name      string   `json:"name"`
	Label     string   `json:"label,omitempty"`
	Type      string   `json:"type"`
	Required  bool     `json:"required,omitempty"`
	MaxLength int      `json:"maxLength,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// Template is a field-schema blueprint. WorldID nil means a global system
// template; world-scoped rows are user-authored or system copies.
type Template struct {
	ID        string
	WorldID   *string
	FolderID  *string
	Name      string
	Category  string
	Icon      string
	Fields    []TemplateField
	IsSystem  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Entity struct {
	ID         string
	WorldID    string
	TemplateID *string
	FolderID   *string
	Name       string
	Fields     map[string]any
	Tags       []string
	CoverPath  string
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Relationship is a directed, optionally bidirectional edge between two
// entities of the same world.
type Relationship struct {
	ID            string
	WorldID       string
	FromEntityID  string
	ToEntityID    string
	Type          string
	Description   string
	Strength      int
	Bidirectional bool
	CreatedAt     time.Time
}

type WorldMap struct {
	ID        string
	WorldID   string
	Name      string
	ImagePath string
	Width     int
	Height    int
	CreatedBy string
	CreatedAt time.Time
}

type MapMarker struct {
	ID        string
	MapID     string
	EntityID  *string
	X         float64
	Y         float64
	Label     string
	Color     string
	CreatedAt time.Time
}

type ActivityEntry struct {
	ID         int64
	WorldID    string
	ActorID    string
	ActorName  string
	Action     string
	TargetType string
	TargetID   string
	Fields     []string
	CreatedAt  time.Time
}

// InviteAcceptance is the result row of the accept_world_invite function.
type InviteAcceptance struct {
	Accepted bool
	WorldID  string
	Role     string
}
