package authors

import (
	"strings"
	"time"
)

// Profile records the latest display name an author presented in a token.
type Profile struct {
	AuthorID    string    `gorm:"column:author_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing author profiles.
func (Profile) TableName() string {
	return "author_profiles"
}

// Models lists the persistent models of the directory.
func Models() []any {
	return []any{&Profile{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
