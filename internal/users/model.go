package users

import (
	"strings"
	"time"
)

// User is a registered identity. Email is the login name and is unique.
type User struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;size:255;not null;uniqueIndex"`
	Username     string    `gorm:"column:username;size:255;not null"`
	PasswordHash string    `gorm:"column:password_hash;size:255;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// SignupRequest carries the fields required to register a user.
type SignupRequest struct {
	Email    string
	Username string
	Password string
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

// normalizeEmail lower-cases the domain part, leaving the local part untouched.
func normalizeEmail(value string) string {
	trimmed := normalize(value)
	at := strings.LastIndex(trimmed, "@")
	if at < 0 {
		return trimmed
	}
	return trimmed[:at] + strings.ToLower(trimmed[at:])
}
