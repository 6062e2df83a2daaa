package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Note is the persisted note record. Content only ever grows by prefix extension.
type Note struct {
	NoteID    string    `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerID   string    `gorm:"column:owner_id;size:190;not null;index"`
	Content   string    `gorm:"column:content;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// ShareGrant gives a user read, append, delete and history access to a note.
// The owner receives one when the note is created.
type ShareGrant struct {
	NoteID    string    `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (ShareGrant) TableName() string {
	return "note_shares"
}

// VersionEntry records one accepted content transition. Entries are never updated.
type VersionEntry struct {
	EntryID         int64     `gorm:"column:entry_id;primaryKey;autoIncrement"`
	NoteID          string    `gorm:"column:note_id;size:190;not null;index:idx_note_versions_note_entry,priority:1"`
	EditorID        string    `gorm:"column:editor_id;size:190;not null"`
	PreviousContent string    `gorm:"column:previous_content;type:text;not null"`
	EditedContent   string    `gorm:"column:edited_content;type:text;not null"`
	EditedAt        time.Time `gorm:"column:edited_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (VersionEntry) TableName() string {
	return "note_versions"
}

// UserSummary is the public projection of an identity.
type UserSummary struct {
	UserID   string
	Email    string
	Username string
}

// CreateResult is returned from CreateNote.
type CreateResult struct {
	Note  Note
	Owner UserSummary
}

// AppendResult is returned from AppendContent. HistoryRecorded is false when the
// content update was committed but its version entry could not be written.
type AppendResult struct {
	Note            Note
	HistoryRecorded bool
}
