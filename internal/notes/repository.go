package notes

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryNoteID     = "note_id = ?"
	queryNoteUser   = "note_id = ? AND user_id = ?"
	orderEntryIDAsc = "entry_id ASC"
)

// NoteRepository owns persisted Note records.
type NoteRepository interface {
	// Get returns the note or gorm.ErrRecordNotFound.
	Get(ctx context.Context, noteID NoteID) (Note, error)
	// GetForUpdate re-reads the note holding a write lock for the rest of the transaction.
	GetForUpdate(ctx context.Context, noteID NoteID) (Note, error)
	Insert(ctx context.Context, note *Note) error
	UpdateContent(ctx context.Context, note Note) error
	Delete(ctx context.Context, noteID NoteID) (bool, error)
	ListForUser(ctx context.Context, userID UserID) ([]Note, error)
}

// ShareRegistry owns note to user grants.
type ShareRegistry interface {
	Exists(ctx context.Context, noteID NoteID, userID UserID) (bool, error)
	// Insert adds grants, silently skipping pairs that already exist.
	Insert(ctx context.Context, grants []ShareGrant) error
	ListUsers(ctx context.Context, noteID NoteID) ([]string, error)
	DeleteForNote(ctx context.Context, noteID NoteID) error
}

// VersionLedger is the append-only log of content transitions.
type VersionLedger interface {
	Append(ctx context.Context, entry *VersionEntry) error
	// Last returns the newest entry or gorm.ErrRecordNotFound.
	Last(ctx context.Context, noteID NoteID) (VersionEntry, error)
	List(ctx context.Context, noteID NoteID) ([]VersionEntry, error)
	DeleteForNote(ctx context.Context, noteID NoteID) error
}

// Repositories groups the per-entity stores bound to one persistence handle.
type Repositories struct {
	Notes  NoteRepository
	Shares ShareRegistry
	Ledger VersionLedger
}

// Store hands out repositories, either standalone or bound to a transaction.
type Store interface {
	Repositories() Repositories
	Transaction(ctx context.Context, fn func(Repositories) error) error
}

// GormStore implements Store on top of a gorm handle.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps the gorm handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Repositories returns repositories that run outside any explicit transaction.
func (s *GormStore) Repositories() Repositories {
	return repositoriesFor(s.db)
}

// Transaction runs fn inside a database transaction; returning an error rolls it back.
func (s *GormStore) Transaction(ctx context.Context, fn func(Repositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(repositoriesFor(tx))
	})
}

func repositoriesFor(db *gorm.DB) Repositories {
	return Repositories{
		Notes:  &gormNoteRepository{db: db},
		Shares: &gormShareRegistry{db: db},
		Ledger: &gormVersionLedger{db: db},
	}
}

type gormNoteRepository struct {
	db *gorm.DB
}

func (r *gormNoteRepository) Get(ctx context.Context, noteID NoteID) (Note, error) {
	var note Note
	err := r.db.WithContext(ctx).Where(queryNoteID, noteID.String()).Take(&note).Error
	return note, err
}

func (r *gormNoteRepository) GetForUpdate(ctx context.Context, noteID NoteID) (Note, error) {
	var note Note
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryNoteID, noteID.String()).
		Take(&note).Error
	return note, err
}

func (r *gormNoteRepository) Insert(ctx context.Context, note *Note) error {
	return r.db.WithContext(ctx).Create(note).Error
}

func (r *gormNoteRepository) UpdateContent(ctx context.Context, note Note) error {
	result := r.db.WithContext(ctx).
		Model(&Note{}).
		Where(queryNoteID, note.NoteID).
		Updates(map[string]any{
			"content":    note.Content,
			"updated_at": note.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormNoteRepository) Delete(ctx context.Context, noteID NoteID) (bool, error) {
	result := r.db.WithContext(ctx).Where(queryNoteID, noteID.String()).Delete(&Note{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *gormNoteRepository) ListForUser(ctx context.Context, userID UserID) ([]Note, error) {
	var notes []Note
	err := r.db.WithContext(ctx).
		Joins("JOIN note_shares ON note_shares.note_id = notes.note_id").
		Where("note_shares.user_id = ?", userID.String()).
		Order("notes.updated_at DESC").
		Find(&notes).Error
	return notes, err
}

type gormShareRegistry struct {
	db *gorm.DB
}

func (r *gormShareRegistry) Exists(ctx context.Context, noteID NoteID, userID UserID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&ShareGrant{}).
		Where(queryNoteUser, noteID.String(), userID.String()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *gormShareRegistry) Insert(ctx context.Context, grants []ShareGrant) error {
	if len(grants) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&grants).Error
}

func (r *gormShareRegistry) ListUsers(ctx context.Context, noteID NoteID) ([]string, error) {
	var userIDs []string
	err := r.db.WithContext(ctx).
		Model(&ShareGrant{}).
		Where(queryNoteID, noteID.String()).
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error
	return userIDs, err
}

func (r *gormShareRegistry) DeleteForNote(ctx context.Context, noteID NoteID) error {
	return r.db.WithContext(ctx).Where(queryNoteID, noteID.String()).Delete(&ShareGrant{}).Error
}

type gormVersionLedger struct {
	db *gorm.DB
}

// Append writes the entry inside a nested transaction so that a failed insert can be
// rolled back to its savepoint without discarding the caller's outer transaction.
func (r *gormVersionLedger) Append(ctx context.Context, entry *VersionEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(entry).Error
	})
}

func (r *gormVersionLedger) Last(ctx context.Context, noteID NoteID) (VersionEntry, error) {
	var entry VersionEntry
	err := r.db.WithContext(ctx).
		Where(queryNoteID, noteID.String()).
		Order("entry_id DESC").
		Take(&entry).Error
	return entry, err
}

func (r *gormVersionLedger) List(ctx context.Context, noteID NoteID) ([]VersionEntry, error) {
	var entries []VersionEntry
	err := r.db.WithContext(ctx).
		Where(queryNoteID, noteID.String()).
		Order(orderEntryIDAsc).
		Find(&entries).Error
	return entries, err
}

func (r *gormVersionLedger) DeleteForNote(ctx context.Context, noteID NoteID) error {
	return r.db.WithContext(ctx).Where(queryNoteID, noteID.String()).Delete(&VersionEntry{}).Error
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
