package notes

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingStore         = errors.New("store is required")
	errMissingIDProvider    = errors.New("id provider is required")
	errMissingUserDirectory = errors.New("user directory is required")
	errBlankContent         = errors.New("content must not be blank")
	errMissingShareTargets  = errors.New("at least one user id is required")
	noOpLogger              = zap.NewNop()
)

const (
	opServiceNew      = "notes.service.new"
	opCreateNote      = "notes.create_note"
	opGetNote         = "notes.get_note"
	opAppendContent   = "notes.append_content"
	opDeleteNote      = "notes.delete_note"
	opShareNote       = "notes.share_note"
	opVersionHistory  = "notes.version_history"
	opListNotes       = "notes.list_notes"
	operationListKind = Operation("list")

	reasonMissingStore      = "missing_store"
	reasonInvalidNoteID     = "invalid_note_id"
	reasonInvalidUserID     = "invalid_user_id"
	reasonInvalidContent    = "invalid_content"
	reasonInvalidTargets    = "invalid_targets"
	reasonNotFound          = "not_found"
	reasonNotAuthorized     = "not_authorized"
	reasonForbiddenEdit     = "forbidden_edit"
	reasonUnknownUsers      = "unknown_users"
	reasonIDGeneration      = "id_generation_failed"
	reasonUserLookupFailed  = "user_lookup_failed"
	reasonNoteSelectFailed  = "note_select_failed"
	reasonNoteInsertFailed  = "note_insert_failed"
	reasonNoteUpdateFailed  = "note_update_failed"
	reasonNoteDeleteFailed  = "note_delete_failed"
	reasonShareLookupFailed = "share_lookup_failed"
	reasonShareInsertFailed = "share_insert_failed"
	reasonShareDeleteFailed = "share_delete_failed"
	reasonLedgerAppend      = "ledger_append_failed"
	reasonLedgerQueryFailed = "ledger_query_failed"
	reasonLedgerDelete      = "ledger_delete_failed"
	reasonQueryFailed       = "query_failed"
)

// IDProvider issues identifiers for new notes.
type IDProvider interface {
	NewID() (string, error)
}

// UserDirectory resolves user identifiers against the identity store.
// Identifiers absent from the returned map do not exist.
type UserDirectory interface {
	LookupUsers(ctx context.Context, userIDs []string) (map[string]UserSummary, error)
}

// ChangeNotifier receives an event after a mutation commits.
type ChangeNotifier interface {
	NoteChanged(event ChangeEvent)
}

// ChangeKind labels the mutation carried by a ChangeEvent.
type ChangeKind string

const (
	ChangeKindCreated  ChangeKind = "created"
	ChangeKindAppended ChangeKind = "appended"
	ChangeKindShared   ChangeKind = "shared"
	ChangeKindDeleted  ChangeKind = "deleted"
)

// ChangeEvent describes a committed mutation and the users holding grants at that time.
type ChangeEvent struct {
	NoteID     string
	Kind       ChangeKind
	ActorID    string
	Recipients []string
	OccurredAt time.Time
}

// ServiceConfig describes the dependencies of the notes service.
type ServiceConfig struct {
	Store         Store
	Users         UserDirectory
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	Notifier      ChangeNotifier
	StrictHistory bool
}

// Service is the note mutation engine: it authorizes every operation through
// Authorize and keeps the note, share and ledger tables consistent.
type Service struct {
	store         Store
	users         UserDirectory
	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
	notifier      ChangeNotifier
	strictHistory bool
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Users == nil {
		return nil, newServiceError(opServiceNew, "missing_user_directory", errMissingUserDirectory)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:         cfg.Store,
		users:         cfg.Users,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		notifier:      cfg.Notifier,
		strictHistory: cfg.StrictHistory,
	}, nil
}

// CreateNote stores a new note owned by owner together with the owner's grant and
// the creation entry (empty to content) in one transaction.
func (s *Service) CreateNote(ctx context.Context, owner UserID, content string) (CreateResult, error) {
	if s.store == nil {
		return CreateResult{}, s.fail(opCreateNote, OperationCreate, reasonMissingStore, errMissingStore)
	}
	if owner == "" {
		return CreateResult{}, s.reject(opCreateNote, OperationCreate, reasonInvalidUserID, ErrInvalidUserID)
	}
	if err := validateContent(content); err != nil {
		return CreateResult{}, s.reject(opCreateNote, OperationCreate, reasonInvalidContent, err)
	}
	if decision := Authorize(AccessRequest{Operation: OperationCreate, Actor: owner}); !decision.Allowed {
		return CreateResult{}, s.deny(opCreateNote, OperationCreate, decision)
	}

	resolved, err := s.users.LookupUsers(ctx, []string{owner.String()})
	if err != nil {
		return CreateResult{}, s.fail(opCreateNote, OperationCreate, reasonUserLookupFailed, err, zap.String("owner_id", owner.String()))
	}
	summary, ok := resolved[owner.String()]
	if !ok {
		// A token whose subject no longer resolves is an invalid identity, not an unknown share target.
		return CreateResult{}, s.deny(opCreateNote, OperationCreate, deny(DenialNotAuthorized), zap.String("owner_id", owner.String()))
	}

	noteID, err := s.idProvider.NewID()
	if err != nil {
		return CreateResult{}, s.fail(opCreateNote, OperationCreate, reasonIDGeneration, err)
	}

	now := s.clock().UTC()
	note := Note{
		NoteID:    noteID,
		OwnerID:   owner.String(),
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	txErr := s.store.Transaction(ctx, func(repos Repositories) error {
		if err := repos.Notes.Insert(ctx, &note); err != nil {
			return s.fail(opCreateNote, OperationCreate, reasonNoteInsertFailed, err, zap.String("note_id", noteID))
		}
		grant := ShareGrant{NoteID: noteID, UserID: owner.String(), CreatedAt: now}
		if err := repos.Shares.Insert(ctx, []ShareGrant{grant}); err != nil {
			return s.fail(opCreateNote, OperationCreate, reasonShareInsertFailed, err, zap.String("note_id", noteID))
		}
		entry := VersionEntry{
			NoteID:          noteID,
			EditorID:        owner.String(),
			PreviousContent: "",
			EditedContent:   content,
			EditedAt:        now,
		}
		if err := repos.Ledger.Append(ctx, &entry); err != nil {
			return s.fail(opCreateNote, OperationCreate, reasonLedgerAppend, err, zap.String("note_id", noteID))
		}
		return nil
	})
	if txErr != nil {
		return CreateResult{}, txErr
	}

	ledgerEntriesTotal.Inc()
	recordOperation(OperationCreate, outcomeSuccess)
	s.notify(ChangeEvent{
		NoteID:     noteID,
		Kind:       ChangeKindCreated,
		ActorID:    owner.String(),
		Recipients: []string{owner.String()},
		OccurredAt: now,
	})

	return CreateResult{Note: note, Owner: summary}, nil
}

// GetNote returns the note when the actor holds a grant for it.
func (s *Service) GetNote(ctx context.Context, noteID NoteID, actor UserID) (Note, error) {
	if s.store == nil {
		return Note{}, s.fail(opGetNote, OperationRead, reasonMissingStore, errMissingStore)
	}
	repos := s.store.Repositories()
	note, err := s.authorizeWith(ctx, repos, opGetNote, OperationRead, noteID, actor, false)
	if err != nil {
		return Note{}, err
	}
	recordOperation(OperationRead, outcomeSuccess)
	return note, nil
}

// AppendContent replaces the note content with newContent, which must start with the
// current content. The note row is re-read under a write lock before the prefix check.
//
// A version entry failure leaves the content update committed and reports
// HistoryRecorded=false, unless the service was configured with StrictHistory.
func (s *Service) AppendContent(ctx context.Context, noteID NoteID, actor UserID, newContent string) (AppendResult, error) {
	if s.store == nil {
		return AppendResult{}, s.fail(opAppendContent, OperationAppendContent, reasonMissingStore, errMissingStore)
	}

	var (
		result     AppendResult
		recipients []string
		appliedAt  time.Time
	)
	txErr := s.store.Transaction(ctx, func(repos Repositories) error {
		current, err := s.authorizeWith(ctx, repos, opAppendContent, OperationAppendContent, noteID, actor, true)
		if err != nil {
			return err
		}
		if err := validateContent(newContent); err != nil {
			return s.reject(opAppendContent, OperationAppendContent, reasonInvalidContent, err)
		}

		if !isPrefixExtension(current.Content, newContent) {
			return s.reject(opAppendContent, OperationAppendContent, reasonForbiddenEdit, ErrForbiddenEdit,
				zap.String("note_id", noteID.String()),
				zap.String("actor_id", actor.String()))
		}

		appliedAt = s.clock().UTC()
		updated := current
		updated.Content = newContent
		updated.UpdatedAt = appliedAt
		if err := repos.Notes.UpdateContent(ctx, updated); err != nil {
			return s.fail(opAppendContent, OperationAppendContent, reasonNoteUpdateFailed, err, zap.String("note_id", noteID.String()))
		}

		result = AppendResult{Note: updated, HistoryRecorded: true}
		if err := s.appendEntry(ctx, repos, current, updated, actor); err != nil {
			if s.strictHistory {
				return s.fail(opAppendContent, OperationAppendContent, reasonLedgerAppend, err, zap.String("note_id", noteID.String()))
			}
			ledgerFailuresTotal.Inc()
			s.loggerOrDefault().Warn("note content updated without version entry",
				zap.String("operation", opAppendContent),
				zap.String("reason", reasonLedgerAppend),
				zap.String("note_id", noteID.String()),
				zap.Error(err))
			result.HistoryRecorded = false
		}

		recipients, err = repos.Shares.ListUsers(ctx, noteID)
		if err != nil {
			s.loggerOrDefault().Warn("share lookup for notification failed", zap.String("note_id", noteID.String()), zap.Error(err))
			recipients = nil
		}
		return nil
	})
	if txErr != nil {
		return AppendResult{}, txErr
	}

	if result.HistoryRecorded {
		ledgerEntriesTotal.Inc()
		recordOperation(OperationAppendContent, outcomeSuccess)
	} else {
		recordOperation(OperationAppendContent, outcomePartial)
	}
	s.notify(ChangeEvent{
		NoteID:     noteID.String(),
		Kind:       ChangeKindAppended,
		ActorID:    actor.String(),
		Recipients: recipients,
		OccurredAt: appliedAt,
	})
	return result, nil
}

func (s *Service) appendEntry(ctx context.Context, repos Repositories, previous Note, updated Note, editor UserID) error {
	editedAt := updated.UpdatedAt
	last, err := repos.Ledger.Last(ctx, NoteID(updated.NoteID))
	switch {
	case err == nil:
		editedAt = nextEntryTime(last.EditedAt, editedAt)
	case !isNotFound(err):
		return err
	}
	entry := VersionEntry{
		NoteID:          updated.NoteID,
		EditorID:        editor.String(),
		PreviousContent: previous.Content,
		EditedContent:   updated.Content,
		EditedAt:        editedAt,
	}
	return repos.Ledger.Append(ctx, &entry)
}

// DeleteNote removes the note with its grants and version entries.
func (s *Service) DeleteNote(ctx context.Context, noteID NoteID, actor UserID) error {
	if s.store == nil {
		return s.fail(opDeleteNote, OperationDelete, reasonMissingStore, errMissingStore)
	}

	var recipients []string
	txErr := s.store.Transaction(ctx, func(repos Repositories) error {
		if _, err := s.authorizeWith(ctx, repos, opDeleteNote, OperationDelete, noteID, actor, true); err != nil {
			return err
		}
		users, err := repos.Shares.ListUsers(ctx, noteID)
		if err != nil {
			return s.fail(opDeleteNote, OperationDelete, reasonShareLookupFailed, err, zap.String("note_id", noteID.String()))
		}
		recipients = users
		deleted, err := repos.Notes.Delete(ctx, noteID)
		if err != nil {
			return s.fail(opDeleteNote, OperationDelete, reasonNoteDeleteFailed, err, zap.String("note_id", noteID.String()))
		}
		if !deleted {
			return s.reject(opDeleteNote, OperationDelete, reasonNotFound, ErrNotFound, zap.String("note_id", noteID.String()))
		}
		if err := repos.Shares.DeleteForNote(ctx, noteID); err != nil {
			return s.fail(opDeleteNote, OperationDelete, reasonShareDeleteFailed, err, zap.String("note_id", noteID.String()))
		}
		if err := repos.Ledger.DeleteForNote(ctx, noteID); err != nil {
			return s.fail(opDeleteNote, OperationDelete, reasonLedgerDelete, err, zap.String("note_id", noteID.String()))
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	recordOperation(OperationDelete, outcomeSuccess)
	s.notify(ChangeEvent{
		NoteID:     noteID.String(),
		Kind:       ChangeKindDeleted,
		ActorID:    actor.String(),
		Recipients: recipients,
		OccurredAt: s.clock().UTC(),
	})
	return nil
}

// ShareNote grants every target access to the note. Only the owner may share, and
// either every target resolves to a known user or no grant is created.
func (s *Service) ShareNote(ctx context.Context, noteID NoteID, actor UserID, targetIDs []string) error {
	if s.store == nil {
		return s.fail(opShareNote, OperationShare, reasonMissingStore, errMissingStore)
	}
	targets, err := normalizeTargets(targetIDs)
	if err != nil {
		return s.reject(opShareNote, OperationShare, reasonInvalidTargets, err)
	}

	if _, err := s.authorizeWith(ctx, s.store.Repositories(), opShareNote, OperationShare, noteID, actor, false); err != nil {
		return err
	}

	resolved, err := s.users.LookupUsers(ctx, targets)
	if err != nil {
		return s.fail(opShareNote, OperationShare, reasonUserLookupFailed, err, zap.String("note_id", noteID.String()))
	}
	var unknown []string
	for _, target := range targets {
		if _, ok := resolved[target]; !ok {
			unknown = append(unknown, target)
		}
	}
	if len(unknown) > 0 {
		return s.reject(opShareNote, OperationShare, reasonUnknownUsers, &UnknownUsersError{IDs: unknown},
			zap.String("note_id", noteID.String()),
			zap.Strings("unknown_user_ids", unknown))
	}

	now := s.clock().UTC()
	var recipients []string
	txErr := s.store.Transaction(ctx, func(repos Repositories) error {
		if _, err := s.authorizeWith(ctx, repos, opShareNote, OperationShare, noteID, actor, true); err != nil {
			return err
		}
		grants := make([]ShareGrant, 0, len(targets))
		for _, target := range targets {
			grants = append(grants, ShareGrant{NoteID: noteID.String(), UserID: target, CreatedAt: now})
		}
		if err := repos.Shares.Insert(ctx, grants); err != nil {
			return s.fail(opShareNote, OperationShare, reasonShareInsertFailed, err, zap.String("note_id", noteID.String()))
		}
		users, err := repos.Shares.ListUsers(ctx, noteID)
		if err != nil {
			return s.fail(opShareNote, OperationShare, reasonShareLookupFailed, err, zap.String("note_id", noteID.String()))
		}
		recipients = users
		return nil
	})
	if txErr != nil {
		return txErr
	}

	recordOperation(OperationShare, outcomeSuccess)
	s.notify(ChangeEvent{
		NoteID:     noteID.String(),
		Kind:       ChangeKindShared,
		ActorID:    actor.String(),
		Recipients: recipients,
		OccurredAt: now,
	})
	return nil
}

// VersionHistory returns every version entry of the note, oldest first.
func (s *Service) VersionHistory(ctx context.Context, noteID NoteID, actor UserID) ([]VersionEntry, error) {
	if s.store == nil {
		return nil, s.fail(opVersionHistory, OperationViewHistory, reasonMissingStore, errMissingStore)
	}
	repos := s.store.Repositories()
	if _, err := s.authorizeWith(ctx, repos, opVersionHistory, OperationViewHistory, noteID, actor, false); err != nil {
		return nil, err
	}
	entries, err := repos.Ledger.List(ctx, noteID)
	if err != nil {
		return nil, s.fail(opVersionHistory, OperationViewHistory, reasonLedgerQueryFailed, err, zap.String("note_id", noteID.String()))
	}
	recordOperation(OperationViewHistory, outcomeSuccess)
	return entries, nil
}

// ListNotes returns every note the actor holds a grant for, most recently updated first.
func (s *Service) ListNotes(ctx context.Context, actor UserID) ([]Note, error) {
	if s.store == nil {
		return nil, s.fail(opListNotes, operationListKind, reasonMissingStore, errMissingStore)
	}
	if actor == "" {
		return nil, s.reject(opListNotes, operationListKind, reasonInvalidUserID, ErrInvalidUserID)
	}
	notes, err := s.store.Repositories().Notes.ListForUser(ctx, actor)
	if err != nil {
		return nil, s.fail(opListNotes, operationListKind, reasonQueryFailed, err, zap.String("user_id", actor.String()))
	}
	recordOperation(operationListKind, outcomeSuccess)
	return notes, nil
}

// authorizeWith loads the note and grant state through repos and applies Authorize.
func (s *Service) authorizeWith(ctx context.Context, repos Repositories, operation string, kind Operation, noteID NoteID, actor UserID, lock bool) (Note, error) {
	if noteID == "" {
		return Note{}, s.reject(operation, kind, reasonInvalidNoteID, ErrInvalidNoteID)
	}
	if actor == "" {
		return Note{}, s.reject(operation, kind, reasonInvalidUserID, ErrInvalidUserID)
	}

	var (
		note Note
		err  error
	)
	if lock {
		note, err = repos.Notes.GetForUpdate(ctx, noteID)
	} else {
		note, err = repos.Notes.Get(ctx, noteID)
	}
	var notePtr *Note
	switch {
	case err == nil:
		notePtr = &note
	case !isNotFound(err):
		return Note{}, s.fail(operation, kind, reasonNoteSelectFailed, err, zap.String("note_id", noteID.String()))
	}

	hasGrant := false
	if notePtr != nil && kind != OperationShare {
		hasGrant, err = repos.Shares.Exists(ctx, noteID, actor)
		if err != nil {
			return Note{}, s.fail(operation, kind, reasonShareLookupFailed, err, zap.String("note_id", noteID.String()))
		}
	}

	decision := Authorize(AccessRequest{Operation: kind, Note: notePtr, Actor: actor, HasGrant: hasGrant})
	if !decision.Allowed {
		return Note{}, s.deny(operation, kind, decision, zap.String("note_id", noteID.String()), zap.String("actor_id", actor.String()))
	}
	return note, nil
}

// isPrefixExtension reports whether next keeps previous as its exact leading bytes.
func isPrefixExtension(previous, next string) bool {
	return strings.HasPrefix(next, previous)
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errBlankContent
	}
	return nil
}

// nextEntryTime keeps entry timestamps strictly increasing per note.
func nextEntryTime(previous, candidate time.Time) time.Time {
	if candidate.After(previous) {
		return candidate
	}
	return previous.Add(time.Microsecond)
}

func normalizeTargets(targetIDs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(targetIDs))
	targets := make([]string, 0, len(targetIDs))
	for _, raw := range targetIDs {
		id, err := NewUserID(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[id.String()]; ok {
			continue
		}
		seen[id.String()] = struct{}{}
		targets = append(targets, id.String())
	}
	if len(targets) == 0 {
		return nil, errMissingShareTargets
	}
	sort.Strings(targets)
	return targets, nil
}

func (s *Service) notify(event ChangeEvent) {
	if s.notifier == nil || len(event.Recipients) == 0 {
		return
	}
	s.notifier.NoteChanged(event)
}

// reject reports caller-correctable failures (validation, forbidden edit, unknown users).
func (s *Service) reject(operation string, kind Operation, reason string, cause error, fields ...zap.Field) error {
	sentinel := cause
	if !errors.Is(cause, ErrUnknownUsers) && !errors.Is(cause, ErrForbiddenEdit) && !errors.Is(cause, ErrNotFound) {
		sentinel = &validationError{cause: cause}
	}
	outcome := outcomeInvalid
	if errors.Is(cause, ErrNotFound) {
		outcome = outcomeDenied
	}
	recordOperation(kind, outcome)
	s.logDebug(operation, reason, cause, fields...)
	return newServiceError(operation, reason, sentinel)
}

func (s *Service) deny(operation string, kind Operation, decision Decision, fields ...zap.Field) error {
	recordOperation(kind, outcomeDenied)
	cause := decision.Err()
	s.logDebug(operation, string(decision.Reason), cause, fields...)
	return newServiceError(operation, string(decision.Reason), cause)
}

func (s *Service) fail(operation string, kind Operation, reason string, cause error, fields ...zap.Field) error {
	recordOperation(kind, outcomeError)
	s.logError(operation, reason, cause, fields...)
	return newServiceError(operation, reason, cause)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logDebug(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Debug("notes request rejected", attrs...)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}

// validationError ties a validation cause to ErrValidation for errors.Is.
type validationError struct {
	cause error
}

func (e *validationError) Error() string {
	return e.cause.Error()
}

func (e *validationError) Unwrap() []error {
	return []error{ErrValidation, e.cause}
}
