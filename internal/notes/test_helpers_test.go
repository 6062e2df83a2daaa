package notes

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testOwnerID    = "user-owner"
	testFriendID   = "user-friend"
	testStrangerID = "user-stranger"
)

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "notes.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Note{}, &ShareGrant{}, &VersionEntry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

type stubDirectory struct {
	users map[string]UserSummary
	err   error
}

func newStubDirectory(ids ...string) *stubDirectory {
	users := make(map[string]UserSummary, len(ids))
	for _, id := range ids {
		users[id] = UserSummary{UserID: id, Email: id + "@example.com", Username: id}
	}
	return &stubDirectory{users: users}
}

func (d *stubDirectory) LookupUsers(_ context.Context, userIDs []string) (map[string]UserSummary, error) {
	if d.err != nil {
		return nil, d.err
	}
	resolved := make(map[string]UserSummary)
	for _, id := range userIDs {
		if summary, ok := d.users[id]; ok {
			resolved[id] = summary
		}
	}
	return resolved, nil
}

type sequenceIDs struct {
	mu   sync.Mutex
	ids  []string
	next int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.next]
	g.next++
	return id, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (n *recordingNotifier) NoteChanged(event ChangeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) Events() []ChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ChangeEvent(nil), n.events...)
}

// failingLedgerStore swaps the ledger for one whose appends always fail.
type failingLedgerStore struct {
	Store
	err error
}

func (s failingLedgerStore) Transaction(ctx context.Context, fn func(Repositories) error) error {
	return s.Store.Transaction(ctx, func(repos Repositories) error {
		repos.Ledger = failingLedger{VersionLedger: repos.Ledger, err: s.err}
		return fn(repos)
	})
}

type failingLedger struct {
	VersionLedger
	err error
}

func (l failingLedger) Append(context.Context, *VersionEntry) error {
	return l.err
}

type testHarness struct {
	db        *gorm.DB
	store     *GormStore
	directory *stubDirectory
	notifier  *recordingNotifier
	service   *Service
}

func newTestHarness(t *testing.T, noteIDs ...string) *testHarness {
	t.Helper()
	db := openTestDatabase(t)
	harness := &testHarness{
		db:        db,
		store:     NewGormStore(db),
		directory: newStubDirectory(testOwnerID, testFriendID, testStrangerID),
		notifier:  &recordingNotifier{},
	}
	if len(noteIDs) == 0 {
		noteIDs = []string{"note-1", "note-2", "note-3"}
	}
	service, err := NewService(ServiceConfig{
		Store:      harness.store,
		Users:      harness.directory,
		Clock:      func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		IDProvider: &sequenceIDs{ids: noteIDs},
		Notifier:   harness.notifier,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	harness.service = service
	return harness
}
