package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/inkwell/backend/internal/database"
	"github.com/MarcoPoloResearchLab/inkwell/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/inkwell/backend/internal/server"
	"github.com/MarcoPoloResearchLab/inkwell/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const jsonContentType = "application/json"

type apiClient struct {
	t       *testing.T
	baseURL string
}

type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) object(t *testing.T) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(r.body, &payload), "body: %s", r.body)
	return payload
}

func (r apiResponse) list(t *testing.T) []map[string]any {
	t.Helper()
	var payload []map[string]any
	require.NoError(t, json.Unmarshal(r.body, &payload), "body: %s", r.body)
	return payload
}

func (c apiClient) do(method, path, token string, body any) apiResponse {
	c.t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, c.baseURL+path, reader)
	require.NoError(c.t, err)
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(c.t, err)
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	require.NoError(c.t, err)
	return apiResponse{status: response.StatusCode, body: payload}
}

func (c apiClient) signupAndLogin(email, username string) (string, string) {
	c.t.Helper()
	signup := c.do(http.MethodPost, "/signup", "", map[string]string{
		"email":            email,
		"username":         username,
		"password":         "correct horse",
		"confirm_password": "correct horse",
	})
	require.Equal(c.t, http.StatusCreated, signup.status, "signup body: %s", signup.body)

	login := c.do(http.MethodPost, "/login", "", map[string]string{"email": email, "password": "correct horse"})
	require.Equal(c.t, http.StatusOK, login.status, "login body: %s", login.body)
	payload := login.object(c.t)
	user := payload["user"].(map[string]any)
	return payload["token"].(string), user["id"].(string)
}

func newTestServer(t *testing.T) (apiClient, *auth.TokenIssuer) {
	t.Helper()
	return newTestServerWithStore(t, func(store notes.Store) notes.Store { return store })
}

// newTestServerWithStore lets a test wrap the note store handed to the service.
func newTestServerWithStore(t *testing.T, wrap func(notes.Store) notes.Store) (apiClient, *auth.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "inkwell.db"), zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	hasher, err := auth.NewBcryptHasher(bcrypt.MinCost)
	require.NoError(t, err)
	identities, err := users.NewService(users.ServiceConfig{Database: db, Hasher: hasher})
	require.NoError(t, err)

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("scenario-secret"),
		Issuer:        "inkwell-auth",
		Audience:      "inkwell-api",
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)

	dispatcher := server.NewRealtimeDispatcher()
	notesService, err := notes.NewService(notes.ServiceConfig{
		Store:      wrap(notes.NewGormStore(db)),
		Users:      identities,
		IDProvider: notes.NewUUIDProvider(),
		Notifier:   dispatcher,
	})
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokens,
		Identities:   identities,
		NotesService: notesService,
		Realtime:     dispatcher,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return apiClient{t: t, baseURL: testServer.URL}, tokens
}

func TestNoteLifecycleOverHTTP(t *testing.T) {
	client, _ := newTestServer(t)

	ownerToken, _ := client.signupAndLogin("ada@example.com", "ada")
	friendToken, friendID := client.signupAndLogin("grace@example.com", "grace")
	strangerToken, _ := client.signupAndLogin("linus@example.com", "linus")

	created := client.do(http.MethodPost, "/notes", ownerToken, map[string]string{"content": "Line 1\n"})
	require.Equal(t, http.StatusCreated, created.status, "create body: %s", created.body)
	createdPayload := created.object(t)
	noteID := createdPayload["note_id"].(string)
	assert.Equal(t, "Note creation successful.", createdPayload["message"])
	assert.Equal(t, map[string]any{"email": "ada@example.com", "username": "ada"}, createdPayload["owner"])

	fetched := client.do(http.MethodGet, "/notes/"+noteID, ownerToken, nil)
	require.Equal(t, http.StatusOK, fetched.status)
	assert.Equal(t, "Line 1\n", fetched.object(t)["content"])

	denied := client.do(http.MethodGet, "/notes/"+noteID, strangerToken, nil)
	assert.Equal(t, http.StatusUnauthorized, denied.status)
	assert.Equal(t, "You are not authorized to view the note.", denied.object(t)["message"])

	updated := client.do(http.MethodPut, "/notes/"+noteID, ownerToken, map[string]string{"content": "Line 1\nLine 2\n"})
	require.Equal(t, http.StatusOK, updated.status, "update body: %s", updated.body)
	assert.Equal(t, "Note update successful.", updated.object(t)["message"])

	rewritten := client.do(http.MethodPut, "/notes/"+noteID, ownerToken, map[string]string{"content": "Line 2\n"})
	assert.Equal(t, http.StatusForbidden, rewritten.status)
	assert.Equal(t, "You can only add the new lines after the existing lines.", rewritten.object(t)["error"])

	blank := client.do(http.MethodPut, "/notes/"+noteID, ownerToken, map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, blank.status)

	strangerEdit := client.do(http.MethodPut, "/notes/"+noteID, strangerToken, map[string]string{"content": "Line 1\nLine 2\nspam"})
	assert.Equal(t, http.StatusUnauthorized, strangerEdit.status)

	numericContent := map[string]any{"content": 42}
	missingNumeric := client.do(http.MethodPut, "/notes/does-not-exist", ownerToken, numericContent)
	assert.Equal(t, http.StatusNotFound, missingNumeric.status, "a missing note outranks the payload type")
	strangerNumeric := client.do(http.MethodPut, "/notes/"+noteID, strangerToken, numericContent)
	assert.Equal(t, http.StatusUnauthorized, strangerNumeric.status, "missing access outranks the payload type")
	assert.Equal(t, "You are not authorized to edit the note.", strangerNumeric.object(t)["message"])
	ownerNumeric := client.do(http.MethodPut, "/notes/"+noteID, ownerToken, numericContent)
	require.Equal(t, http.StatusBadRequest, ownerNumeric.status)
	assert.Equal(t, map[string]any{"content": "Expected a string."}, ownerNumeric.object(t)["errors"])

	notOwnerShare := client.do(http.MethodPost, "/notes/share", friendToken, map[string]any{"note_id": noteID, "user_ids": []string{friendID}})
	assert.Equal(t, http.StatusUnauthorized, notOwnerShare.status)

	unknownShare := client.do(http.MethodPost, "/notes/share", ownerToken, map[string]any{"note_id": noteID, "user_ids": []string{friendID, "ghost-user"}})
	require.Equal(t, http.StatusNotFound, unknownShare.status)
	unknownPayload := unknownShare.object(t)
	assert.Equal(t, "Users do not exist for user id(s): ghost-user", unknownPayload["message"])
	assert.Equal(t, []any{"ghost-user"}, unknownPayload["unknown_user_ids"])

	friendBlocked := client.do(http.MethodGet, "/notes/"+noteID, friendToken, nil)
	assert.Equal(t, http.StatusUnauthorized, friendBlocked.status, "rejected share must not create grants")

	shared := client.do(http.MethodPost, "/notes/share", ownerToken, map[string]any{"note_id": noteID, "user_ids": []string{friendID}})
	require.Equal(t, http.StatusOK, shared.status, "share body: %s", shared.body)
	sharedAgain := client.do(http.MethodPost, "/notes/share", ownerToken, map[string]any{"note_id": noteID, "user_ids": []string{friendID}})
	require.Equal(t, http.StatusOK, sharedAgain.status)

	friendAppend := client.do(http.MethodPut, "/notes/"+noteID, friendToken, map[string]string{"content": "Line 1\nLine 2\nLine 3\n"})
	require.Equal(t, http.StatusOK, friendAppend.status, "friend append body: %s", friendAppend.body)

	friendList := client.do(http.MethodGet, "/notes", friendToken, nil)
	require.Equal(t, http.StatusOK, friendList.status)
	listed := friendList.list(t)
	require.Len(t, listed, 1)
	assert.Equal(t, noteID, listed[0]["id"])

	history := client.do(http.MethodGet, "/notes/version-history/"+noteID, friendToken, nil)
	require.Equal(t, http.StatusOK, history.status)
	entries := history.list(t)
	require.Len(t, entries, 3)
	assert.Equal(t, "", entries[0]["previous_content"])
	for index := 1; index < len(entries); index++ {
		assert.Equal(t, entries[index-1]["edited_content"], entries[index]["previous_content"], "entry %d breaks the chain", index)
		assert.Equal(t, noteID, entries[index]["note"])
	}
	assert.Equal(t, friendID, entries[2]["edited_by"])
	assert.Equal(t, "Line 1\nLine 2\nLine 3\n", entries[2]["edited_content"])

	strangerHistory := client.do(http.MethodGet, "/notes/version-history/"+noteID, strangerToken, nil)
	assert.Equal(t, http.StatusUnauthorized, strangerHistory.status)

	deleted := client.do(http.MethodDelete, "/notes/"+noteID, friendToken, nil)
	require.Equal(t, http.StatusNoContent, deleted.status)

	for _, path := range []string{"/notes/" + noteID, "/notes/version-history/" + noteID} {
		missing := client.do(http.MethodGet, path, ownerToken, nil)
		assert.Equal(t, http.StatusNotFound, missing.status, path)
		assert.Equal(t, "Note does not exist.", missing.object(t)["message"])
	}
	deletedAgain := client.do(http.MethodDelete, "/notes/"+noteID, ownerToken, nil)
	assert.Equal(t, http.StatusNotFound, deletedAgain.status)
}

func TestAuthenticationOverHTTP(t *testing.T) {
	client, tokens := newTestServer(t)

	unauthenticated := client.do(http.MethodGet, "/notes", "", nil)
	assert.Equal(t, http.StatusUnauthorized, unauthenticated.status)

	forged := client.do(http.MethodGet, "/notes", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, forged.status)

	client.signupAndLogin("ada@example.com", "ada")

	duplicate := client.do(http.MethodPost, "/signup", "", map[string]string{
		"email":            "ada@EXAMPLE.com",
		"username":         "ada-again",
		"password":         "another secret",
		"confirm_password": "another secret",
	})
	require.Equal(t, http.StatusBadRequest, duplicate.status)
	assert.Contains(t, duplicate.object(t)["errors"], "email")

	wrongPassword := client.do(http.MethodPost, "/login", "", map[string]string{"email": "ada@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, wrongPassword.status)
	assert.Equal(t, "Email or Password is not valid.", wrongPassword.object(t)["errors"])

	missingFields := client.do(http.MethodPost, "/login", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, missingFields.status)

	orphanToken, _, err := tokens.IssueToken(context.Background(), "user-that-was-removed")
	require.NoError(t, err)
	orphanCreate := client.do(http.MethodPost, "/notes", orphanToken, map[string]string{"content": "hello"})
	assert.Equal(t, http.StatusUnauthorized, orphanCreate.status, "a token for an unknown subject is not a valid identity")
	assert.NotContains(t, orphanCreate.object(t), "unknown_user_ids")

	health := client.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, health.status)

	metrics := client.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, metrics.status)
	assert.Contains(t, string(metrics.body), "inkwell_http_requests_total")
}

func TestNoteEventsStreamDeliversChanges(t *testing.T) {
	client, _ := newTestServer(t)
	ownerToken, _ := client.signupAndLogin("ada@example.com", "ada")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/notes/events?access_token="+ownerToken, http.NoBody)
	require.NoError(t, err)
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.True(t, strings.HasPrefix(response.Header.Get("Content-Type"), "text/event-stream"))

	created := client.do(http.MethodPost, "/notes", ownerToken, map[string]string{"content": "hello"})
	require.Equal(t, http.StatusCreated, created.status)
	noteID := created.object(t)["note_id"].(string)

	scanner := bufio.NewScanner(response.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") && eventLine == server.RealtimeEventNoteChanged {
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			break
		}
	}
	require.NotEmpty(t, dataLine, "expected a note-change event")

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(dataLine), &payload))
	assert.Equal(t, noteID, payload["note_id"])
	assert.Equal(t, string(notes.ChangeKindCreated), payload["kind"])
	assert.Equal(t, "inkwell-backend", payload["source"])
}

// toggledLedgerStore fails every ledger append once failing is set.
type toggledLedgerStore struct {
	notes.Store
	failing *atomic.Bool
}

func (s toggledLedgerStore) Transaction(ctx context.Context, fn func(notes.Repositories) error) error {
	return s.Store.Transaction(ctx, func(repos notes.Repositories) error {
		if s.failing.Load() {
			repos.Ledger = brokenLedger{VersionLedger: repos.Ledger}
		}
		return fn(repos)
	})
}

type brokenLedger struct {
	notes.VersionLedger
}

func (brokenLedger) Append(context.Context, *notes.VersionEntry) error {
	return errors.New("ledger unavailable")
}

func TestUpdateReportsPartialContentWhenHistoryFails(t *testing.T) {
	failing := &atomic.Bool{}
	client, _ := newTestServerWithStore(t, func(store notes.Store) notes.Store {
		return toggledLedgerStore{Store: store, failing: failing}
	})
	ownerToken, _ := client.signupAndLogin("ada@example.com", "ada")

	created := client.do(http.MethodPost, "/notes", ownerToken, map[string]string{"content": "Hello"})
	require.Equal(t, http.StatusCreated, created.status, "create body: %s", created.body)
	noteID := created.object(t)["note_id"].(string)

	failing.Store(true)
	updated := client.do(http.MethodPut, "/notes/"+noteID, ownerToken, map[string]string{"content": "Hello, world"})
	require.Equal(t, http.StatusPartialContent, updated.status, "update body: %s", updated.body)
	payload := updated.object(t)
	assert.Equal(t, "Note update successful but saving note versions history failed.", payload["message"])
	assert.Equal(t, "Failed to save note version history.", payload["error"])
	data, ok := payload["data"].(map[string]any)
	require.True(t, ok, "expected data object, got %v", payload["data"])
	assert.Equal(t, noteID, data["id"])
	assert.Equal(t, "Hello, world", data["content"])
	failing.Store(false)

	fetched := client.do(http.MethodGet, "/notes/"+noteID, ownerToken, nil)
	require.Equal(t, http.StatusOK, fetched.status)
	assert.Equal(t, "Hello, world", fetched.object(t)["content"])

	history := client.do(http.MethodGet, "/notes/version-history/"+noteID, ownerToken, nil)
	require.Equal(t, http.StatusOK, history.status)
	assert.Len(t, history.list(t), 1, "only the creation entry was recorded")
}
