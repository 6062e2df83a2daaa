package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/backend/internal/notes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	messageNoteMissing       = "Note does not exist."
	messageCreateDenied      = "You are not authorized to create notes."
	messageViewDenied        = "You are not authorized to view the note."
	messageEditDenied        = "You are not authorized to edit the note."
	messageDeleteDenied      = "You are not authorized to delete the note."
	messageShareDenied       = "You are not authorized to share this note."
	messageHistoryDenied     = "You are not authorized to view the version history for this note."
	messageShareInvalid      = "Note id and list of User ids are needed for sharing a note"
	messageContentBlank      = "This field may not be blank."
	messageUpdateFailed      = "Note update failed."
	messageUpdateNotPrefix   = "You can only add the new lines after the existing lines."
	messageUpdatePartial     = "Note update successful but saving note versions history failed."
	messageUpdatePartialErr  = "Failed to save note version history."
	messageUnknownUsersFmt   = "Users do not exist for user id(s): %s"
	timestampLayout          = time.RFC3339Nano
	contentField             = "content"
	internalErrorPlaceholder = "internal_error"
)

type createNoteRequest struct {
	Content string `json:"content" validate:"required"`
}

// updateNoteRequest keeps content raw so that only malformed JSON is rejected
// before existence and access are decided.
type updateNoteRequest struct {
	Content json.RawMessage `json:"content"`
}

type shareNoteRequest struct {
	NoteID  string   `json:"note_id"`
	UserIDs []string `json:"user_ids"`
}

type ownerResponse struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

type noteResponse struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type versionEntryResponse struct {
	Note            string `json:"note"`
	PreviousContent string `json:"previous_content"`
	EditedContent   string `json:"edited_content"`
	EditedBy        string `json:"edited_by"`
	EditTimestamp   string `json:"edit_timestamp"`
}

func toNoteResponse(note notes.Note) noteResponse {
	return noteResponse{
		ID:        note.NoteID,
		Content:   note.Content,
		CreatedAt: note.CreatedAt.UTC().Format(timestampLayout),
		UpdatedAt: note.UpdatedAt.UTC().Format(timestampLayout),
	}
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var request createNoteRequest
	if errs := h.validator.bind(c, &request); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": errs})
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	result, err := h.notesService.CreateNote(c.Request.Context(), actor, request.Content)
	if err != nil {
		h.respondServiceError(c, err, messageCreateDenied)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Note creation successful.",
		"note_id": result.Note.NoteID,
		"owner":   ownerResponse{Email: result.Owner.Email, Username: result.Owner.Username},
	})
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	records, err := h.notesService.ListNotes(c.Request.Context(), actor)
	if err != nil {
		h.respondServiceError(c, err, "")
		return
	}
	response := make([]noteResponse, 0, len(records))
	for _, record := range records {
		response = append(response, toNoteResponse(record))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	noteID, actor, ok := h.noteTarget(c)
	if !ok {
		return
	}
	note, err := h.notesService.GetNote(c.Request.Context(), noteID, actor)
	if err != nil {
		h.respondServiceError(c, err, messageViewDenied)
		return
	}
	c.JSON(http.StatusOK, toNoteResponse(note))
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	var request updateNoteRequest
	if errs := h.validator.bind(c, &request); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": errs})
		return
	}
	noteID, actor, ok := h.noteTarget(c)
	if !ok {
		return
	}
	content, isString := decodeContent(request.Content)
	if !isString {
		// Read and append share the same existence and grant rules.
		if _, err := h.notesService.GetNote(c.Request.Context(), noteID, actor); err != nil {
			h.respondServiceError(c, err, messageEditDenied)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"errors": fieldErrors{contentField: "Expected a string."}})
		return
	}

	result, err := h.notesService.AppendContent(c.Request.Context(), noteID, actor, content)
	if err != nil {
		h.respondServiceError(c, err, messageEditDenied)
		return
	}

	data := toNoteResponse(result.Note)
	if !result.HistoryRecorded {
		c.JSON(http.StatusPartialContent, gin.H{
			"message": messageUpdatePartial,
			"error":   messageUpdatePartialErr,
			"data":    data,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Note update successful.", "data": data})
}

// decodeContent reports false when raw holds a JSON value other than a string.
// A missing or null content decodes to the empty string.
func decodeContent(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", true
	}
	var content string
	if err := json.Unmarshal(trimmed, &content); err != nil {
		return "", false
	}
	return content, true
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	noteID, actor, ok := h.noteTarget(c)
	if !ok {
		return
	}
	if err := h.notesService.DeleteNote(c.Request.Context(), noteID, actor); err != nil {
		h.respondServiceError(c, err, messageDeleteDenied)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleShareNote(c *gin.Context) {
	var request shareNoteRequest
	if errs := h.validator.bind(c, &request); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageShareInvalid, "errors": errs})
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	noteID, err := notes.NewNoteID(request.NoteID)
	if err != nil || len(request.UserIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageShareInvalid})
		return
	}

	if err := h.notesService.ShareNote(c.Request.Context(), noteID, actor, request.UserIDs); err != nil {
		if errors.Is(err, notes.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"message": messageShareInvalid})
			return
		}
		h.respondServiceError(c, err, messageShareDenied)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Note share successful."})
}

func (h *httpHandler) handleVersionHistory(c *gin.Context) {
	noteID, actor, ok := h.noteTarget(c)
	if !ok {
		return
	}
	entries, err := h.notesService.VersionHistory(c.Request.Context(), noteID, actor)
	if err != nil {
		h.respondServiceError(c, err, messageHistoryDenied)
		return
	}
	response := make([]versionEntryResponse, 0, len(entries))
	for _, entry := range entries {
		response = append(response, versionEntryResponse{
			Note:            entry.NoteID,
			PreviousContent: entry.PreviousContent,
			EditedContent:   entry.EditedContent,
			EditedBy:        entry.EditorID,
			EditTimestamp:   entry.EditedAt.UTC().Format(timestampLayout),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) actor(c *gin.Context) (notes.UserID, bool) {
	actor, err := notes.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return actor, true
}

// noteTarget resolves the path note id and the authenticated actor. An id that
// cannot be valid cannot exist either, so it is reported as a missing note.
func (h *httpHandler) noteTarget(c *gin.Context) (notes.NoteID, notes.UserID, bool) {
	actor, ok := h.actor(c)
	if !ok {
		return "", "", false
	}
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": messageNoteMissing})
		return "", "", false
	}
	return noteID, actor, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error, deniedMessage string) {
	var unknownUsers *notes.UnknownUsersError
	switch {
	case errors.As(err, &unknownUsers):
		c.JSON(http.StatusNotFound, gin.H{
			"message":          fmt.Sprintf(messageUnknownUsersFmt, strings.Join(unknownUsers.IDs, ", ")),
			"unknown_user_ids": unknownUsers.IDs,
		})
	case errors.Is(err, notes.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": messageNoteMissing})
	case errors.Is(err, notes.ErrNotAuthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"message": deniedMessage})
	case errors.Is(err, notes.ErrForbiddenEdit):
		c.JSON(http.StatusForbidden, gin.H{"message": messageUpdateFailed, "error": messageUpdateNotPrefix})
	case errors.Is(err, notes.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"errors": fieldErrors{contentField: messageContentBlank}})
	default:
		code := internalErrorPlaceholder
		var serviceErr *notes.ServiceError
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		h.logger.Error("note operation failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "note_operation_failed", "code": code})
	}
}
