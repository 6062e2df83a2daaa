package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/inkwell/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type signupRequest struct {
	Email           string `json:"email" validate:"required,email,max=255"`
	Username        string `json:"username" validate:"required,max=150"`
	Password        string `json:"password" validate:"required,max=72"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

type loginResponse struct {
	Message   string       `json:"message"`
	User      userResponse `json:"user"`
	Token     string       `json:"token"`
	ExpiresIn int64        `json:"expires_in"`
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	var request signupRequest
	if errs := h.validator.bind(c, &request); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": errs})
		return
	}

	user, err := h.identities.Signup(c.Request.Context(), users.SignupRequest{
		Email:    request.Email,
		Username: request.Username,
		Password: request.Password,
	})
	switch {
	case err == nil:
	case errors.Is(err, users.ErrEmailTaken):
		c.JSON(http.StatusBadRequest, gin.H{"errors": fieldErrors{"email": "A user with this email already exists."}})
		return
	case errors.Is(err, users.ErrInvalidSignup):
		c.JSON(http.StatusBadRequest, gin.H{"errors": fieldErrors{"non_field_errors": err.Error()}})
		return
	default:
		h.logger.Error("signup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup_failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "User signup successful.", "user_id": user.UserID})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequest
	if errs := h.validator.bind(c, &request); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": errs})
		return
	}

	user, err := h.identities.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "User login failed", "errors": "Email or Password is not valid."})
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), user.UserID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponse{
		Message:   "User login successful.",
		User:      userResponse{ID: user.UserID, Email: user.Email, Username: user.Username},
		Token:     token,
		ExpiresIn: expiresIn,
	})
}
