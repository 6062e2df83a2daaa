package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/inkwell/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "inkwell_user_id"
	accessTokenQueryKey = "access_token"
)

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingIdentityService = errors.New("identity service dependency required")
	errMissingNotesService    = errors.New("notes service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// IdentityService registers users and checks credentials.
type IdentityService interface {
	Signup(ctx context.Context, request users.SignupRequest) (users.User, error)
	Authenticate(ctx context.Context, email, password string) (users.User, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenManager           TokenManager
	Identities             IdentityService
	NotesService           *notes.Service
	Realtime               *RealtimeDispatcher
	Logger                 *zap.Logger
	AllowedOrigins         []string
	AuthRateLimitPerMinute int
}

// NewHTTPHandler builds the gin router serving the public API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Identities == nil {
		return nil, errMissingIdentityService
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(requestMetrics())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		tokens:       deps.TokenManager,
		identities:   deps.Identities,
		notesService: deps.NotesService,
		realtime:     realtime,
		validator:    newRequestValidator(),
		logger:       logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authRoutes := router.Group("/")
	if limiter := newClientRateLimiter(deps.AuthRateLimitPerMinute); limiter != nil {
		authRoutes.Use(limiter.middleware())
	}
	authRoutes.POST("/signup", handler.handleSignup)
	authRoutes.POST("/login", handler.handleLogin)

	router.GET("/notes/events", handler.authorizeStream, handler.handleNoteEvents)

	protected := router.Group("/notes")
	protected.Use(handler.authorizeRequest)
	protected.GET("", handler.handleListNotes)
	protected.POST("", handler.handleCreateNote)
	protected.POST("/share", handler.handleShareNote)
	protected.GET("/version-history/:id", handler.handleVersionHistory)
	protected.GET("/:id", handler.handleGetNote)
	protected.PUT("/:id", handler.handleUpdateNote)
	protected.DELETE("/:id", handler.handleDeleteNote)

	return router, nil
}

type httpHandler struct {
	tokens       TokenManager
	identities   IdentityService
	notesService *notes.Service
	realtime     *RealtimeDispatcher
	validator    *requestValidator
	logger       *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	h.authorize(c, false)
}

// authorizeStream also accepts the token as a query parameter, since EventSource
// clients cannot set headers.
func (h *httpHandler) authorizeStream(c *gin.Context) {
	h.authorize(c, true)
}

func (h *httpHandler) authorize(c *gin.Context, allowQuery bool) {
	token, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok && allowQuery {
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
		ok = token != ""
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// bearerToken accepts both "Bearer <token>" and "Token <token>" schemes.
func bearerToken(header string) (string, bool) {
	for _, scheme := range []string{"Bearer ", "Token "} {
		if strings.HasPrefix(header, scheme) {
			token := strings.TrimSpace(strings.TrimPrefix(header, scheme))
			return token, token != ""
		}
	}
	return "", false
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		userID := c.GetString(userIDContextKey)
		if userID == "" {
			userID = "anonymous"
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_id", userID))
	}
}
