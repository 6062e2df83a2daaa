package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/backend/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidSignup indicates that a signup request is missing required fields.
	ErrInvalidSignup = errors.New("users: invalid signup")
	// ErrEmailTaken indicates that the email already belongs to a user.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrInvalidCredentials indicates an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
)

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// ServiceConfig describes the dependencies required for identity management.
type ServiceConfig struct {
	Database   *gorm.DB
	Hasher     PasswordHasher
	IDProvider notes.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service registers users, verifies credentials and resolves user identifiers.
type Service struct {
	db         *gorm.DB
	hasher     PasswordHasher
	idProvider notes.IDProvider
	now        func() time.Time
	logger     *zap.Logger
	cache      sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.Hasher == nil {
		return nil, fmt.Errorf("users: password hasher required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = notes.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		hasher:     cfg.Hasher,
		idProvider: idProvider,
		now:        clock,
		logger:     logger,
	}, nil
}

// Signup registers a new user. The email must not already be registered.
func (s *Service) Signup(ctx context.Context, request SignupRequest) (User, error) {
	email := normalizeEmail(request.Email)
	username := normalize(request.Username)
	if email == "" || username == "" || request.Password == "" {
		return User{}, ErrInvalidSignup
	}

	taken, err := s.emailExists(ctx, email)
	if err != nil {
		return User{}, err
	}
	if taken {
		return User{}, ErrEmailTaken
	}

	hash, err := s.hasher.Hash(request.Password)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidSignup, err)
	}
	userID, err := s.idProvider.NewID()
	if err != nil {
		return User{}, err
	}

	now := s.now().UTC()
	user := User{
		UserID:       userID,
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, ErrEmailTaken
		}
		s.logger.Error("user insert failed", zap.String("email", email), zap.Error(err))
		return User{}, err
	}
	s.cache.Store(user.UserID, summaryOf(user))
	s.logger.Info("user registered", zap.String("user_id", user.UserID))
	return user, nil
}

// Authenticate returns the user owning email when password matches.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	normalized := normalizeEmail(email)
	if normalized == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", normalized).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// LookupUsers resolves identifiers to summaries. Unknown identifiers are absent from the result.
func (s *Service) LookupUsers(ctx context.Context, userIDs []string) (map[string]notes.UserSummary, error) {
	resolved := make(map[string]notes.UserSummary, len(userIDs))
	missing := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		if cached, ok := s.cache.Load(userID); ok {
			if summary, ok := cached.(notes.UserSummary); ok {
				resolved[userID] = summary
				continue
			}
		}
		missing = append(missing, userID)
	}
	if len(missing) == 0 {
		return resolved, nil
	}

	var found []User
	if err := s.db.WithContext(ctx).Where("user_id IN ?", missing).Find(&found).Error; err != nil {
		return nil, err
	}
	for _, user := range found {
		summary := summaryOf(user)
		s.cache.Store(user.UserID, summary)
		resolved[user.UserID] = summary
	}
	return resolved, nil
}

func (s *Service) emailExists(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func summaryOf(user User) notes.UserSummary {
	return notes.UserSummary{
		UserID:   user.UserID,
		Email:    user.Email,
		Username: user.Username,
	}
}
