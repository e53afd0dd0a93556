// Package identity issues stable user identities and opaque session tokens
// on top of the document store, and tells interested components when the
// authenticated user changes.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"chatgram/internal/docstore"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrUsernameExists     = errors.New("username exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenExpired       = errors.New("token expired")
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{4,20}$`)

const (
	usersCollection       = "users"
	credentialsCollection = "credentials"
	tokensCollection      = "authTokens"
)

type User struct {
	ID          string
	Username    string
	DisplayName string
	AvatarRef   string
}

type Session struct {
	User        User
	Token       string
	ExpiresAtMs int64
}

type Service struct {
	store    *docstore.Store
	logger   *slog.Logger
	tokenTTL time.Duration

	mu        sync.Mutex
	listeners []func(*User)
}

func New(store *docstore.Store, logger *slog.Logger, tokenTTL time.Duration) *Service {
	return &Service{
		store:    store,
		logger:   logger.With("component", "identity"),
		tokenTTL: tokenTTL,
	}
}

// OnAuthChange registers fn to be called with the user on sign-in and with
// nil on sign-out.
func (s *Service) OnAuthChange(fn func(*User)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Service) Register(ctx context.Context, username, password, displayName string) (User, error) {
	if !usernameRegex.MatchString(username) {
		return User{}, fmt.Errorf("%w: username must be 4-20 characters, alphanumeric and underscore only", ErrValidation)
	}
	if len(password) < 8 {
		return User{}, fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}
	if len(displayName) == 0 || len(displayName) > 20 {
		return User{}, fmt.Errorf("%w: displayName must be 1-20 characters", ErrValidation)
	}

	if _, err := s.store.Get(ctx, credentialsCollection+"/"+username); err == nil {
		return User{}, ErrUsernameExists
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: displayName,
	}

	if err := s.store.Set(ctx, credentialsCollection+"/"+username, map[string]any{
		"uid":          user.ID,
		"passwordHash": string(hash),
	}, false); err != nil {
		return User{}, err
	}

	if err := s.store.Set(ctx, usersCollection+"/"+user.ID, map[string]any{
		"uid":         user.ID,
		"username":    username,
		"displayName": displayName,
		"avatarRef":   "",
		"online":      false,
		"lastSeenMs":  int64(0),
	}, false); err != nil {
		return User{}, err
	}

	s.logger.Info("user registered", "userID", user.ID, "username", username)
	return user, nil
}

func (s *Service) SignIn(ctx context.Context, username, password string) (Session, error) {
	cred, err := s.store.Get(ctx, credentialsCollection+"/"+username)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}

	hash, _ := cred.StringField("passwordHash")
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Session{}, ErrInvalidCredentials
	}

	uid, _ := cred.StringField("uid")
	user, err := s.userByID(ctx, uid)
	if err != nil {
		return Session{}, err
	}

	token, err := generateToken()
	if err != nil {
		return Session{}, err
	}

	now := time.Now().UnixMilli()
	expiresAt := now + s.tokenTTL.Milliseconds()
	if err := s.store.Set(ctx, tokensCollection+"/"+token, map[string]any{
		"uid":         user.ID,
		"createdAtMs": now,
		"expiresAtMs": expiresAt,
	}, false); err != nil {
		return Session{}, err
	}

	s.notify(&user)
	return Session{User: user, Token: token, ExpiresAtMs: expiresAt}, nil
}

func (s *Service) Validate(ctx context.Context, token string) (User, error) {
	doc, err := s.store.Get(ctx, tokensCollection+"/"+token)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return User{}, ErrTokenInvalid
		}
		return User{}, err
	}

	expiresAt, _ := doc.Int64Field("expiresAtMs")
	if time.Now().UnixMilli() > expiresAt {
		return User{}, ErrTokenExpired
	}

	uid, ok := doc.StringField("uid")
	if !ok {
		return User{}, ErrTokenInvalid
	}
	return s.userByID(ctx, uid)
}

// ValidateToken is the narrow form used by transport layers that only need
// the user id behind a live token.
func (s *Service) ValidateToken(ctx context.Context, token string) (string, error) {
	user, err := s.Validate(ctx, token)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	if err := s.store.Delete(ctx, tokensCollection+"/"+token); err != nil {
		return err
	}
	s.notify(nil)
	return nil
}

func (s *Service) userByID(ctx context.Context, uid string) (User, error) {
	doc, err := s.store.Get(ctx, usersCollection+"/"+uid)
	if err != nil {
		return User{}, err
	}
	user := User{ID: uid}
	user.Username, _ = doc.StringField("username")
	user.DisplayName, _ = doc.StringField("displayName")
	user.AvatarRef, _ = doc.StringField("avatarRef")
	return user, nil
}

func (s *Service) notify(user *User) {
	s.mu.Lock()
	listeners := make([]func(*User), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(user)
	}
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
