package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"log/slog"

	"chatgram/internal/identity"
)

type v1API struct {
	logger *slog.Logger
	ids    *identity.Service
}

func newV1API(logger *slog.Logger, ids *identity.Service) *v1API {
	return &v1API{
		logger: logger.With("component", "v1"),
		ids:    ids,
	}
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeAPIError(w http.ResponseWriter, code ErrorCode, message string) {
	writeJSON(w, httpStatusForCode(code), apiErrorEnvelope{
		Error: apiError{
			Code:    string(code),
			Message: message,
		},
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected extra JSON input")
	}
	return nil
}

type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userItem struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

type authResponse struct {
	User      userItem `json:"user"`
	Token     string   `json:"token,omitempty"`
	ExpiresAt int64    `json:"expiresAt,omitempty"`
}

type meResponse struct {
	User userItem `json:"user"`
}

type logoutResponse struct {
	Success bool `json:"success"`
}

func (api *v1API) handleAuth(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/auth/")
	switch rest {
	case "register":
		if r.Method != http.MethodPost {
			writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
			return
		}
		api.handleRegister(w, r)
	case "login":
		if r.Method != http.MethodPost {
			writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
			return
		}
		api.handleLogin(w, r)
	case "logout":
		if r.Method != http.MethodPost {
			writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
			return
		}
		api.handleLogout(w, r)
	case "me":
		if r.Method != http.MethodGet {
			writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
			return
		}
		api.handleMe(w, r)
	default:
		writeAPIError(w, ErrCodeNotFound, "not found")
	}
}

func (api *v1API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.DisplayName = strings.TrimSpace(req.DisplayName)

	user, err := api.ids.Register(r.Context(), req.Username, req.Password, req.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrValidation):
			writeAPIError(w, ErrCodeValidation, err.Error())
		case errors.Is(err, identity.ErrUsernameExists):
			writeAPIError(w, ErrCodeUsernameExists, "username already exists")
		default:
			api.logger.Error("register failed", "error", err)
			writeAPIError(w, ErrCodeInternal, "internal error")
		}
		return
	}

	// Registration does not sign the user in; a fresh login mints the
	// first token.
	writeJSON(w, http.StatusOK, authResponse{User: wireUser(user)})
}

func (api *v1API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeAPIError(w, ErrCodeValidation, "username and password are required")
		return
	}

	session, err := api.ids.SignIn(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeAPIError(w, ErrCodeInvalidCredentials, "invalid username or password")
			return
		}
		api.logger.Error("login failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		User:      wireUser(session.User),
		Token:     session.Token,
		ExpiresAt: session.ExpiresAtMs,
	})
}

func (api *v1API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		writeAPIError(w, ErrCodeTokenInvalid, "token required")
		return
	}

	if err := api.ids.SignOut(r.Context(), token); err != nil {
		api.logger.Warn("logout failed", "error", err)
	}
	writeJSON(w, http.StatusOK, logoutResponse{Success: true})
}

func (api *v1API) handleMe(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		writeAPIError(w, ErrCodeTokenInvalid, "authentication required")
		return
	}

	user, err := api.ids.Validate(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrTokenExpired):
			writeAPIError(w, ErrCodeTokenExpired, "token expired")
		case errors.Is(err, identity.ErrTokenInvalid):
			writeAPIError(w, ErrCodeTokenInvalid, "invalid token")
		default:
			api.logger.Error("validate failed", "error", err)
			writeAPIError(w, ErrCodeInternal, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, meResponse{User: wireUser(user)})
}

func wireUser(u identity.User) userItem {
	return userItem{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarRef:   u.AvatarRef,
	}
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return ""
}
