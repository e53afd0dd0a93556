package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatgram/internal/docstore"
	"chatgram/internal/identity"
	"chatgram/internal/ws"
)

func newTestHandler(t *testing.T) (http.Handler, *docstore.Store) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	store, err := docstore.Open(context.Background(), "sqlite::memory:", logger)
	if err != nil {
		t.Fatalf("docstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ids := identity.New(store, logger, 7*24*time.Hour)
	gateway := ws.NewGateway(logger, ids, store)
	t.Cleanup(gateway.CloseAll)

	return NewHandler(logger, store, ids, gateway), store
}

func TestHealthz(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestReadyz(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestMetricsExposed(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), "chatgram_docstore_snapshots_total") {
		t.Fatalf("metrics output missing docstore counters")
	}
}

func TestAuthFlow_RegisterLoginMeLogout(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := srv.Client()

	registerRes, err := client.Post(srv.URL+"/v1/auth/register", "application/json",
		strings.NewReader(`{"username":"alice_01","password":"Secret123","displayName":"Alice"}`))
	if err != nil {
		t.Fatalf("POST /v1/auth/register error = %v", err)
	}
	defer registerRes.Body.Close()
	if registerRes.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want %d", registerRes.StatusCode, http.StatusOK)
	}

	var registerBody struct {
		User struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"user"`
	}
	if err := json.NewDecoder(registerRes.Body).Decode(&registerBody); err != nil {
		t.Fatalf("decode register response error = %v", err)
	}
	if registerBody.User.ID == "" || registerBody.User.Username != "alice_01" {
		t.Fatalf("register user = %+v", registerBody.User)
	}

	loginRes, err := client.Post(srv.URL+"/v1/auth/login", "application/json",
		strings.NewReader(`{"username":"alice_01","password":"Secret123"}`))
	if err != nil {
		t.Fatalf("POST /v1/auth/login error = %v", err)
	}
	defer loginRes.Body.Close()
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want %d", loginRes.StatusCode, http.StatusOK)
	}

	var loginBody struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	if err := json.NewDecoder(loginRes.Body).Decode(&loginBody); err != nil {
		t.Fatalf("decode login response error = %v", err)
	}
	if loginBody.Token == "" || loginBody.ExpiresAt <= time.Now().UnixMilli() {
		t.Fatalf("login body = %+v", loginBody)
	}

	meReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/auth/me", nil)
	meReq.Header.Set("Authorization", "Bearer "+loginBody.Token)
	meRes, err := client.Do(meReq)
	if err != nil {
		t.Fatalf("GET /v1/auth/me error = %v", err)
	}
	defer meRes.Body.Close()
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d, want %d", meRes.StatusCode, http.StatusOK)
	}

	var meBody struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.NewDecoder(meRes.Body).Decode(&meBody); err != nil {
		t.Fatalf("decode me response error = %v", err)
	}
	if meBody.User.ID != registerBody.User.ID {
		t.Fatalf("me user.id = %q, want %q", meBody.User.ID, registerBody.User.ID)
	}

	logoutReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/auth/logout", nil)
	logoutReq.Header.Set("Authorization", "Bearer "+loginBody.Token)
	logoutRes, err := client.Do(logoutReq)
	if err != nil {
		t.Fatalf("POST /v1/auth/logout error = %v", err)
	}
	defer logoutRes.Body.Close()
	if logoutRes.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d, want %d", logoutRes.StatusCode, http.StatusOK)
	}

	meRes2, err := client.Do(meReq.Clone(context.Background()))
	if err != nil {
		t.Fatalf("GET /v1/auth/me (2nd) error = %v", err)
	}
	defer meRes2.Body.Close()
	if meRes2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me status after logout = %d, want %d", meRes2.StatusCode, http.StatusUnauthorized)
	}
}

func TestRegister_Validation(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := srv.Client()

	cases := []struct {
		name string
		body string
		want int
	}{
		{"short username", `{"username":"ab","password":"Secret123","displayName":"A"}`, http.StatusBadRequest},
		{"short password", `{"username":"alice_01","password":"short","displayName":"A"}`, http.StatusBadRequest},
		{"empty display name", `{"username":"alice_01","password":"Secret123","displayName":""}`, http.StatusBadRequest},
		{"bad json", `{"username":`, http.StatusBadRequest},
	}

	for _, tc := range cases {
		res, err := client.Post(srv.URL+"/v1/auth/register", "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: POST error = %v", tc.name, err)
		}
		res.Body.Close()
		if res.StatusCode != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, res.StatusCode, tc.want)
		}
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := srv.Client()
	body := `{"username":"alice_01","password":"Secret123","displayName":"Alice"}`

	res, err := client.Post(srv.URL+"/v1/auth/register", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first register status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	res, err = client.Post(srv.URL+"/v1/auth/register", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second register status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	var errBody struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error response error = %v", err)
	}
	if errBody.Error.Code != string(ErrCodeUsernameExists) {
		t.Fatalf("error code = %q, want %q", errBody.Error.Code, ErrCodeUsernameExists)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := srv.Client()

	res, err := client.Post(srv.URL+"/v1/auth/register", "application/json",
		strings.NewReader(`{"username":"alice_01","password":"Secret123","displayName":"Alice"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	res.Body.Close()

	res, err = client.Post(srv.URL+"/v1/auth/login", "application/json",
		strings.NewReader(`{"username":"alice_01","password":"WrongPass1"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("login status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}
