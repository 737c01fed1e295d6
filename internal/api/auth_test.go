package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/config"
	"github.com/alvesdmateus/release-gate/pkg/database"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAuthConfig = config.AuthConfig{
	Enabled:            true,
	JWTSecret:          "test-secret-key-for-testing",
	JWTExpirationHours: 24,
}

func setupAuthStore(t *testing.T) *state.Repository {
	t.Helper()
	db, err := database.New(database.Config{Driver: database.DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, state.AutoMigrate(db))
	t.Cleanup(func() { database.Close(db) })
	return state.NewRepository(db)
}

func seedOperator(t *testing.T, store *state.Repository, username, role string) *state.Operator {
	t.Helper()
	op, err := CreateOperator(context.Background(), store, username, "password123", role)
	require.NoError(t, err)
	return op
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func login(t *testing.T, h *AuthHandler, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", jsonBody(t, LoginRequest{Username: username, Password: password}))
	rec := httptest.NewRecorder()
	h.Login(rec, req)
	return rec
}

func TestCreateOperator(t *testing.T) {
	store := setupAuthStore(t)
	ctx := context.Background()

	op, err := CreateOperator(ctx, store, "alice", "password123", "")
	require.NoError(t, err)
	assert.Equal(t, RoleDeployer, op.Role)
	assert.True(t, op.Active)
	assert.NotEqual(t, "password123", op.PasswordHash)

	_, err = CreateOperator(ctx, store, "alice", "password123", RoleApprover)
	assert.ErrorIs(t, err, state.ErrDuplicate)

	_, err = CreateOperator(ctx, store, "bob", "short", "")
	assert.Error(t, err)

	_, err = CreateOperator(ctx, store, "carol", "password123", "superuser")
	assert.Error(t, err)
}

func TestCreateOperatorHandler(t *testing.T) {
	store := setupAuthStore(t)
	h := NewAuthHandler(store, testAuthConfig)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/operators",
		jsonBody(t, CreateOperatorRequest{Username: "dana", Password: "password123", Role: RoleApprover}))
	rec := httptest.NewRecorder()
	h.CreateOperator(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp OperatorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "dana", resp.Username)
	assert.Equal(t, RoleApprover, resp.Role)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/operators",
		jsonBody(t, CreateOperatorRequest{Username: "dana", Password: "password123"}))
	rec = httptest.NewRecorder()
	h.CreateOperator(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLogin(t *testing.T) {
	store := setupAuthStore(t)
	h := NewAuthHandler(store, testAuthConfig)
	seedOperator(t, store, "alice", RoleDeployer)

	t.Run("successful login", func(t *testing.T) {
		rec := login(t, h, "alice", "password123")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp AuthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, "alice", resp.Operator.Username)
	})

	t.Run("wrong password", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, login(t, h, "alice", "wrong-password").Code)
	})

	t.Run("unknown operator", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, login(t, h, "nobody", "password123").Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, login(t, h, "", "").Code)
	})
}

func TestJWTAuthMiddleware(t *testing.T) {
	store := setupAuthStore(t)
	h := NewAuthHandler(store, testAuthConfig)
	seedOperator(t, store, "alice", RoleDeployer)

	var resp AuthResponse
	require.NoError(t, json.Unmarshal(login(t, h, "alice", "password123").Body.Bytes(), &resp))

	var seen string
	protected := JWTAuthMiddleware(store, testAuthConfig)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = identity(r, "anonymous")
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid token", header: "Bearer " + resp.Token, status: http.StatusOK},
		{name: "missing header", header: "", status: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer not-a-token", status: http.StatusUnauthorized},
		{name: "unknown scheme", header: "Basic abc", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "alice", seen)
			}
		})
	}

	t.Run("disabled auth passes through", func(t *testing.T) {
		open := JWTAuthMiddleware(store, config.AuthConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = identity(r, "anonymous")
			w.WriteHeader(http.StatusOK)
		}))
		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "anonymous", seen)
	})
}

func TestAuthenticate(t *testing.T) {
	store := setupAuthStore(t)
	op := seedOperator(t, store, "bob", RoleApprover)
	h := NewAuthHandler(store, testAuthConfig)
	token, _, err := h.generateToken(op)
	require.NoError(t, err)

	ctx, _, err := authenticate(context.Background(), store, testAuthConfig.JWTSecret, "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, op.ID, GetOperatorFromContext(ctx).ID)
	require.NotNil(t, GetClaimsFromContext(ctx))
	assert.Equal(t, RoleApprover, GetClaimsFromContext(ctx).Role)

	forged, _, err := NewAuthHandler(store, config.AuthConfig{JWTSecret: "other-secret"}).generateToken(op)
	require.NoError(t, err)

	rejects := map[string]string{
		"":                  "Authorization header required",
		"Bearer " + forged:  "Invalid token",
		"ApiKey rg_unknown": "Invalid API key",
		"Token abc":         "Invalid authorization format",
	}
	for header, want := range rejects {
		_, msg, err := authenticate(context.Background(), store, testAuthConfig.JWTSecret, header)
		assert.Error(t, err, header)
		assert.Equal(t, want, msg, header)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	store := setupAuthStore(t)
	h := NewAuthHandler(store, testAuthConfig)
	op := seedOperator(t, store, "ci-bot", RoleDeployer)

	r := chi.NewRouter()
	r.Use(JWTAuthMiddleware(store, testAuthConfig))
	r.Get("/me", h.GetCurrentOperator)
	r.Delete("/api-keys/{id}", h.RevokeAPIKey)

	ctx := context.WithValue(context.Background(), OperatorContextKey, op)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/api-keys", jsonBody(t, CreateAPIKeyRequest{Name: "pipeline"})).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.CreateAPIKey(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created CreateAPIKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Contains(t, created.APIKey, apiKeyPrefix)
	assert.Equal(t, created.APIKey[:len(apiKeyPrefix)+8], created.Key.KeyPrefix)

	call := func(method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "ApiKey "+created.APIKey)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/me"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/api-keys", nil).WithContext(ctx)
	rec = httptest.NewRecorder()
	h.ListAPIKeys(rec, req)
	var keys []APIKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsed)

	assert.Equal(t, http.StatusOK, call(http.MethodDelete, "/api-keys/"+created.Key.ID))
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/me"))
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(testAuthConfig, RoleApprover)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		op     *state.Operator
		status int
	}{
		{name: "matching role", op: &state.Operator{Username: "erin", Role: RoleApprover}, status: http.StatusOK},
		{name: "admin always passes", op: &state.Operator{Username: "root", Role: RoleAdmin}, status: http.StatusOK},
		{name: "other role is forbidden", op: &state.Operator{Username: "alice", Role: RoleDeployer}, status: http.StatusForbidden},
		{name: "unauthenticated", op: nil, status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/x/approve", nil)
			if tt.op != nil {
				req = req.WithContext(context.WithValue(req.Context(), OperatorContextKey, tt.op))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	open := RequireRole(config.AuthConfig{}, RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
