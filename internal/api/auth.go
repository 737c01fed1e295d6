package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/config"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Operator roles
const (
	RoleAdmin    = "admin"
	RoleDeployer = "deployer"
	RoleApprover = "approver"
)

const (
	apiKeyPrefix = "rg_"
	tokenIssuer  = "release-gate"
)

// Context keys for auth
type contextKey string

const (
	OperatorContextKey contextKey = "operator"
	ClaimsContextKey   contextKey = "claims"
)

// OperatorStore persists operator accounts and API keys
type OperatorStore interface {
	CreateOperator(ctx context.Context, op *state.Operator) error
	GetOperator(ctx context.Context, id string) (*state.Operator, error)
	GetOperatorByUsername(ctx context.Context, username string) (*state.Operator, error)
	CreateAPIKey(ctx context.Context, key *state.APIKey) error
	FindAPIKey(ctx context.Context, keyHash string, now time.Time) (*state.APIKey, error)
	ListAPIKeys(ctx context.Context, operatorID string) ([]state.APIKey, error)
	RevokeAPIKey(ctx context.Context, operatorID, id string) error
}

// JWTClaims represents the claims in a JWT token
type JWTClaims struct {
	OperatorID string `json:"operator_id"`
	Username   string `json:"username"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	store     OperatorStore
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(store OperatorStore, cfg config.AuthConfig) *AuthHandler {
	expiry := time.Duration(cfg.JWTExpirationHours) * time.Hour
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &AuthHandler{
		store:     store,
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: expiry,
	}
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateOperatorRequest represents a request to add an operator
type CreateOperatorRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// AuthResponse represents a successful authentication response
type AuthResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
	Operator  OperatorResponse `json:"operator"`
}

// OperatorResponse represents operator info in API responses
type OperatorResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKeyResponse represents an API key in API responses
type APIKeyResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyPrefix string     `json:"key_prefix"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateAPIKeyRequest represents a request to create an API key
type CreateAPIKeyRequest struct {
	Name      string `json:"name"`
	ExpiresIn *int   `json:"expires_in_days,omitempty"`
}

// CreateAPIKeyResponse includes the full key (only shown once)
type CreateAPIKeyResponse struct {
	APIKey string         `json:"api_key"`
	Key    APIKeyResponse `json:"key"`
}

// CreateOperator validates and stores a new operator with a bcrypt password hash
func CreateOperator(ctx context.Context, store OperatorStore, username, password, role string) (*state.Operator, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	if len(password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}
	if role == "" {
		role = RoleDeployer
	}
	switch role {
	case RoleAdmin, RoleDeployer, RoleApprover:
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	op := &state.Operator{
		Username:     username,
		PasswordHash: string(hashed),
		Role:         role,
		Active:       true,
	}
	if err := store.CreateOperator(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// CreateOperator handles POST /api/v1/auth/operators
func (h *AuthHandler) CreateOperator(w http.ResponseWriter, r *http.Request) {
	var req CreateOperatorRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	op, err := CreateOperator(r.Context(), h.store, req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, state.ErrDuplicate) {
			RespondWithError(w, http.StatusConflict, "Operator already exists")
			return
		}
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondWithJSON(w, http.StatusCreated, operatorToResponse(op))
}

// Login handles POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		RespondWithError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	op, err := h.store.GetOperatorByUsername(r.Context(), req.Username)
	if err != nil {
		RespondWithError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if !op.Active {
		RespondWithError(w, http.StatusUnauthorized, "Account is disabled")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		RespondWithError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, expiresAt, err := h.generateToken(op)
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate token")
		RespondWithError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	RespondWithJSON(w, http.StatusOK, AuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Operator:  operatorToResponse(op),
	})
}

// GetCurrentOperator handles GET /api/v1/auth/me
func (h *AuthHandler) GetCurrentOperator(w http.ResponseWriter, r *http.Request) {
	op, ok := currentOperator(w, r)
	if !ok {
		return
	}

	RespondWithJSON(w, http.StatusOK, operatorToResponse(op))
}

// CreateAPIKey handles POST /api/v1/auth/api-keys
func (h *AuthHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	op, ok := currentOperator(w, r)
	if !ok {
		return
	}

	var req CreateAPIKeyRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		RespondWithError(w, http.StatusBadRequest, "Name is required")
		return
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Error().Err(err).Msg("Failed to generate API key")
		RespondWithError(w, http.StatusInternalServerError, "Failed to create API key")
		return
	}
	rawKey := apiKeyPrefix + hex.EncodeToString(secret)

	var expiresAt *time.Time
	if req.ExpiresIn != nil && *req.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(*req.ExpiresIn) * 24 * time.Hour)
		expiresAt = &exp
	}

	key := &state.APIKey{
		OperatorID: op.ID,
		Name:       req.Name,
		KeyHash:    hashAPIKey(rawKey),
		KeyPrefix:  rawKey[:len(apiKeyPrefix)+8],
		ExpiresAt:  expiresAt,
		Active:     true,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		log.Error().Err(err).Msg("Failed to create API key")
		RespondWithError(w, http.StatusInternalServerError, "Failed to create API key")
		return
	}

	RespondWithJSON(w, http.StatusCreated, CreateAPIKeyResponse{
		APIKey: rawKey,
		Key:    apiKeyToResponse(key),
	})
}

// ListAPIKeys handles GET /api/v1/auth/api-keys
func (h *AuthHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	op, ok := currentOperator(w, r)
	if !ok {
		return
	}

	keys, err := h.store.ListAPIKeys(r.Context(), op.ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list API keys")
		RespondWithError(w, http.StatusInternalServerError, "Failed to list API keys")
		return
	}

	responses := make([]APIKeyResponse, len(keys))
	for i := range keys {
		responses[i] = apiKeyToResponse(&keys[i])
	}
	RespondWithJSON(w, http.StatusOK, responses)
}

// RevokeAPIKey handles DELETE /api/v1/auth/api-keys/{id}
func (h *AuthHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	op, ok := currentOperator(w, r)
	if !ok {
		return
	}

	if err := h.store.RevokeAPIKey(r.Context(), op.ID, chi.URLParam(r, "id")); err != nil {
		RespondWithDomainError(w, err, "Failed to revoke API key")
		return
	}

	RespondWithSuccess(w, http.StatusOK, "API key revoked", nil)
}

// generateToken creates a new JWT token for an operator
func (h *AuthHandler) generateToken(op *state.Operator) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(h.jwtExpiry)

	claims := JWTClaims{
		OperatorID: op.ID,
		Username:   op.Username,
		Role:       op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   op.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(h.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signedToken, expiresAt, nil
}

// JWTAuthMiddleware authenticates requests with a bearer token or an API key.
// It passes every request through when auth is disabled.
func JWTAuthMiddleware(store OperatorStore, cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx, reject, err := authenticate(r.Context(), store, cfg.JWTSecret, r.Header.Get("Authorization"))
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
				RespondWithError(w, http.StatusUnauthorized, reject)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticate resolves an Authorization header to an operator and returns a
// context carrying it. On failure it also returns the message for the client.
func authenticate(ctx context.Context, store OperatorStore, secret, header string) (context.Context, string, error) {
	if header == "" {
		return nil, "Authorization header required", errors.New("missing authorization header")
	}
	scheme, credential, _ := strings.Cut(header, " ")

	switch scheme {
	case "Bearer":
		op, claims, err := validateJWT(ctx, store, credential, secret)
		if err != nil {
			return nil, "Invalid token", err
		}
		ctx = context.WithValue(ctx, ClaimsContextKey, claims)
		return context.WithValue(ctx, OperatorContextKey, op), "", nil
	case "ApiKey":
		op, err := validateAPIKey(ctx, store, credential)
		if err != nil {
			return nil, "Invalid API key", err
		}
		return context.WithValue(ctx, OperatorContextKey, op), "", nil
	default:
		return nil, "Invalid authorization format", fmt.Errorf("unsupported scheme %q", scheme)
	}
}

// RequireRole rejects authenticated operators outside roles. Admins always pass.
// It is a no-op when auth is disabled.
func RequireRole(cfg config.AuthConfig, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			op, ok := currentOperator(w, r)
			if !ok {
				return
			}
			if op.Role == RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range roles {
				if op.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			RespondWithError(w, http.StatusForbidden, fmt.Sprintf("Role %s may not perform this action", op.Role))
		})
	}
}

// validateJWT validates a JWT token and returns the associated operator
func validateJWT(ctx context.Context, store OperatorStore, tokenString string, secret string) (*state.Operator, *JWTClaims, error) {
	claims := new(JWTClaims)
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, nil, err
	}

	op, err := activeOperator(ctx, store, claims.OperatorID)
	if err != nil {
		return nil, nil, err
	}
	return op, claims, nil
}

// validateAPIKey validates an API key and returns the associated operator
func validateAPIKey(ctx context.Context, store OperatorStore, rawKey string) (*state.Operator, error) {
	now := time.Now()
	key, err := store.FindAPIKey(ctx, hashAPIKey(rawKey), now)
	if err != nil {
		return nil, errors.New("API key not found")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		return nil, errors.New("API key expired")
	}

	return activeOperator(ctx, store, key.OperatorID)
}

func activeOperator(ctx context.Context, store OperatorStore, id string) (*state.Operator, error) {
	op, err := store.GetOperator(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("operator %s: %w", id, err)
	}
	if !op.Active {
		return nil, fmt.Errorf("operator %s is disabled", op.Username)
	}
	return op, nil
}

func hashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// GetOperatorFromContext retrieves the authenticated operator from the request context
func GetOperatorFromContext(ctx context.Context) *state.Operator {
	op, ok := ctx.Value(OperatorContextKey).(*state.Operator)
	if !ok {
		return nil
	}
	return op
}

// GetClaimsFromContext retrieves the JWT claims from the request context
func GetClaimsFromContext(ctx context.Context) *JWTClaims {
	claims, ok := ctx.Value(ClaimsContextKey).(*JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// currentOperator writes a 401 and reports false when no operator is attached
// to the request
func currentOperator(w http.ResponseWriter, r *http.Request) (*state.Operator, bool) {
	op := GetOperatorFromContext(r.Context())
	if op == nil {
		RespondWithError(w, http.StatusUnauthorized, "Not authenticated")
		return nil, false
	}
	return op, true
}

// identity returns the authenticated operator's username, or fallback when
// the request is unauthenticated
func identity(r *http.Request, fallback string) string {
	if op := GetOperatorFromContext(r.Context()); op != nil {
		return op.Username
	}
	return fallback
}
