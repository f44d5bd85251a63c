// Package auth extracts the calling user and tenant into the request context.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

type ctxKey string

const ctxKeyUser ctxKey = "approvals.user"

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

// UserContext identifies the caller of a request.
type UserContext struct {
	UserID   string
	TenantID string
}

// Claims is the JWT payload expected from the identity provider.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// WithUserContext stores uc in ctx.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, ctxKeyUser, uc)
}

// GetUserContext returns the authenticated caller.
func GetUserContext(ctx context.Context) (*UserContext, error) {
	uc, ok := ctx.Value(ctxKeyUser).(*UserContext)
	if !ok || uc == nil {
		return nil, errors.New(errors.ErrCodeUnauthorized, "no authenticated user in context")
	}
	return uc, nil
}

// Middleware authenticates requests. With a secret it requires an HS256
// bearer token whose sub is the user and tenant_id claim is the tenant.
// Without a secret it trusts the X-Tenant-ID / X-User-ID headers, which is
// only suitable behind a gateway that sets them.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				uc  *UserContext
				err error
			)
			if secret != "" {
				uc, err = fromBearer(r, secret)
			} else {
				uc, err = fromHeaders(r)
			}
			if err != nil {
				unauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserContext(r.Context(), uc)))
		})
	}
}

// unauthorized writes the same error envelope as the API handlers.
func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    errors.ErrCodeUnauthorized,
			"message": err.Error(),
		},
	})
}

func fromHeaders(r *http.Request) (*UserContext, error) {
	uc := &UserContext{
		TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
	}
	if uc.TenantID == "" || uc.UserID == "" {
		return nil, fmt.Errorf("missing %s or %s header", HeaderTenantID, HeaderUserID)
	}
	return uc, nil
}

func fromBearer(r *http.Request, secret string) (*UserContext, error) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return nil, fmt.Errorf("missing bearer token")
	}
	raw := strings.TrimSpace(authz[len("bearer "):])

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, fmt.Errorf("token missing sub or tenant_id")
	}
	return &UserContext{UserID: claims.Subject, TenantID: claims.TenantID}, nil
}

// SignToken issues an HS256 token for uc. Used by tooling and tests.
func SignToken(secret string, uc UserContext) (string, error) {
	claims := &Claims{
		TenantID:         uc.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: uc.UserID},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
