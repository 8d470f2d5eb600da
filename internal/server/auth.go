package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"villagebrain/internal/apperr"
	"villagebrain/internal/domain"
	"villagebrain/internal/engine"
	"villagebrain/internal/identity"
	"villagebrain/internal/rank"
)

type callerKey struct{}

func withCaller(ctx context.Context, c identity.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFromContext(ctx context.Context) (identity.Caller, error) {
	c, ok := ctx.Value(callerKey{}).(identity.Caller)
	if !ok || c.ID == "" {
		return identity.Caller{}, apperr.Unauthenticated("authentication required")
	}
	return c, nil
}

// newAuthMiddleware resolves the bearer credential on every API request.
// Health, docs, and the register/login routes stay public.
func newAuthMiddleware(basePath string, auth *identity.Authenticator) func(http.Handler) http.Handler {
	public := map[string]bool{
		"/docs":                            true,
		apiPath(basePath, "health"):        true,
		apiPath(basePath, "openapi.json"):  true,
		apiPath(basePath, "auth/register"): true,
		apiPath(basePath, "auth/login"):    true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if public[req.URL.Path] || !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, handleError(apperr.Unauthenticated("authentication required")))
				return
			}
			token, ok := identity.BearerToken(authz)
			if !ok {
				respondStatusError(w, handleError(apperr.Unauthenticated("malformed authorization header")))
				return
			}
			caller, err := auth.Resolve(token)
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			next.ServeHTTP(w, req.WithContext(withCaller(req.Context(), caller)))
		})
	}
}

func apiPath(basePath, p string) string {
	full := path.Join(basePath, p)
	if !strings.HasPrefix(full, "/") {
		full = "/" + full
	}
	return full
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func registerAuth(api huma.API, e engine.Engine, auth *identity.Authenticator) {
	ninjaRanks := rank.NinjaRanks()

	huma.Register(api, huma.Operation{
		OperationID:   "register-ninja",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register a ninja",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body AuthResponse `json:"body"`
	}, error) {
		username := strings.TrimSpace(input.Body.Username)
		if username == "" || input.Body.Password == "" {
			return nil, handleError(apperr.Validation("username and password are required"))
		}
		hash, err := identity.HashPassword(input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		// Unknown ranks fall back to the entry rank instead of failing.
		r := input.Body.Rank
		if !ninjaRanks.Contains(r) {
			r = ninjaRanks.Lowest()
		}
		n := domain.Ninja{
			ID:           uuid.NewString(),
			Username:     username,
			PasswordHash: hash,
			Rank:         r,
			AvatarURL:    identity.AvatarURL(username),
			CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Store.CreateNinja(ctx, n); err != nil {
			return nil, handleError(err)
		}
		token, err := auth.Mint(identity.Caller{ID: n.ID, Username: n.Username, Rank: n.Rank})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuthResponse `json:"body"`
		}{Body: AuthResponse{Token: token, Ninja: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body AuthResponse `json:"body"`
	}, error) {
		if input.Body.Username == "" || input.Body.Password == "" {
			return nil, handleError(apperr.Validation("username and password are required"))
		}
		n, err := e.Store.GetNinjaByUsername(ctx, input.Body.Username)
		if err != nil {
			// Do not leak whether the username exists.
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, handleError(apperr.Unauthenticated("invalid credentials"))
			}
			return nil, handleError(err)
		}
		if err := identity.VerifyPassword(n.PasswordHash, input.Body.Password); err != nil {
			return nil, handleError(err)
		}
		token, err := auth.Mint(identity.Caller{ID: n.ID, Username: n.Username, Rank: n.Rank})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuthResponse `json:"body"`
		}{Body: AuthResponse{Token: token, Ninja: n}}, nil
	})
}
