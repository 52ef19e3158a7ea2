package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gluk-w/termhub/internal/auth"
	"github.com/gluk-w/termhub/internal/config"
)

type contextKey string

const userContextKey contextKey = "user"

// localUser is the identity attached when auth is disabled.
const localUser = "local"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAuth accepts a bearer token (header or ?token=) checked by v and
// attaches the user id to the request context.
func RequireAuth(v auth.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Cfg.AuthDisabled {
				ctx := context.WithValue(r.Context(), userContextKey, localUser)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token, _ := auth.ExtractToken(r)
			if token == "" || v == nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			userID, err := v.Verify(token)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r) {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetUserID returns the authenticated user id, or "" outside RequireAuth.
func GetUserID(r *http.Request) string {
	id, _ := r.Context().Value(userContextKey).(string)
	return id
}

// IsAdmin reports whether the caller may act on every user's sessions.
func IsAdmin(r *http.Request) bool {
	if config.Cfg.AuthDisabled {
		return true
	}
	id := GetUserID(r)
	if id == "" {
		return false
	}
	for _, admin := range config.Cfg.AdminUsers {
		if admin == id {
			return true
		}
	}
	return false
}
