package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gluk-w/termhub/internal/auth"
	"github.com/gluk-w/termhub/internal/database"
	"github.com/gluk-w/termhub/internal/logutil"
	"github.com/gluk-w/termhub/internal/middleware"
	"github.com/go-chi/chi/v5"
)

type createTokenRequest struct {
	Name string `json:"name"`
}

// CreateAPIToken handles POST /api/v1/tokens. The plaintext token is only
// returned here.
func CreateAPIToken(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var body createTokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Name == "" || len(body.Name) > 128 {
		writeError(w, http.StatusBadRequest, "Token name must be 1-128 characters")
		return
	}

	token, err := auth.IssueAPIToken(userID, body.Name)
	if err != nil {
		log.Printf("[handlers] issue token for %s: %v", logutil.SanitizeForLog(userID), err)
		writeError(w, http.StatusInternalServerError, "Failed to create token")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token, "name": body.Name})
}

// ListAPITokens handles GET /api/v1/tokens.
func ListAPITokens(w http.ResponseWriter, r *http.Request) {
	toks, err := database.ListAPITokens(scopeOwner(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tokens")
		return
	}
	if toks == nil {
		toks = []database.APIToken{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": toks})
}

// DeleteAPIToken handles DELETE /api/v1/tokens/{prefix}.
func DeleteAPIToken(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")
	tok, err := database.GetAPITokenByPrefix(prefix)
	if err != nil {
		if database.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Token not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load token")
		return
	}
	if owner := scopeOwner(r); owner != "" && tok.UserID != owner {
		writeError(w, http.StatusNotFound, "Token not found")
		return
	}
	if err := database.DeleteAPIToken(prefix); err != nil && !database.IsNotFound(err) {
		writeError(w, http.StatusInternalServerError, "Failed to delete token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
