package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gluk-w/termhub/internal/database"
	"github.com/gluk-w/termhub/internal/gateway"
	"github.com/gluk-w/termhub/internal/logutil"
	"github.com/gluk-w/termhub/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// Gateway is set from main.go during init.
var Gateway *gateway.Gateway

// TerminalWS handles GET /ws. Authentication happens inside the gateway so
// anonymous sockets are still served.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	if Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "Terminal gateway not initialized")
		return
	}
	Gateway.ServeWS(w, r)
}

// scopeOwner is the owner filter for the caller: "" (everyone) for admins.
func scopeOwner(r *http.Request) string {
	if middleware.IsAdmin(r) {
		return ""
	}
	return middleware.GetUserID(r)
}

// ListSessions handles GET /api/v1/sessions.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	if Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "Terminal gateway not initialized")
		return
	}
	sessions, err := Gateway.ListSessions(r.Context(), scopeOwner(r))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Terminal gateway unavailable")
		return
	}
	if sessions == nil {
		sessions = []gateway.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// DeleteSession handles DELETE /api/v1/sessions/{sessionId}.
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	if Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "Terminal gateway not initialized")
		return
	}
	id := chi.URLParam(r, "sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing session id")
		return
	}

	err := Gateway.KillSession(r.Context(), scopeOwner(r), id)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
		return
	case errors.Is(err, gateway.ErrNotAuthorized):
		// Hide other users' sessions.
		writeError(w, http.StatusNotFound, "Session not found")
		return
	default:
		writeError(w, http.StatusServiceUnavailable, "Terminal gateway unavailable")
		return
	}

	log.Printf("[handlers] session %s killed by %s", logutil.SanitizeForLog(id), logutil.SanitizeForLog(middleware.GetUserID(r)))
	w.WriteHeader(http.StatusNoContent)
}

// GetSessionHistory handles GET /api/v1/sessions/history.
// Query parameters:
//   - limit (optional): number of records (default 100, max 500)
func GetSessionHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 100)
	if !ok {
		return
	}
	recs, err := database.ListSessionRecords(scopeOwner(r), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list session history")
		return
	}
	if recs == nil {
		recs = []database.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": recs})
}

// GetSessionRecord handles GET /api/v1/sessions/history/{sessionId}.
func GetSessionRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	rec, err := database.GetSessionRecord(id)
	if err != nil {
		if database.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if owner := scopeOwner(r); owner != "" && rec.OwnerID != owner {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
