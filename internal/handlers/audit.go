package handlers

import (
	"net/http"
	"time"

	"github.com/gluk-w/termhub/internal/audit"
)

// AuditLog is set from main.go during init.
var AuditLog *audit.Auditor

// GetAuditLogs handles GET /api/v1/audit-logs. Non-admins only see their
// own entries.
// Query parameters:
//   - event_type (optional): filter by event type
//   - owner_id (optional, admin only): filter by user
//   - session_id (optional): filter by session
//   - since (optional): RFC 3339 lower bound
//   - limit (optional): number of entries per page (default 50)
//   - offset (optional): pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if AuditLog == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit logging not initialized")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		EventType: q.Get("event_type"),
		SessionID: q.Get("session_id"),
		OwnerID:   scopeOwner(r),
	}
	if opts.OwnerID == "" {
		opts.OwnerID = q.Get("owner_id")
	}

	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since")
			return
		}
		opts.Since = &since
	}

	var ok bool
	if opts.Limit, ok = queryInt(w, r, "limit", 0); !ok {
		return
	}
	if opts.Offset, ok = queryInt(w, r, "offset", 0); !ok {
		return
	}

	result, err := AuditLog.Query(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
