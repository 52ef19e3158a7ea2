package handlers

import (
	"net/http"

	"github.com/gluk-w/termhub/internal/logging"
)

// GetServerLogs handles GET /api/v1/server-logs (admin only).
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines, ok := queryInt(w, r, "lines", 200)
	if !ok {
		return
	}
	if lines == 0 {
		lines = 200
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}
