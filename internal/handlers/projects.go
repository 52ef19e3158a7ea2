package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gluk-w/termhub/internal/database"
	"github.com/go-chi/chi/v5"
)

type projectRequest struct {
	Path string `json:"path"`
}

// GetProject handles GET /api/v1/projects/{projectId}.
func GetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectId")
	p, err := database.GetProjectPath(id)
	if err != nil {
		if database.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Project not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load project")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "path": p})
}

// PutProject handles PUT /api/v1/projects/{projectId} (admin only). The
// path must be an existing absolute directory.
func PutProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing project id")
		return
	}

	var body projectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !filepath.IsAbs(body.Path) {
		writeError(w, http.StatusBadRequest, "Path must be absolute")
		return
	}
	if info, err := os.Stat(body.Path); err != nil || !info.IsDir() {
		writeError(w, http.StatusBadRequest, "Path is not a directory")
		return
	}

	clean := filepath.Clean(body.Path)
	if err := database.SetProjectPath(id, clean); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save project")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "path": clean})
}
