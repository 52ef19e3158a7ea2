package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gluk-w/termhub/internal/config"
	"github.com/gluk-w/termhub/internal/database"
	"github.com/gluk-w/termhub/internal/middleware"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "termhub.db"), logger.Silent)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	database.DB = db

	prev := config.Cfg
	config.Cfg.AuthDisabled = false
	config.Cfg.AdminUsers = []string{"admin"}
	t.Cleanup(func() {
		database.Close()
		database.DB = nil
		config.Cfg = prev
	})
}

// buildRequest creates a request authenticated as userID with chi URL
// params set.
func buildRequest(t *testing.T, method, path, userID string, params map[string]string, body interface{}) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req = middleware.WithUserForTest(req, userID)
	}
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response %q: %v", w.Body.String(), err)
	}
	return result
}
