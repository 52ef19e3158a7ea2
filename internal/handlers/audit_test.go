package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gluk-w/termhub/internal/audit"
	"github.com/gluk-w/termhub/internal/database"
)

func setupAuditTest(t *testing.T) {
	t.Helper()
	setupTestDB(t)
	AuditLog = audit.NewAuditor(database.DB, 90)
	t.Cleanup(func() { AuditLog = nil })
}

func seedAudit(t *testing.T) {
	t.Helper()
	for _, e := range []audit.Entry{
		{EventType: audit.EventSessionStart, OwnerID: "alice", SessionID: "s1"},
		{EventType: audit.EventSessionEnd, OwnerID: "alice", SessionID: "s1"},
		{EventType: audit.EventAuthFailure, OwnerID: "bob", SourceIP: "10.0.0.1"},
	} {
		if err := AuditLog.Log(e); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
}

func TestGetAuditLogs_NotInitialized(t *testing.T) {
	setupTestDB(t)
	AuditLog = nil

	w := httptest.NewRecorder()
	GetAuditLogs(w, buildRequest(t, "GET", "/api/v1/audit-logs", "admin", nil, nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestGetAuditLogs_AdminSeesAll(t *testing.T) {
	setupAuditTest(t)
	seedAudit(t)

	w := httptest.NewRecorder()
	GetAuditLogs(w, buildRequest(t, "GET", "/api/v1/audit-logs", "admin", nil, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	result := decodeBody(t, w)
	if total := result["total"].(float64); total != 3 {
		t.Errorf("expected total 3, got %.0f", total)
	}
}

func TestGetAuditLogs_UserScoped(t *testing.T) {
	setupAuditTest(t)
	seedAudit(t)

	// owner_id is ignored for non-admins
	w := httptest.NewRecorder()
	GetAuditLogs(w, buildRequest(t, "GET", "/api/v1/audit-logs?owner_id=bob", "alice", nil, nil))
	result := decodeBody(t, w)
	if total := result["total"].(float64); total != 2 {
		t.Fatalf("expected alice's 2 entries, got %.0f", total)
	}
	for _, e := range result["entries"].([]interface{}) {
		if owner := e.(map[string]interface{})["owner_id"]; owner != "alice" {
			t.Errorf("leaked entry for %v", owner)
		}
	}
}

func TestGetAuditLogs_Filters(t *testing.T) {
	setupAuditTest(t)
	seedAudit(t)

	w := httptest.NewRecorder()
	GetAuditLogs(w, buildRequest(t, "GET", "/api/v1/audit-logs?event_type=auth_failure&limit=10", "admin", nil, nil))
	result := decodeBody(t, w)
	if total := result["total"].(float64); total != 1 {
		t.Fatalf("expected 1 auth_failure, got %.0f", total)
	}
	if limit := result["limit"].(float64); limit != 10 {
		t.Errorf("expected limit 10, got %.0f", limit)
	}
}

func TestGetAuditLogs_BadParams(t *testing.T) {
	setupAuditTest(t)

	for _, q := range []string{"?limit=-1", "?offset=x", "?since=yesterday"} {
		w := httptest.NewRecorder()
		GetAuditLogs(w, buildRequest(t, "GET", "/api/v1/audit-logs"+q, "admin", nil, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}
