// Package audit records security-relevant terminal events to the database
// and the standard logger.
//
// Writes go through a buffered queue drained by a single worker so callers
// on the gateway loop never block on sqlite. When the queue is full the
// entry is logged and dropped.
//
// # Log Prefixes
//
// Audit log messages use the [audit] prefix.
package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/termhub/internal/database"
	"github.com/gluk-w/termhub/internal/logutil"
	"gorm.io/gorm"
)

// Event types for terminal audit logging.
const (
	EventSessionStart     = "session_start"
	EventSessionEnd       = "session_end"
	EventSessionRecovered = "session_recovered"
	EventSessionReaped    = "session_reaped"
	EventAuthFailure      = "auth_failure"
	EventRateLimited      = "rate_limited"
	EventNotAuthorized    = "not_authorized"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

const queueSize = 256

// Entry contains the fields needed to create an audit log entry.
type Entry struct {
	EventType string
	OwnerID   string
	SessionID string
	SocketID  string
	SourceIP  string
	Details   string
}

// Auditor writes audit records asynchronously. A nil *Auditor is valid and
// drops every entry.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time

	queue chan Entry
	wg    sync.WaitGroup
	once  sync.Once
}

// NewAuditor creates a new Auditor that writes to the given database.
// If retentionDays is 0, DefaultRetentionDays is used. Call Start before
// Record.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		queue:         make(chan Entry, queueSize),
	}
}

// Start launches the writer goroutine. It exits when Stop is called.
func (a *Auditor) Start() {
	if a == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for e := range a.queue {
			a.Log(e)
		}
	}()
}

// Stop drains pending entries and waits for the writer to exit.
func (a *Auditor) Stop() {
	if a == nil {
		return
	}
	a.once.Do(func() { close(a.queue) })
	a.wg.Wait()
}

// Record enqueues an entry without blocking.
func (a *Auditor) Record(e Entry) {
	if a == nil {
		return
	}
	defer func() {
		// Record after Stop: the queue is closed
		if recover() != nil {
			log.Printf("[audit] dropped %s after shutdown", e.EventType)
		}
	}()
	select {
	case a.queue <- e:
	default:
		log.Printf("[audit] queue full, dropped %s session=%s", e.EventType, e.SessionID)
	}
}

// Log writes an entry synchronously.
func (a *Auditor) Log(e Entry) error {
	record := database.AuditLog{
		EventType: e.EventType,
		OwnerID:   e.OwnerID,
		SessionID: e.SessionID,
		SocketID:  e.SocketID,
		SourceIP:  e.SourceIP,
		Details:   e.Details,
		CreatedAt: a.nowFn(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s owner=%s session=%s ip=%s details=%s",
		e.EventType,
		logutil.SanitizeForLog(e.OwnerID),
		e.SessionID,
		e.SourceIP,
		logutil.SanitizeForLog(e.Details),
	)
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	EventType string
	OwnerID   string
	SessionID string
	Since     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit log entries matching the given options, newest first.
func (a *Auditor) Query(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	tx := a.db.WithContext(ctx).Model(&database.AuditLog{})

	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.OwnerID != "" {
		tx = tx.Where("owner_id = ?", opts.OwnerID)
	}
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days (the configured retention
// when days <= 0). Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
