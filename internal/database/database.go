package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gluk-w/termhub/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := Open(dbPath, logger.Warn)
	if err != nil {
		return err
	}
	DB = db

	if err := closeOrphanedRecords(); err != nil {
		return fmt.Errorf("close orphaned records: %w", err)
	}
	return nil
}

// Open opens a sqlite database at path and migrates the schema. ":memory:"
// is accepted for tests.
func Open(path string, level logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if path != ":memory:" {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	} else {
		// every pooled connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// closeOrphanedRecords marks sessions left open by a previous process as
// closed. Their shells died with that process.
func closeOrphanedRecords() error {
	now := time.Now()
	return DB.Model(&SessionRecord{}).
		Where("closed_at IS NULL").
		Updates(map[string]interface{}{"closed_at": now, "close_reason": "restart"}).Error
}

// Settings

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Session records

func CreateSessionRecord(rec *SessionRecord) error {
	return DB.Create(rec).Error
}

// CloseSessionRecord stamps the end of a session. Already closed records are
// left untouched so the first reason wins.
func CloseSessionRecord(id, reason string, exitCode *int) error {
	updates := map[string]interface{}{
		"closed_at":    time.Now(),
		"close_reason": reason,
	}
	if exitCode != nil {
		updates["exit_code"] = *exitCode
	}
	return DB.Model(&SessionRecord{}).
		Where("id = ? AND closed_at IS NULL", id).
		Updates(updates).Error
}

func GetSessionRecord(id string) (*SessionRecord, error) {
	var rec SessionRecord
	if err := DB.Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func ListSessionRecords(ownerID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var recs []SessionRecord
	tx := DB.Order("created_at DESC").Limit(limit)
	if ownerID != "" {
		tx = tx.Where("owner_id = ?", ownerID)
	}
	if err := tx.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// API tokens

func CreateAPIToken(tok *APIToken) error {
	return DB.Create(tok).Error
}

func GetAPITokenByPrefix(prefix string) (*APIToken, error) {
	var tok APIToken
	if err := DB.Where("prefix = ?", prefix).First(&tok).Error; err != nil {
		return nil, err
	}
	return &tok, nil
}

// ListAPITokens returns userID's tokens, or every token when userID is
// empty.
func ListAPITokens(userID string) ([]APIToken, error) {
	var toks []APIToken
	tx := DB.Order("created_at DESC")
	if userID != "" {
		tx = tx.Where("user_id = ?", userID)
	}
	if err := tx.Find(&toks).Error; err != nil {
		return nil, err
	}
	return toks, nil
}

func TouchAPIToken(id uint) error {
	return DB.Model(&APIToken{}).Where("id = ?", id).Update("last_used_at", time.Now()).Error
}

func DeleteAPIToken(prefix string) error {
	res := DB.Where("prefix = ?", prefix).Delete(&APIToken{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Projects

func GetProjectPath(id string) (string, error) {
	var p Project
	if err := DB.Where("id = ?", id).First(&p).Error; err != nil {
		return "", err
	}
	return p.Path, nil
}

func SetProjectPath(id, path string) error {
	return DB.Where("id = ?", id).Assign(Project{Path: path}).FirstOrCreate(&Project{ID: id}).Error
}

// IsNotFound reports whether err is gorm's record-not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
