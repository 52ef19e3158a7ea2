package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/termhub.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// Auth
	JWTSecret    string `envconfig:"JWT_SECRET" default:""`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`
	// AdminUsers may list, inspect and kill every user's sessions.
	AdminUsers []string `envconfig:"ADMIN_USERS" default:""`
	// AllowedOrigins restricts websocket upgrades; empty accepts any origin.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`

	// Workspace resolution
	WorkspaceRoot string `envconfig:"WORKSPACE_ROOT" default:""`
	ProjectsFile  string `envconfig:"PROJECTS_FILE" default:""`

	// Terminal session settings
	DefaultShell    string `envconfig:"DEFAULT_SHELL" default:""`
	ScrollbackBytes int    `envconfig:"SCROLLBACK_BYTES" default:"262144"`
	RecordingDir    string `envconfig:"RECORDING_DIR" default:""`
	RecordingKey    string `envconfig:"RECORDING_KEY" default:""`

	// Liveness: soft-mark idle sessions every HeartbeatInterval, reap
	// not-alive sessions past GracePeriod every ReapInterval.
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
	ReapInterval      time.Duration `envconfig:"REAP_INTERVAL" default:"60s"`
	GracePeriod       time.Duration `envconfig:"GRACE_PERIOD" default:"5m"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	// Per-IP websocket upgrade limit
	ConnectRate  float64 `envconfig:"CONNECT_RATE" default:"5"`
	ConnectBurst int     `envconfig:"CONNECT_BURST" default:"20"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMHUB", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
