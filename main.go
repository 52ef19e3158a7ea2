package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gluk-w/termhub/internal/audit"
	"github.com/gluk-w/termhub/internal/auth"
	"github.com/gluk-w/termhub/internal/config"
	"github.com/gluk-w/termhub/internal/crypto"
	"github.com/gluk-w/termhub/internal/database"
	"github.com/gluk-w/termhub/internal/gateway"
	"github.com/gluk-w/termhub/internal/handlers"
	"github.com/gluk-w/termhub/internal/logging"
	"github.com/gluk-w/termhub/internal/middleware"
	"github.com/gluk-w/termhub/internal/ptyterm"
	"github.com/gluk-w/termhub/internal/workspace"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--issue-token":
			runCLICommand("issue-token")
			return
		case "--decrypt-recording":
			runCLICommand("decrypt-recording")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, Admins=%v, Workspace=%q, Recording=%q",
		config.Cfg.AuthDisabled, config.Cfg.AdminUsers, config.Cfg.WorkspaceRoot, config.Cfg.RecordingDir)

	auditor := audit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	auditor.Start()
	handlers.AuditLog = auditor

	jobs := cron.New()
	if _, err := jobs.AddFunc("@daily", func() { purgeAuditLogs(auditor) }); err != nil {
		log.Fatalf("Schedule audit purge: %v", err)
	}
	jobs.Start()

	resolver, err := workspace.NewStaticResolver(config.Cfg.WorkspaceRoot, config.Cfg.ProjectsFile, true)
	if err != nil {
		log.Fatalf("Workspace resolver: %v", err)
	}

	regCfg := ptyterm.RegistryConfig{
		ScrollbackSize: config.Cfg.ScrollbackBytes,
		DefaultShell:   config.Cfg.DefaultShell,
		RecordingDir:   config.Cfg.RecordingDir,
		Resolver:       resolver,
	}
	if config.Cfg.RecordingDir != "" {
		sealer, err := crypto.LoadSealer(config.Cfg.RecordingKey)
		if err != nil {
			log.Fatalf("Recording key: %v", err)
		}
		regCfg.Sealer = sealer
	}
	registry := ptyterm.NewRegistry(regCfg)

	verifier := buildVerifier()
	gw := gateway.New(registry, gateway.Config{
		Verifier:          verifier,
		Auditor:           auditor,
		HeartbeatInterval: config.Cfg.HeartbeatInterval,
		IdleTimeout:       config.Cfg.IdleTimeout,
		ReapInterval:      config.Cfg.ReapInterval,
		GracePeriod:       config.Cfg.GracePeriod,
		PersistSessions:   true,
		OriginPatterns:    config.Cfg.AllowedOrigins,
	})
	if err := gw.Start(); err != nil {
		log.Fatalf("Gateway start: %v", err)
	}
	handlers.Gateway = gw
	log.Printf("Terminal gateway initialized (scrollback=%d bytes, idle=%s, grace=%s)",
		config.Cfg.ScrollbackBytes, config.Cfg.IdleTimeout, config.Cfg.GracePeriod)

	connLimiter := middleware.NewIPRateLimiter(config.Cfg.ConnectRate, config.Cfg.ConnectBurst)

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: newRouter(verifier, connLimiter),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Sockets are hijacked, so the gateway closes them before the HTTP server
	// waits on in-flight requests.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Printf("Gateway shutdown: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	<-jobs.Stop().Done()
	auditor.Stop()
	log.Println("Server stopped")
}

// buildVerifier accepts JWTs when a secret is configured, and API tokens
// always.
func buildVerifier() auth.TokenVerifier {
	var chain auth.ChainVerifier
	if config.Cfg.JWTSecret != "" {
		chain = append(chain, auth.NewJWTVerifier([]byte(config.Cfg.JWTSecret)))
	} else if !config.Cfg.AuthDisabled {
		log.Printf("WARNING: TERMHUB_JWT_SECRET not set, only API tokens are accepted")
	}
	chain = append(chain, auth.APITokenVerifier{})
	return chain
}

func newRouter(verifier auth.TokenVerifier, connLimiter *middleware.IPRateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	// Terminal socket: authenticates itself, anonymous clients allowed
	r.With(connLimiter.Middleware).Get("/ws", handlers.TerminalWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth(verifier))

		r.Get("/sessions", handlers.ListSessions)
		r.Get("/sessions/history", handlers.GetSessionHistory)
		r.Get("/sessions/history/{sessionId}", handlers.GetSessionRecord)
		r.Delete("/sessions/{sessionId}", handlers.DeleteSession)

		r.Get("/audit-logs", handlers.GetAuditLogs)

		r.Get("/tokens", handlers.ListAPITokens)
		r.Post("/tokens", handlers.CreateAPIToken)
		r.Delete("/tokens/{prefix}", handlers.DeleteAPIToken)

		r.Get("/projects/{projectId}", handlers.GetProject)

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Put("/projects/{projectId}", handlers.PutProject)
			r.Get("/server-logs", handlers.GetServerLogs)
		})
	})
	return r
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	user := fs.String("user", "", "User id the token authenticates as")
	name := fs.String("name", "cli", "Token name")
	file := fs.String("file", "", "Encrypted recording (.cast.enc)")
	fs.Parse(os.Args[2:])

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	switch command {
	case "issue-token":
		if *user == "" {
			fmt.Fprintln(os.Stderr, "Usage: termhub --issue-token --user <id> [--name <name>]")
			os.Exit(1)
		}
		token, err := auth.IssueAPIToken(*user, *name)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)

	case "decrypt-recording":
		if *file == "" || !strings.HasSuffix(*file, ".enc") {
			fmt.Fprintln(os.Stderr, "Usage: termhub --decrypt-recording --file <id>.cast.enc")
			os.Exit(1)
		}
		if err := decryptRecording(*file, os.Stdout); err != nil {
			log.Fatalf("Failed to decrypt recording: %v", err)
		}
	}
}
