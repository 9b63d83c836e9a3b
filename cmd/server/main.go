// Command server runs the Antigravity Hub relay: a multi-account proxy
// exposing OpenAI, Claude and Gemini surfaces over pooled OAuth accounts.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/poemonsense/antigravity-hub/internal/auth"
	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/format"
	"github.com/poemonsense/antigravity-hub/internal/ratelimit"
	"github.com/poemonsense/antigravity-hub/internal/scheduler"
	"github.com/poemonsense/antigravity-hub/internal/server"
	"github.com/poemonsense/antigravity-hub/internal/store"
	"github.com/poemonsense/antigravity-hub/internal/upstream"
	"github.com/poemonsense/antigravity-hub/internal/utils"
	"github.com/poemonsense/antigravity-hub/internal/warmup"
	"github.com/poemonsense/antigravity-hub/pkg/redis"
)

var (
	flagPort      int
	flagDataDir   string
	flagStaticDir string
	flagDebug     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "antigravity-hub",
		Short: "Multi-account relay for the Antigravity cloud API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "listen port (default 3000)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default ~/.antigravity-hub)")
	rootCmd.Flags().StringVar(&flagStaticDir, "static-dir", "", "static web UI directory")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(accountsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveDataDir() (string, error) {
	dir := flagDataDir
	if dir == "" {
		dir = os.Getenv("DATA_DIR")
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".antigravity-hub")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return dir, nil
}

func runServer() error {
	utils.SetDebug(flagDebug)

	dataDir, err := resolveDataDir()
	if err != nil {
		return err
	}

	st, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if _, err := store.EnsureDeviceBaseline(dataDir); err != nil {
		utils.Warn("[Startup] Device baseline unavailable: %v", err)
	}

	cfg := config.NewManager(st)

	// CLI and environment override the persisted port.
	port := cfg.Get().Proxy.Port
	if flagPort > 0 {
		port = flagPort
	}
	if port <= 0 {
		port = config.DefaultPort
	}

	bindAddr := os.Getenv("BIND_ADDRESS")
	if bindAddr == "" {
		if cfg.Get().Proxy.AllowLanAccess {
			bindAddr = "0.0.0.0"
		} else {
			bindAddr = "127.0.0.1"
		}
	}

	staticDir := flagStaticDir
	if staticDir == "" {
		staticDir = os.Getenv("STATIC_DIR")
	}

	appCfg := cfg.Get()
	up, err := upstream.NewClient(&appCfg)
	if err != nil {
		return fmt.Errorf("build upstream client: %w", err)
	}

	var redisClient *redis.Client
	if appCfg.RedisAddr != "" {
		redisClient, err = redis.NewClient(redis.Config{
			Addr:     appCfg.RedisAddr,
			Password: appCfg.RedisPassword,
			DB:       appCfg.RedisDB,
		})
		if err != nil {
			utils.Warn("[Startup] Redis unavailable, using in-memory caches: %v", err)
			redisClient = nil
		}
	}
	format.InitSignatureCache(redisClient)

	oauthClient := auth.NewClient()
	tracker := ratelimit.NewTracker()
	sched := scheduler.NewManager(st, oauthClient, up, cfg, tracker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.LoadAccounts(ctx); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	utils.Success("[Startup] Account pool loaded: %d account(s)", len(sched.Accounts()))

	logs := store.NewLogSink(st)

	srv := server.New(cfg, st, sched, up, tracker, logs, server.Options{
		StaticDir: staticDir,
		Debug:     flagDebug,
	})

	go warmup.New(cfg, sched, up, port, redisClient).Run(ctx)
	go housekeeping(ctx, sched, tracker)

	addr := net.JoinHostPort(bindAddr, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Engine(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		utils.Info("[Server] Listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	utils.Success("Server started on port %d", port)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	utils.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	utils.Success("Server stopped")
	return nil
}

// housekeeping evicts expired rate-limit entries and stale session
// bindings in the background.
func housekeeping(ctx context.Context, sched *scheduler.Manager, tracker *ratelimit.Tracker) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tracker.CleanupExpired(); n > 0 {
				utils.Debug("[Housekeeping] Evicted %d expired rate-limit entries", n)
			}
			if n := sched.PruneSessions(time.Hour); n > 0 {
				utils.Debug("[Housekeeping] Pruned %d stale session bindings", n)
			}
		}
	}
}
