// Package daemon orchestrates the switchyard process: logging, PID file,
// tracing, the snapshot store, the pipeline manager, and both HTTP servers.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/health"
	"github.com/allaspectsdev/switchyard/internal/manager"
	"github.com/allaspectsdev/switchyard/internal/metrics"
	"github.com/allaspectsdev/switchyard/internal/proxy"
	"github.com/allaspectsdev/switchyard/internal/snapshot"
	"github.com/allaspectsdev/switchyard/internal/tokenizer"
	"github.com/allaspectsdev/switchyard/internal/tracing"
	"github.com/allaspectsdev/switchyard/internal/vault"
	"github.com/allaspectsdev/switchyard/internal/version"
)

// Run initialises every subsystem, starts the proxy and admin servers, and
// blocks until a shutdown signal or a fatal server error.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	writers := []io.Writer{}

	// Always log to file.
	logPath := filepath.Join(dataDir, "switchyard.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	// If foreground, also write to stdout with console formatting.
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "switchyard").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("switchyard starting")

	// 2. Check if already running, then claim the PID file.
	if IsRunning(dataDir) {
		return fmt.Errorf("switchyard is already running (PID file exists at %s)", filepath.Join(dataDir, pidFilename))
	}
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	// 3. Distributed tracing.
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(context.Background(),
			cfg.Tracing.ServiceName, version.Version,
			cfg.Tracing.Exporter, cfg.Tracing.Endpoint,
			cfg.Tracing.SampleRate, cfg.Tracing.Insecure)
		if err != nil {
			return fmt.Errorf("initialising tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				log.Error().Err(err).Msg("tracing shutdown error")
			}
		}()
		log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("tracing initialised")
	}

	// 4. Exchange snapshot store.
	var (
		store    *snapshot.Store
		recorder *snapshot.Recorder
	)
	if cfg.Snapshot.Enabled {
		dbPath := filepath.Join(dataDir, "switchyard.db")
		store, err = snapshot.Open(dbPath)
		if err != nil {
			return fmt.Errorf("opening snapshot store: %w", err)
		}
		defer store.Close()
		recorder = snapshot.NewRecorder(store)
		log.Info().Str("db_path", dbPath).Msg("snapshot store opened")
	}

	// 5. Resolve the pipeline boundary and build the vault.
	resolved, err := cfg.Resolve()
	if err != nil {
		return err
	}

	keys := make(map[string]map[string]vault.KeySpec, len(resolved.KeyVault))
	for providerID, byKey := range resolved.KeyVault {
		specs := make(map[string]vault.KeySpec, len(byKey))
		for keyID, e := range byKey {
			specs[keyID] = vault.KeySpec{Type: e.Type, Value: e.Value, Enabled: e.Enabled}
		}
		keys[providerID] = specs
	}
	secrets := vault.Build(keys)

	// 6. Metrics, health tracking, and the pipeline manager.
	collector := metrics.NewCollector()
	tracker := health.NewTracker(health.Options{
		BlacklistThreshold: cfg.Resilience.BlacklistThreshold,
		BlacklistCooldown:  time.Duration(cfg.Resilience.BlacklistCooldown) * time.Second,
		DegradedThreshold:  cfg.Resilience.DegradedThreshold,
		DegradedCooldown:   time.Duration(cfg.Resilience.DegradedCooldown) * time.Second,
	})

	mgrOpts := manager.Options{
		Resolved:    resolved,
		Secrets:     secrets,
		Tokenizer:   tokenizer.New(),
		Sink:        collector,
		Tracker:     tracker,
		Window:      cfg.Streaming.Window(),
		RetryBudget: cfg.Resilience.RetryBudget,
		BaseDelay:   time.Duration(cfg.Resilience.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Resilience.RetryMaxDelayMs) * time.Millisecond,
		MaxCollect:  cfg.Server.MaxResponseSize,
		Events: manager.Events{
			OnRetry:     collector.RecordRetry,
			OnFailover:  collector.RecordFailover,
			OnBlacklist: collector.RecordBlacklist,
		},
	}
	// Assign the concrete recorder only when it exists; a typed-nil
	// interface value would dodge the manager's nil checks.
	if recorder != nil {
		mgrOpts.Recorder = recorder
	}

	mgr, err := manager.New(mgrOpts)
	if err != nil {
		return fmt.Errorf("building pipelines: %w", err)
	}
	log.Info().
		Int("pipelines", len(resolved.Pipelines)).
		Int("pools", len(resolved.RoutePools)).
		Msg("pipeline manager initialised")

	// 7. Front door.
	classifier := &proxy.Classifier{
		ModelRoutes:          cfg.Routing.ModelRoutes,
		LongContextThreshold: cfg.Routing.LongContextThreshold,
		BackgroundModel:      cfg.Routing.BackgroundModel,
		Tokenizer:            tokenizer.New(),
	}
	handler := proxy.NewHandler(proxy.HandlerOptions{
		Manager:     mgr,
		Collector:   collector,
		Recorder:    recorder,
		Classifier:  classifier,
		MaxBodySize: cfg.Server.MaxBodySize,
		AuthEnabled: cfg.Auth.Enabled,
		AuthToken:   cfg.Auth.Token,
	})

	proxyAddr := fmt.Sprintf(":%d", cfg.Server.ProxyPort)
	readTimeout := time.Duration(cfg.Server.ReadTimeout) * time.Second
	writeTimeout := time.Duration(cfg.Server.WriteTimeout) * time.Second
	idleTimeout := time.Duration(cfg.Server.IdleTimeout) * time.Second
	proxyServer := proxy.NewServer(handler, proxyAddr, readTimeout, writeTimeout, idleTimeout, cfg.Tracing.Enabled)

	errCh := make(chan error, 2)

	go func() {
		if cfg.Server.TLSEnabled {
			if err := proxyServer.StartTLS(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil {
				errCh <- fmt.Errorf("proxy server: %w", err)
			}
		} else {
			if err := proxyServer.Start(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("proxy server: %w", err)
			}
		}
	}()

	// 8. Admin server (if enabled).
	var adminServer *metrics.AdminServer
	if cfg.Admin.Enabled {
		adminAddr := fmt.Sprintf(":%d", cfg.Server.AdminPort)
		adminServer = metrics.NewAdminServer(collector, mgr, store, cfg, adminAddr)
		go func() {
			if err := adminServer.Start(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	// 9. Config watcher for hot reload of the log level.
	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}
	if _, statErr := os.Stat(configFile); statErr == nil {
		w, watchErr := config.Watch(configFile)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer w.Close()
			w.OnChange(func(old, newCfg *config.Config) {
				log.Info().Msg("configuration reloaded")
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 10. Periodic exchange pruning.
	pruneCtx, pruneCancel := context.WithCancel(context.Background())
	defer pruneCancel()
	prunerDone := make(chan struct{})
	go func() {
		defer close(prunerDone)
		runPruner(pruneCtx, store, cfg.Snapshot.RetentionDays, cfg.Snapshot.PruneIntervalHours)
	}()

	scheme := "http"
	if cfg.Server.TLSEnabled {
		scheme = "https"
	}
	ev := log.Info().
		Int("proxy_port", cfg.Server.ProxyPort).
		Bool("tls", cfg.Server.TLSEnabled)
	if cfg.Admin.Enabled {
		ev = ev.Int("admin_port", cfg.Server.AdminPort)
	}
	ev.Msg("switchyard is ready")

	if foreground {
		fmt.Printf("\n  Switchyard is running!\n")
		fmt.Printf("  Proxy: %s://localhost:%d\n", scheme, cfg.Server.ProxyPort)
		if cfg.Admin.Enabled {
			fmt.Printf("  Admin: %s://localhost:%d\n", scheme, cfg.Server.AdminPort)
		}
		fmt.Println()
	}

	// 11. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	// 12. Graceful shutdown with a 30-second deadline.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down servers...")

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("admin server shutdown error")
		}
	}
	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("proxy server shutdown error")
	}

	pruneCancel()
	<-prunerDone

	log.Info().Msg("switchyard stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("switchyard does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		// Stale PID file; clean it up.
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("switchyard is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to switchyard (PID %d)\n", pid)

	// Wait briefly for the process to exit.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}

	return nil
}

// Status checks if the daemon is running and prints a summary.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("switchyard is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("switchyard is running (PID %d)\n", pid)

	if !cfg.Admin.Enabled {
		return nil
	}

	// Try to fetch stats from the admin API.
	statsURL := fmt.Sprintf("http://localhost:%d/api/stats", cfg.Server.AdminPort)
	client := &http.Client{Timeout: 3 * time.Second}

	req, err := http.NewRequest(http.MethodGet, statsURL, nil)
	if err != nil {
		return nil
	}
	if cfg.Auth.Enabled {
		req.Header.Set("Authorization", "Bearer "+cfg.Auth.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Println("  (admin server unreachable)")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	var payload struct {
		Live metrics.Stats `json:"live"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	stats := payload.Live

	fmt.Printf("\n  Uptime:            %s\n", stats.Uptime)
	fmt.Printf("  Total Requests:    %d\n", stats.TotalRequests)
	fmt.Printf("  Streamed:          %d\n", stats.StreamedRequests)
	fmt.Printf("  Prompt Tokens:     %d\n", stats.PromptTokens)
	fmt.Printf("  Completion Tokens: %d\n", stats.CompletionTokens)
	fmt.Printf("  Retries:           %d\n", stats.Retries)
	fmt.Printf("  Failovers:         %d\n", stats.Failovers)
	fmt.Printf("  Blacklists:        %d\n", stats.Blacklists)
	fmt.Printf("  Active:            %d\n", stats.ActiveRequests)

	return nil
}

// runPruner periodically prunes old exchanges from the snapshot store.
func runPruner(ctx context.Context, store *snapshot.Store, retentionDays, intervalHours int) {
	if store == nil || retentionDays <= 0 {
		return
	}
	if intervalHours <= 0 {
		intervalHours = 1
	}

	ticker := time.NewTicker(time.Duration(intervalHours) * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("exchange pruner: recovered from panic")
					}
				}()
				n, err := store.Prune(retentionDays)
				if err != nil {
					log.Error().Err(err).Msg("exchange pruning failed")
				} else if n > 0 {
					log.Info().Int64("rows", n).Int("retention_days", retentionDays).Msg("pruned old exchanges")
				}
			}()
		}
	}
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
