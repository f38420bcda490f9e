package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/docketd/internal/api"
	"github.com/kalambet/docketd/internal/blobstore"
	"github.com/kalambet/docketd/internal/config"
	"github.com/kalambet/docketd/internal/export"
	"github.com/kalambet/docketd/internal/extract"
	"github.com/kalambet/docketd/internal/fetch"
	"github.com/kalambet/docketd/internal/pipeline"
	"github.com/kalambet/docketd/internal/session"
	"github.com/kalambet/docketd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the docketd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(stdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docketd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docketd service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docketd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "docketd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	if cfg.Portal.Email == "" || cfg.Portal.Password == "" {
		slog.Warn("portal credentials not set; cases will fail at SESSION_READY",
			"email_key", "portal.email", "password_env", "DOCKETD_PORTAL_PASSWORD")
	}

	apiToken, err := ensureAPIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docketd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	blobs, err := blobstore.New(filepath.Join(cfg.Storage.DataDir, "documents"))
	if err != nil {
		return err
	}

	provider := config.NewProvider(cfg, nil)
	sessions := session.NewManager(cfg)
	extractor := extract.New()
	p := pipeline.New(pipeline.Deps{
		Store:     store,
		Sessions:  sessions,
		Fetcher:   fetch.New(store, blobs),
		Extractor: extractor,
		Blobs:     blobs,
		Config:    provider,
	})
	if err := p.Start(); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	restartCh := make(chan struct{}, 1)
	appHandler := api.NewAppHandler(api.AppDeps{
		Queue:   p,
		Store:   store,
		Session: sessions,
		Blobs:   blobs,
		Export:  export.NewService(store),
		Config:  provider,
		// Model or feature changes must not be answered from old results.
		Extractions: extractor,
		Token:       apiToken,
		Version:     version,
		Started:     time.Now(),
		Restart: func() {
			select {
			case restartCh <- struct{}{}:
			default:
			}
		},
	})

	mcpSrv := api.NewMCPServer(api.MCPDeps{Queue: p, Store: store, Version: version})

	topRouter := chi.NewRouter()
	topRouter.With(api.BearerAuth(apiToken)).Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))
	topRouter.Mount("/", appHandler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if mcpStdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		printStep("docketd listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case <-restartCh:
		slog.Info("restart requested, draining")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	// Submissions are refused while draining; status stays readable.
	if err := p.Shutdown(provider.Snapshot().Pipeline.DrainTimeout); err != nil {
		slog.Warn("pipeline shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("docketd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docketd (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docketd (PID %d); in-flight cases drain for up to %s", pid, cfg.Pipeline.DrainTimeout)
	return nil
}

type serviceStatus struct {
	Version         string                `json:"version"`
	UptimeSeconds   int64                 `json:"uptime_seconds"`
	Pipeline        pipeline.Health       `json:"pipeline"`
	Session         *session.Status       `json:"session"`
	Stages          map[storage.Stage]int `json:"stages"`
	RestartRequired bool                  `json:"restart_required"`
	DataDir         string                `json:"data_dir"`
	Model           string                `json:"model"`
}

func showStatus(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		return nil
	}

	resp, err := client.get(ctx, "/service/status")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	var st serviceStatus
	if err := decodeJSON(resp, &st); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}

	printStatus("Server", "running %s, up %s", st.Version, time.Duration(st.UptimeSeconds)*time.Second)
	sess := "invalid"
	if st.Pipeline.SessionValid {
		sess = "valid"
	}
	if st.Session != nil && st.Session.Failures > 0 {
		sess += fmt.Sprintf(" (%d failed logins)", st.Session.Failures)
	}
	printStatus("Portal session", "%s", sess)
	printStatus("Workers", "%d/%d active", st.Pipeline.ActiveWorkers, st.Pipeline.MaxWorkers)
	printStatus("Queue", "%d waiting", st.Pipeline.QueueDepth)
	for _, s := range []storage.Stage{
		storage.StageSubmitted, storage.StageSessionReady, storage.StageSearching,
		storage.StageDownloading, storage.StageExtracting, storage.StageCompleted, storage.StageFailed,
	} {
		if n := st.Stages[s]; n > 0 {
			printStatus("  "+string(s), "%d", n)
		}
	}
	printStatus("Model", "%s", st.Model)
	printStatus("Data dir", "%s", st.DataDir)
	if st.Pipeline.Draining {
		printWarning("draining, new cases are refused")
	}
	if st.RestartRequired {
		printWarning("configuration changed; restart to apply worker or queue settings")
	}
	return nil
}
