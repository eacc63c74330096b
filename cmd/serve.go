package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/joescharf/commitbot/internal/api"
	"github.com/joescharf/commitbot/internal/daemon"
	"github.com/joescharf/commitbot/internal/webhook"
)

const (
	shutdownTimeout = 30 * time.Second
	drainTimeout    = 5 * time.Minute
	stopTimeout     = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver and REST API",
	Long: `Run an HTTP server that receives GitHub webhooks at /webhook and serves the
run ledger at /api/v1, health at /healthz and Prometheus metrics at /metrics.

'commitbot serve' runs in the foreground. Use 'serve start' to run it in the
background and 'serve stop' / 'serve status' to manage it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 0, "port to listen on (default from serve.port)")
	_ = viper.BindPFlag("serve.port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

// pidFile returns the PID file of the background server.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "commitbot-serve.pid"))
}

// serveLogPath is where the background server writes its output.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "commitbot-serve.log")
}

func serveRun() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	eng, err := newEngine(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dataStore.Close() }()

	if cfg.GitHub.WebhookSecret == "" {
		log.Warn(ctx, "github.webhook_secret is empty; webhook signatures are not verified")
	}
	if cfg.GitHub.Token == "" {
		log.Warn(ctx, "github.token is empty; only public repositories can be read and nothing can be published")
	}

	hook := webhook.NewHandler(ctx, webhook.Options{
		Secret:     cfg.GitHub.WebhookSecret,
		RateLimit:  cfg.Serve.RateLimit,
		RateBurst:  cfg.Serve.RateBurst,
		TrustProxy: cfg.Serve.TrustProxy,
	}, eng.orch, eng.hosting, log)

	apiServer := api.NewServer(eng.ledger, eng.analyzer, api.Options{
		Retrier:    eng.orch,
		Webhook:    hook,
		Metrics:    eng.metrics.Handler(),
		StuckAfter: cfg.Serve.StuckAfter,
		Logger:     log,
	})

	addr := fmt.Sprintf(":%d", cfg.Serve.Port)
	pf := pidFile()
	if err := pf.Acquire(addr); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	srv := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "server listening",
			zap.String("addr", addr),
			zap.String("trigger_mode", string(cfg.Trigger.Mode)),
			zap.Bool("dry_run", cfg.Publish.DryRun),
			zap.Bool("reviewer", cfg.Reviewer.Enabled()),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	// Signal context is done; shutdown must not inherit its cancellation.
	bg := context.WithoutCancel(ctx)
	log.Info(bg, "shutting down", zap.Int("active_runs", eng.ledger.ActiveCount()))

	shutdownCtx, cancel := context.WithTimeout(bg, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(bg, "http shutdown", zap.Error(err))
	}

	drainCtx, cancelDrain := context.WithTimeout(bg, drainTimeout)
	defer cancelDrain()
	if err := hook.Wait(drainCtx); err != nil {
		log.Warn(bg, "in-flight runs did not finish before exit", zap.Int("active_runs", eng.ledger.ActiveCount()))
	}
	log.Info(bg, "server stopped")
	return nil
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	args := []string{"serve"}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if port := viper.GetInt("serve.port"); port > 0 {
		args = append(args, "--port", strconv.Itoa(port))
	}
	// --dry-run passes through: the background server publishes nothing.
	if dryRun {
		args = append(args, "--dry-run")
	}

	logPath := serveLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	pid := child.Process.Pid
	// The child rewrites the file with its listen address once it is up.
	if err := pf.WritePID(pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("Server started (PID %d)", pid)
	ui.Info("Logs: %s", logPath)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		return fmt.Errorf("server is not running")
	}

	if ui.DryRun {
		ui.DryRunMsg("Would stop server (PID %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal PID %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if _, alive := pf.IsRunning(); !alive {
			_ = pf.Remove()
			ui.Success("Server stopped (PID %d)", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	ui.Warning("Server did not exit within %s, killing", stopTimeout)
	if err := pf.Signal(sigKILL()); err != nil {
		return fmt.Errorf("kill PID %d: %w", pid, err)
	}
	_ = pf.Remove()
	ui.Success("Server killed (PID %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("Server is not running")
		return nil
	}

	rec, _ := pf.Read()
	ui.Success("Server running (PID %d)", pid)
	if rec.Addr != "" {
		ui.Info("Listening on %s", rec.Addr)
		if reachable(rec.Addr) {
			ui.Success("Health check passed")
		} else {
			ui.Warning("Health check failed")
		}
	}
	if !rec.Started.IsZero() {
		ui.Info("Started %s", timeAgo(rec.Started))
	}
	ui.Info("Logs: %s", serveLogPath())
	return nil
}

// reachable probes /healthz on the local listen address.
func reachable(addr string) bool {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}
