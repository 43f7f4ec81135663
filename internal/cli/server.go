package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilupskalvis/pkgstore/internal/config"
	"github.com/kilupskalvis/pkgstore/internal/packages"
	"github.com/kilupskalvis/pkgstore/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serverListen    string
	serverDataDir   string
	serverPublicURL string
	serverLogLevel  string
	serverLogFormat string
	serverTLSCert   string
	serverTLSKey    string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the pkgstore server",
	Long:  "Commands for running the pkgstore server.",
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pkgstore server",
	Long: `Start the pkgstore server.

Package metadata lives in SQLite, artifacts on the local filesystem and
in-progress uploads in a bbolt session database, all under the data
directory. Settings come from the config file, PKGSTORE_* environment
variables and the flags below, in increasing precedence.

The admin token (admin_token or PKGSTORE_ADMIN_TOKEN) enables the /admin/
endpoints for token management, garbage collection and statistics.

Examples:
  pkgstore server start
  pkgstore server start --listen 0.0.0.0:8730 --data-dir /var/lib/pkgstore
  pkgstore server start --tls-cert server.crt --tls-key server.key`,
	Run: runServerStart,
}

func init() {
	serverCmd.AddCommand(serverStartCmd)

	f := serverStartCmd.Flags()
	f.StringVar(&serverListen, "listen", "", "Listen address (host:port)")
	f.StringVar(&serverDataDir, "data-dir", "", "Directory for registry data")
	f.StringVar(&serverPublicURL, "public-url", "", "Externally visible base URL")
	f.StringVar(&serverLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	f.StringVar(&serverLogFormat, "log-format", "", "Log format (json|text)")
	f.StringVar(&serverTLSCert, "tls-cert", "", "TLS certificate file")
	f.StringVar(&serverTLSKey, "tls-key", "", "TLS key file")
}

// applyServerFlags overrides cfg with the flags set on cmd.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) error {
	overrides := map[string]*string{
		"listen":     &cfg.Listen,
		"data-dir":   &cfg.DataDir,
		"public-url": &cfg.PublicURL,
		"log-level":  &cfg.LogLevel,
		"log-format": &cfg.LogFormat,
		"tls-cert":   &cfg.TLSCert,
		"tls-key":    &cfg.TLSKey,
	}
	for name, dst := range overrides {
		if cmd.Flags().Changed(name) {
			v, _ := cmd.Flags().GetString(name)
			*dst = v
		}
	}
	return cfg.Validate()
}

// serverConfig maps the file configuration onto the HTTP layer's limits.
func serverConfig(cfg *config.Config) *server.Config {
	sc := server.DefaultConfig()
	sc.PublicURL = cfg.PublicURL
	sc.AdminToken = cfg.AdminToken
	sc.RequestsPerMinute = cfg.Limits.RequestsPerMinute
	sc.MaxManifestSize = cfg.Limits.MaxManifestSize
	sc.MaxNpmPublishSize = cfg.Limits.MaxNpmPublishSize
	sc.MaxChunkSize = cfg.Limits.MaxChunkSize
	sc.GCGracePeriod = cfg.GC.GracePeriod.Duration
	return sc
}

func runServerStart(cmd *cobra.Command, _ []string) {
	cfg := loadConfig()
	if err := applyServerFlags(cmd, cfg); err != nil {
		exitError("%v", err)
	}
	logger := cfg.NewLogger(os.Stdout)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "error", err, "path", cfg.DataDir)
		os.Exit(1)
	}

	var notifier packages.Notifier
	if wn := server.NewWebhookNotifier(&server.WebhookConfig{URLs: cfg.WebhookURLs}, logger); wn != nil {
		notifier = wn
		logger.Info("webhooks configured", "count", len(cfg.WebhookURLs))
	}

	st, err := openStack(cfg, notifier, logger)
	if err != nil {
		logger.Error("failed to open storage", "error", err, "data_dir", cfg.DataDir)
		os.Exit(1)
	}
	defer st.Close()

	if cfg.AdminToken == "" {
		logger.Warn("admin token not set; /admin endpoints are disabled")
	}

	h, handlerCleanup := server.Handler(server.Deps{
		Service: st.service,
		Uploads: st.uploads,
		Tokens:  st.tokens,
	}, serverConfig(cfg), logger)
	defer handlerCleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, h, st, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// serve runs the HTTP server and the upload reaper until ctx is done or
// either fails, then shuts the server down gracefully.
func serve(ctx context.Context, cfg *config.Config, h http.Handler, st *stack, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting pkgstore server", "listen", cfg.Listen, "data_dir", cfg.DataDir)
		var err error
		if cfg.TLSCert != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return st.uploads.RunReaper(gctx, cfg.Uploads.ReapInterval.Duration, cfg.Uploads.InactivityTimeout.Duration)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
