package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/relicta-tech/buildline/internal/config"
	"github.com/relicta-tech/buildline/internal/container"
	"github.com/relicta-tech/buildline/internal/domain/build"
	"github.com/relicta-tech/buildline/internal/httpserver"
	"github.com/relicta-tech/buildline/internal/httpserver/handlers"
	"github.com/relicta-tech/buildline/internal/security"
)

var (
	servePort    string
	serveAddress string
	serveAPIKey  string
	serveNoAuth  bool
	serveMaxRuns int

	serveShowSecrets bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the build history and promotion API",
	Long: `Start the HTTP API over the job catalog.

The server loads the catalog, follows changes to it, runs queued builds
and answers:
  - Build history with attributed change sets
  - Environment lists per job
  - Promotion requests
  - A WebSocket stream of build and promotion events

The server can be configured via:
  - Command-line flags (--port, --address)
  - Configuration file (server section)
  - Environment variables (BUILDLINE_SERVER_*)

Examples:
  # Start on default port 8080
  buildline serve

  # Start on custom port
  buildline serve --port 3000

Authentication:
  By default, API key authentication is required. Configure API keys
  in your buildline.config.yaml:

    server:
      auth:
        mode: api_key
        api_keys:
          - key: ${BUILDLINE_API_KEY}
            user_id: jenkins-admin
            roles: ["admin"]`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default: 8080)")
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "Address to listen on (e.g., localhost:8080)")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "Admin API key (enables API key mode)")
	serveCmd.Flags().BoolVar(&serveNoAuth, "no-auth", false, "Disable authentication (not recommended for production)")
	serveCmd.Flags().BoolVar(&serveShowSecrets, "show-secrets", false, "Return secret build parameters unmasked")
	serveCmd.Flags().IntVar(&serveMaxRuns, "max-runs", 0, "Builds per history page (overrides history.max_runs)")
}

// applyServeFlags applies the serve flags to cfg.
func applyServeFlags(cfg *config.Config) {
	if serveAddress != "" {
		cfg.Server.Address = serveAddress
	} else if servePort != "" {
		cfg.Server.Address = ":" + servePort
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	if serveAPIKey != "" {
		cfg.Server.Auth.Mode = config.AuthModeAPIKey
		cfg.Server.Auth.APIKeys = []config.APIKeyConfig{
			{
				Key:    serveAPIKey,
				UserID: cliActor.Name,
				Roles:  []string{build.RoleAdmin},
			},
		}
	} else if serveNoAuth {
		cfg.Server.Auth.Mode = config.AuthModeNone
	}

	if serveMaxRuns > 0 {
		cfg.History.MaxRuns = serveMaxRuns
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	applyServeFlags(cfg)
	if !serveShowSecrets {
		security.Enable()
	}

	if cfg.Server.Auth.Mode == config.AuthModeAPIKey && len(cfg.Server.Auth.APIKeys) == 0 {
		slog.Warn("No API keys configured. The API will be inaccessible.",
			"hint", "Use --api-key flag or configure server.auth.api_keys")
	}

	app, err := container.New(cfg, container.WithLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer app.Close()

	server := httpserver.NewServer(httpserver.ServerDeps{
		Config: cfg.Server,
		Handlers: &handlers.Context{
			History:   app.History(),
			Promotion: app.Promotion(),
			Version:   versionInfo.Version,
		},
		Hub:     app.Hub(),
		Metrics: app.Metrics(),
		Logger:  slog.Default().With("service", "http"),
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Starting buildline API on %s\n", cfg.Server.Address)
	fmt.Fprintf(out, "Press Ctrl+C to stop\n\n")

	if cfg.Server.Auth.Mode == config.AuthModeNone {
		fmt.Fprintln(out, styles.Warning.Render("WARNING: Authentication is disabled. Not recommended for production."))
	}

	display := resolveDisplayAddress(cfg.Server.Address)
	fmt.Fprintf(out, "\nAPI endpoints:\n")
	fmt.Fprintf(out, "  Health:     http://%s/health\n", display)
	fmt.Fprintf(out, "  API:        http://%s/api/v1/\n", display)
	fmt.Fprintf(out, "  Metrics:    http://%s/metrics\n", display)
	fmt.Fprintf(out, "  WebSocket:  ws://%s/api/v1/ws\n", display)
	fmt.Fprintln(out)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Run(gCtx)
	})
	g.Go(func() error {
		return server.Start(gCtx)
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server error: %w", err)
	}

	fmt.Fprintln(out, "\nServer stopped gracefully")
	return nil
}

// resolveDisplayAddress converts ":8080" to "localhost:8080" for display.
func resolveDisplayAddress(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
