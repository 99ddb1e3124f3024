package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/server"
)

// APIOptions holds flags for the api command.
type APIOptions struct {
	*RootOptions
	Listen      string
	DatabaseURL string
}

// NewAPICommand creates the api command.
func NewAPICommand(rootOpts *RootOptions) *cobra.Command {
	opts := &APIOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run the reference shop API",
		Long: `Run a development backend that speaks the shop's REST API with
Idempotency-Key support. Records live in memory unless a Postgres URL is
given.

Example:
  dukasync api --listen :8080
  dukasync api --database-url postgres://duka@localhost/duka?sslmode=disable`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default server.api_listen)")
	cmd.Flags().StringVar(&opts.DatabaseURL, "database-url", "", "Postgres connection string (default server.database_url)")
	return cmd
}

func runAPI(opts *APIOptions, cmd *cobra.Command) error {
	sc := opts.Config.Server
	addr := sc.APIListen
	if opts.Listen != "" {
		addr = opts.Listen
	}
	if opts.DatabaseURL != "" {
		sc.DatabaseURL = opts.DatabaseURL
	}

	repo, err := openRepository(sc.DatabaseURL, opts.Logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	srvOpts := []server.Option{server.WithLogger(opts.Logger.WithComponent(logging.Component("api")))}
	if sc.MaxRequestSize > 0 {
		srvOpts = append(srvOpts, server.WithMaxRequestSize(sc.MaxRequestSize))
	}
	if sc.RequestTimeout > 0 {
		srvOpts = append(srvOpts, server.WithRequestTimeout(sc.RequestTimeout))
	}
	if err := server.New(repo, srvOpts...).ListenAndServe(cmd.Context(), addr); err != nil {
		return WrapExitError(ExitFailure, "api server failed", err)
	}
	return nil
}

func openRepository(databaseURL string, logger *logging.Logger) (server.Repository, error) {
	if databaseURL == "" {
		logger.Warn("no database configured, records are kept in memory")
		return server.NewMemoryRepository(nil), nil
	}
	pc := server.DefaultPostgresConfig(databaseURL)
	pc.Logger = logger.WithComponent(logging.Component("postgres-repository"))
	repo, err := server.NewPostgresRepository(pc)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	logger.Debug("using postgres repository", slog.Int("max_open_conns", pc.MaxOpenConns))
	return repo, nil
}
