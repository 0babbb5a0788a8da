package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/geonotes/internal/app"
	"github.com/MarcoPoloResearchLab/geonotes/internal/auth"
	"github.com/MarcoPoloResearchLab/geonotes/internal/config"
	"github.com/MarcoPoloResearchLab/geonotes/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "geonotes-api",
		Short: "Geospatial notes API",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// persistentFlag maps a command-line flag onto a configuration key. Defaults come from the
// key so that --help shows the effective value.
type persistentFlag struct {
	name  string
	key   string
	usage string
}

var persistentFlags = []persistentFlag{
	{name: "http-address", key: "http.address", usage: "HTTP listen address"},
	{name: "database-path", key: "database.path", usage: "SQLite database path"},
	{name: "log-level", key: "log.level", usage: "Log level (debug, info, warn, error)"},
	{name: "log-format", key: "log.format", usage: "Log format (json, console)"},
	{name: "signing-secret", key: "auth.signing_secret", usage: "Session signing secret"},
	{name: "private-limit", key: "quota.private_limit", usage: "Private notes allowed per owner"},
	{name: "release-on-close", key: "quota.release_on_close", usage: "Closed private notes stop counting against the quota"},
	{name: "quota-backend", key: "quota.backend", usage: "Quota counter backend (sqlite, redis)"},
	{name: "redis-address", key: "redis.address", usage: "Redis address for the redis quota backend"},
	{name: "imports-store-path", key: "imports.store_path", usage: "Badger directory for import jobs (empty keeps them in memory)"},
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	for _, flag := range persistentFlags {
		switch value := defaults.Get(flag.key).(type) {
		case bool:
			flags.Bool(flag.name, value, flag.usage)
		case int64:
			flags.Int64(flag.name, value, flag.usage)
		case int:
			flags.Int64(flag.name, int64(value), flag.usage)
		default:
			flags.String(flag.name, defaults.GetString(flag.key), flag.usage)
		}
		if err := viper.BindPFlag(flag.key, flags.Lookup(flag.name)); err != nil {
			panic(err)
		}
	}
}

// initConfig reads the --config file when given, or an optional config file on the default
// search path.
func initConfig() error {
	if cfgFile == "" {
		if err := viper.ReadInConfig(); err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				return err
			}
		}
		return nil
	}
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
}

// newSessionCommand mints a session token for an owner, for service accounts and local use.
func newSessionCommand() *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "session <owner-id>",
		Short: "Issue a session token for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TTL:           appConfig.AuthSessionTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(args[0], displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name carried in the session")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.Build(signalCtx, appConfig, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           application.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	closeErr := application.Close(shutdownCtx)
	return errors.Join(serveErr, shutdownErr, closeErr)
}
