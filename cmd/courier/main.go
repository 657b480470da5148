package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/courier/internal/app"
	"github.com/MarcoPoloResearchLab/courier/internal/config"
	"github.com/MarcoPoloResearchLab/courier/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	offline bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "courier",
		Short:         "Offline-first delivery request client and reference remote store",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newAgentCommand(),
		newCreateCommand(),
		newUpdateCommand(),
		newDeleteCommand(),
		newGetCommand(),
		newListCommand(),
		newHistoryCommand(),
		newSyncCommand(),
		newRetryCommand(),
		newClearHistoryCommand(),
		newStatusCommand(),
		newStatisticsCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().BoolVar(&offline, "offline", false, "Never contact the remote store")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Local SQLite database path")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.base_url"), "Remote store base URL")
	cmd.PersistentFlags().String("remote-token", "", "Pre-provisioned bearer token for the remote store")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("subject", defaults.GetString("auth.subject"), "Device subject presented to the remote store")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("sync.batch_size"), "Maximum records per bulk reconciliation call")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.base_url", "remote-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.subject", "subject")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.batch_size", "batch-size")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			serverConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(serverConfig.LogLevel, logging.FormatJSON)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			srv, err := app.OpenServer(serverConfig, logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(signalCtx)
		},
	}
	cmd.Flags().String("http-address", config.NewViper().GetString("server.http_address"), "HTTP listen address")
	cmd.Flags().String("server-database-path", config.NewViper().GetString("server.database_path"), "Remote store SQLite database path")
	cobra.CheckErr(viper.BindPFlag("server.http_address", cmd.Flags().Lookup("http-address")))
	cobra.CheckErr(viper.BindPFlag("server.database_path", cmd.Flags().Lookup("server-database-path")))
	return cmd
}

func newAgentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Keep the device in sync: watch connectivity and sync on reconnect and on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withClient(signalCtx, logging.FormatJSON, func(ctx context.Context, client *app.Client) error {
				client.Engine.TriggerSync(ctx)
				return client.Run(ctx)
			})
		},
	}
}

// withClient opens the device runtime for the duration of fn.
func withClient(ctx context.Context, logFormat string, fn func(ctx context.Context, client *app.Client) error) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(clientConfig.LogLevel, logFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client, err := app.OpenClient(ctx, clientConfig, logger, app.ClientOptions{Offline: offline})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close local database", zap.Error(closeErr))
		}
	}()
	return fn(ctx, client)
}
