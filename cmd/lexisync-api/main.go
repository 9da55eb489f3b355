package main

import (
	"os"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/config"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// application carries the state shared by every subcommand.
type application struct {
	viper    *viper.Viper
	cfgFile  string
	envFiles []string
}

func newRootCommand() *cobra.Command {
	app := &application{viper: config.NewViper()}
	rootCmd := &cobra.Command{
		Use:          "lexisync-api",
		Short:        "Lexicon commit log, snapshot store and sync server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.initConfig()
		},
	}

	app.setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(app),
		newRegenerateCommand(app),
		newVerifyCommand(app),
		newSnapshotCommand(app),
		newSyncCommand(app),
		newTokenCommand(app),
	)
	return rootCmd
}

func (app *application) setupFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&app.cfgFile, "config", "", "Path to configuration file")
	flags.StringSliceVar(&app.envFiles, "env-file", []string{".env"}, "Dotenv files loaded before configuration")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Project store driver (sqlite, postgres)")
	flags.String("data-dir", defaults.GetString("database.data_dir"), "Directory holding one SQLite file per project")
	flags.String("database-dsn", "", "Postgres DSN; each project gets its own schema")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.String("replica-id", "", "Replica id stamped on locally authored commits")
	flags.String("jaeger-endpoint", "", "Jaeger collector endpoint; empty disables tracing")

	app.bindFlag(cmd, "http.address", "http-address")
	app.bindFlag(cmd, "database.driver", "database-driver")
	app.bindFlag(cmd, "database.data_dir", "data-dir")
	app.bindFlag(cmd, "database.dsn", "database-dsn")
	app.bindFlag(cmd, "log.level", "log-level")
	app.bindFlag(cmd, "log.encoding", "log-encoding")
	app.bindFlag(cmd, "auth.signing_secret", "signing-secret")
	app.bindFlag(cmd, "replica.id", "replica-id")
	app.bindFlag(cmd, "tracing.jaeger_endpoint", "jaeger-endpoint")
}

func (app *application) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := app.viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (app *application) initConfig() error {
	if err := config.LoadDotEnv(app.envFiles...); err != nil {
		return err
	}
	if app.cfgFile == "" {
		return nil
	}

	app.viper.SetConfigFile(app.cfgFile)
	return app.viper.ReadInConfig()
}

// load resolves configuration and builds the logger every subcommand starts from.
func (app *application) load() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(app.viper)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}
