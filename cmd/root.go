package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/utils"
)

// annotationDB marks commands that cannot run without the archive.
const annotationDB = "db"

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// Cfg is the resolved configuration
	Cfg config.Config

	dbURL   string
	cfgFile string
	debug   bool
	logJSON bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:          "vigil",
	Short:        "Exam Proctoring Integrity Engine",
	Version:      Version, // This enables the --version flag
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(os.Stderr, debug, logJSON))

		var err error
		if Cfg, err = config.Load(viper.GetViper()); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		if cmd.Annotations[annotationDB] == "required" {
			return connectDB(cmd.Context())
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/vigil/config.toml)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/vigil)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			utils.Die("Cannot locate home directory", err, nil)
		}

		viper.AddConfigPath(filepath.Join(home, ".config", "vigil"))
		viper.SetConfigType("toml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	config.SetDefaults(viper.GetViper())

	err := viper.ReadInConfig()
	switch {
	case err == nil:
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	case cfgFile != "":
		// An explicit --config that cannot be read is fatal; a missing default is not.
		utils.Die("Failed to read config file", err, nil)
	}
}

func newLogger(w io.Writer, debug, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// resolveDBURL picks the connection string: --db flag, then db.url config,
// then POSTGRES_* environment, then the local default.
func resolveDBURL(flag, configured string, getenv func(string) string) string {
	if flag != "" {
		return flag
	}
	if configured != "" {
		return configured
	}
	if host := getenv("POSTGRES_HOST"); host != "" {
		port := getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/vigil"
}

func connectDB(ctx context.Context) error {
	if DB != nil {
		return nil
	}
	var err error
	DB, err = store.New(ctx, resolveDBURL(dbURL, Cfg.DBURL, os.Getenv))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}
