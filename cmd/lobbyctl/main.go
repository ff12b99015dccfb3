package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/lobbykit/internal/app"
	"github.com/ent0n29/lobbykit/internal/config"
	"github.com/ent0n29/lobbykit/internal/logging"
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lobbyctl",
	Short: "Host, find and join lobby sessions from the command line",
	Long: `lobbyctl drives a lobby coordinator directly against the configured
backend (LOBBY_BACKEND, REDIS_ADDR, DATABASE_URL), or watches a running
lobbyd over its websocket.

Examples:
  lobbyctl host --name "Friday" --mode ctf --max 8 --public
  lobbyctl search --filter GAMEMODE:eq:ctf --exclude-full
  lobbyctl join 482913
  lobbyctl watch --url http://127.0.0.1:8080`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(watchCmd)

	rootCmd.PersistentFlags().String("player", "", "Player id (overrides LOBBY_PLAYER_ID)")
	rootCmd.PersistentFlags().String("suffix", "", "Identity suffix (overrides LOBBY_IDENTITY_SUFFIX)")
	rootCmd.PersistentFlags().String("backend", "", "Backend: auto|memory|redis|postgres (overrides LOBBY_BACKEND)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

// loadConfig applies the persistent flag overrides on top of the
// environment configuration.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	for flag, key := range map[string]string{
		"player":  "LOBBY_PLAYER_ID",
		"suffix":  "LOBBY_IDENTITY_SUFFIX",
		"backend": "LOBBY_BACKEND",
	} {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			if err := os.Setenv(key, v); err != nil {
				return config.Config{}, err
			}
		}
	}
	return config.Load()
}

func newLogger(cmd *cobra.Command, cfg config.Config) (zerolog.Logger, error) {
	level := cfg.LogLevel
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	return logging.New(level, "console", os.Stderr)
}

// withCoordinator builds a coordinator for the duration of fn. The context
// passed to fn is canceled on SIGINT/SIGTERM.
func withCoordinator(cmd *cobra.Command, fn func(ctx context.Context, built *app.BuildResult) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn().Err(err).Msg("cleanup failed")
		}
	}()
	return fn(ctx, built)
}
