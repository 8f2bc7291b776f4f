package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/whisper/video-relay/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "videorelay",
		Short:         "Pairing and signaling relay for anonymous one-on-one video chat",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "videorelay", version)
		},
	}

	flags := root.PersistentFlags()
	flags.Int("port", 3000, "port to listen on")
	flags.String("bind", "0.0.0.0", "address to bind")
	flags.String("allowed-origin", "*", "allowed Origin header values, comma separated")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("env", "development", "environment (development or production)")
	flags.String("redis-addr", "", "Redis address for shared rate limits")
	flags.String("nats-url", "", "NATS URL for relay events")
	flags.String("database-url", "", "PostgreSQL URL for the abuse report audit log")

	for key, flag := range map[string]string{
		config.KeyPort:          "port",
		config.KeyBindAddress:   "bind",
		config.KeyAllowedOrigin: "allowed-origin",
		config.KeyLogLevel:      "log-level",
		config.KeyEnv:           "env",
		config.KeyRedisAddr:     "redis-addr",
		config.KeyNATSURL:       "nats-url",
		config.KeyDatabaseURL:   "database-url",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(serveCmd, versionCmd)
	return root
}
