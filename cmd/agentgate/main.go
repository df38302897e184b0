package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vberezny/agentgate/internal/config"
	"github.com/vberezny/agentgate/internal/server"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	var configPath string
	var debug bool
	var pretty bool

	root := &cobra.Command{
		Use:           "agentgate",
		Short:         "HTTP gateway that brokers coding tasks to a local agent CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&pretty, "pretty", false, "human-readable log output")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(debug, pretty)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			srv, err := server.New(cfg, log)
			if err != nil {
				return fmt.Errorf("init server: %w", err)
			}
			return srv.ListenAndServe()
		},
	}
	root.AddCommand(serve)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the agentgate version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agentgate", version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agentgate:", err)
		os.Exit(1)
	}
}

func newLogger(debug, pretty bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
