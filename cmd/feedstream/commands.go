package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/feedstream/pkg/config"
)

var version = "0.1.0"

const envPrefix = "FEEDSTREAM"

// Viper keys. Each is also readable as FEEDSTREAM_<KEY>.
const (
	keyConfig    = "config"
	keyLogLevel  = "log_level"
	keyListen    = "listen"
	keyQueueType = "queue_type"
)

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault(keyConfig, "feedstream.yaml")
	return v
}

func newRootCommand() *cobra.Command {
	return buildRootCommand(newViper())
}

func buildRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "feedstream",
		Short: "Feedstream - resilient feed polling and ingestion supervisor",
		Long: `Feedstream polls upstream feeds on fixed intervals, protects each upstream with
a circuit breaker, validates and enriches every record and publishes it to a
queue backend, dead-lettering what cannot be ingested.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "feedstream.yaml", "Path to the YAML configuration file")
	flags.String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	flags.String("listen", "", "Override the operational server listen address")
	flags.String("queue-type", "", "Override the queue backend (buffer, broker, store)")
	_ = v.BindPFlag(keyConfig, flags.Lookup("config"))
	_ = v.BindPFlag(keyLogLevel, flags.Lookup("log-level"))
	_ = v.BindPFlag(keyListen, flags.Lookup("listen"))
	_ = v.BindPFlag(keyQueueType, flags.Lookup("queue-type"))

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Feedstream v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK: %d connector(s), queue %q\n", len(cfg.Connectors), cfg.Queue.Type)
			for _, cc := range cfg.Connectors {
				fmt.Fprintf(out, "  - %s (%s %s every %s)\n", cc.Name, cc.Feed.Type, cc.Feed.URL, cc.PollInterval)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the ingestion supervisor",
		Long: `Run every configured connector under the ingestion supervisor until SIGINT
or SIGTERM.

Example:
  feedstream run --config feedstream.yaml --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	})

	return root
}

// loadConfig reads the configuration file named by the config key, applies
// flag and environment overrides and validates the result.
func loadConfig(v *viper.Viper) (*config.AppConfig, error) {
	cfg := config.Default()

	path := v.GetString(keyConfig)
	if path == "" {
		return nil, fmt.Errorf("a configuration file is required")
	}
	if err := config.Load(path, cfg); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	if lvl := v.GetString(keyLogLevel); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if addr := v.GetString(keyListen); addr != "" {
		cfg.Server.ListenAddress = addr
	}
	if qt := v.GetString(keyQueueType); qt != "" {
		cfg.Queue.Type = qt
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
