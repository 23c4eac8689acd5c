package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danmuck/crisscross/internal/config"
	"github.com/danmuck/crisscross/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "crisscross",
		Short:         "Send, receive and inspect framed JSON messages",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "TOML config path (built-in defaults when empty)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: trace|debug|info|warn|error|off")

	cmd.AddCommand(
		newListenCmd(opts),
		newSendCmd(opts),
		newInspectCmd(),
		newConfigCmd(),
	)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "crisscross: %v\n", err)
		os.Exit(1)
	}
}

// resolve loads --config and settles the log level. --log-level beats
// CRISSCROSS_LOG_LEVEL, which beats log_level from the file.
func (o *rootOptions) resolve() (config.Config, error) {
	cfg := config.Default()
	path := strings.TrimSpace(o.configPath)
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if raw := strings.TrimSpace(o.logLevel); raw != "" {
		lvl, ok := logging.ParseLevel(raw)
		if !ok {
			return config.Config{}, fmt.Errorf("unknown log level %q", raw)
		}
		cfg.LogLevel = lvl
		zerolog.SetGlobalLevel(lvl)
	} else if path != "" && strings.TrimSpace(os.Getenv(logging.EnvLogLevel)) == "" {
		zerolog.SetGlobalLevel(cfg.LogLevel)
	}
	return cfg, nil
}
