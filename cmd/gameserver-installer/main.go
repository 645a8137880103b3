package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/BrianJOC/gameserver-installer/pkg/config"
	"github.com/BrianJOC/gameserver-installer/utils/logging"
)

type rootOptions struct {
	cfgFile  string
	logLevel string
	logFile  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "gameserver-installer",
		Short:         "Install a dedicated game server",
		Long:          `gameserver-installer downloads SteamCMD, Wine and the dedicated server files, installing missing system packages on Linux.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is gameserver.yaml in the user config dir or the working directory)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: panic, fatal, error, warn, info, debug or trace")
	root.PersistentFlags().StringVar(&opts.logFile, "log-file", "", `log file path, or "console" for stderr`)

	root.AddCommand(
		newCheckCmd(opts),
		newInstallCmd(opts),
		newTUICmd(opts),
		newUnlockCmd(opts),
	)
	return root
}

// load reads the configuration, applies flag overrides and sets up logging.
// fallbackLog, when set, picks a log file for runs that would otherwise log
// to the console.
func (o *rootOptions) load(fallbackLog func(*config.Config) string) (*config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFile != "" {
		cfg.LogFile = o.logFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logPath := cfg.LogFile
	if fallbackLog != nil && (logPath == "" || logPath == logging.ConsoleOutput) {
		logPath = fallbackLog(cfg)
	}
	if err := logging.Init(cfg.LogLevel, logPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultLogPath(cfg *config.Config) string {
	return filepath.Join(cfg.InstallRoot, "logs", "installer.log")
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
