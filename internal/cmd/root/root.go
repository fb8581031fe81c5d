// Package root builds the krypton command tree. Running krypton with no
// subcommand starts the daemon.
package root

import (
	configcmd "github.com/argon-foss/krypton/internal/cmd/config"
	versioncmd "github.com/argon-foss/krypton/internal/cmd/version"
	internalconfig "github.com/argon-foss/krypton/internal/config"
	"github.com/argon-foss/krypton/internal/daemon"
	"github.com/argon-foss/krypton/internal/logger"
	"github.com/argon-foss/krypton/internal/signals"
	"github.com/spf13/cobra"
)

// NewCmdRoot creates the root command for the krypton daemon.
func NewCmdRoot(version, commit string) *cobra.Command {
	loader := internalconfig.NewLoader()
	var debug bool

	cmd := &cobra.Command{
		Use:   "krypton",
		Short: "Node daemon for the Argon game server panel",
		Long: `Krypton runs on each node of an Argon deployment. It provisions game
servers as containers on the local engine, runs their install scripts,
ships files into their volumes, and relays live console sessions
between containers and panel users.

Running krypton with no arguments starts the daemon.`,
		SilenceUsage: true,
		Annotations: map[string]string{
			"versionInfo": versioncmd.Format(version, commit),
		},
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Console-only until the configuration is loaded. The daemon
			// upgrades to file logging once it knows the data directory.
			logger.Init(debug)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, loader, version)
		},
	}

	cmd.PersistentFlags().BoolVarP(&debug, "debug", "D", false, "Enable debug logging")
	loader.AddFlags(cmd.PersistentFlags())

	cmd.SetVersionTemplate(versioncmd.Format(version, commit))

	cmd.AddCommand(configcmd.NewCmdConfig(loader))
	cmd.AddCommand(versioncmd.NewCmdVersion(version, commit))

	return cmd
}

func runDaemon(cmd *cobra.Command, loader *internalconfig.Loader, version string) error {
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	initFileLogging(cfg)

	logger.Info().
		Str("version", version).
		Str("config", loader.FileUsed()).
		Msg("Starting krypton")

	ctx, cancel := signals.SetupSignalContext(cmd.Context())
	defer cancel()

	d, err := daemon.New(ctx, daemon.Options{
		Config:  cfg,
		Version: version,
		Loader:  loader,
	})
	if err != nil {
		return err
	}

	return d.Run(ctx)
}

// initFileLogging reinitializes the logger with the rotating file sink
// under the configured data directory. Falls back to console-only
// logging when the file sink cannot be created.
func initFileLogging(cfg *internalconfig.Config) {
	logCfg := &logger.LoggingConfig{
		FileEnabled: cfg.Logging.FileEnabled,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		MaxBackups:  cfg.Logging.MaxBackups,
	}
	if err := logger.InitWithFile(cfg.Debug, cfg.Storage.LogsDir(), logCfg); err != nil {
		logger.Init(cfg.Debug)
		logger.Warn().Err(err).Msg("File logging unavailable, logging to console only")
	}
}
