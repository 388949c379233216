package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/config"
	"github.com/lazypower/engram/internal/logging"
)

var (
	configPath string
	dbFlag     string
	logLevel   string
	serverURL  string

	cfg    config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Long-term memory that compiles into reasoning graphs",
	Long: "Engram stores knowledge as fragments in a memory graph and compiles, per query, " +
		"an ephemeral execution graph from the fragments the context activates.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// setup loads the configuration and builds the logger for every command.
func setup(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	var err error
	cfg, err = config.Load(path)
	if err != nil {
		return err
	}
	if dbFlag != "" {
		cfg.Database.Path = dbFlag
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err = logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	return nil
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.engram/config.yaml)")
	pf.StringVar(&dbFlag, "db", "", "snapshot file (default ~/.engram/engram.db)")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&serverURL, "server", "", "send the command to a running server at this URL instead of the snapshot file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(decayCmd)
	rootCmd.AddCommand(reinforceCmd)
	rootCmd.AddCommand(fossilizeCmd)
	rootCmd.AddCommand(inspectCmd)
}
