package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	dataDirFlag  string
	logLevelFlag string
	uiAddrFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "djmesh",
	Short: "Shared party queue over the local network",
	Long: `djmesh lets one device act as the DJ that owns the playback queue while
nearby devices join as listeners, browse the queue and request songs.

Use "djmesh [command] --help" for more information about a command.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default: OS app data dir or $DJMESH_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&uiAddrFlag, "ui-addr", "", "UI bridge listen address (default from config)")

	rootCmd.AddCommand(djCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevelFlag)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevelFlag, err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("djmesh %s\n", Version)
	},
}
