package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var djCmd = &cobra.Command{
	Use:   "dj",
	Short: "Host the party queue",
	Long: `Start as the DJ: advertise on the local network, accept listeners and
keep them in sync with the playback queue. Queue edits go through the UI
bridge.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(nodeOptions{})
		if err != nil {
			return err
		}
		defer n.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := n.session.StartAsDJ(); err != nil {
			// Advertising failures leave the DJ role in place; listeners can
			// still connect once discovery recovers.
			n.logger.WithError(err).Warn("SESSION: DJ started without advertising")
		}

		printBanner(n)
		fmt.Println("Role:            dj (press Ctrl+C to stop)")
		return n.run(ctx)
	},
}
