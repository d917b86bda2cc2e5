package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var peersWait time.Duration

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List DJs advertising on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(nodeOptions{})
		if err != nil {
			return err
		}
		defer n.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := n.session.StartBrowsing(); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, peersWait)
		defer cancel()
		if err := n.session.RefreshPeers(waitCtx); err != nil && waitCtx.Err() == nil {
			n.logger.WithError(err).Warn("DISCOVERY: browse refresh failed")
		}
		<-waitCtx.Done()

		peers := n.session.ConnectablePeers()
		if len(peers) == 0 {
			fmt.Println("No DJs found.")
			return nil
		}
		fmt.Printf("DJs (%d):\n\n", len(peers))
		for _, peer := range peers {
			fmt.Printf("  %s\n", peer.ID)
			fmt.Printf("    Name:  %s\n", peer.DisplayName)
			if profile, ok := n.session.Profile(peer.ID); ok {
				fmt.Printf("    Profile: %s", profile.Name)
				if profile.ImageURL != "" {
					fmt.Printf(" (%s)", profile.ImageURL)
				}
				fmt.Println()
			}
		}
		return nil
	},
}

func init() {
	peersCmd.Flags().DurationVar(&peersWait, "wait", 3*time.Second, "How long to browse before listing")
}
