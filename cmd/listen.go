package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"djmesh/models"
)

var (
	listenPeerAddr string
	listenWait     time.Duration
)

var listenCmd = &cobra.Command{
	Use:   "listen [peer-id]",
	Short: "Join a DJ as a listener",
	Long: `Join a DJ by device ID and mirror its queue. Without a peer ID the DJ
remembered from the last session is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resolve func(string) (string, bool)
		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		if listenPeerAddr != "" {
			resolve = func(id string) (string, bool) {
				if target != "" && id != target {
					return "", false
				}
				return listenPeerAddr, true
			}
		}

		n, err := openNode(nodeOptions{resolve: resolve})
		if err != nil {
			return err
		}
		defer n.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dj, err := chooseDJ(ctx, n, target)
		if err != nil {
			return err
		}
		if err := n.session.StartAsListener(dj); err != nil {
			return fmt.Errorf("join %s: %w", dj.ID, err)
		}

		printBanner(n)
		fmt.Printf("Role:            listener of %s (%s)\n", dj.DisplayName, dj.ID)
		return n.run(ctx)
	},
}

func init() {
	listenCmd.Flags().StringVar(&listenPeerAddr, "peer-addr", "", "Connect to host:port directly instead of waiting for mDNS")
	listenCmd.Flags().DurationVar(&listenWait, "wait", 10*time.Second, "How long to browse for the DJ")
}

// chooseDJ resolves the DJ to join: the given ID, or the remembered one.
// Unless a direct address is configured the DJ must be discovered first.
func chooseDJ(ctx context.Context, n *node, id string) (models.PeerIdentity, error) {
	remembered, hasRemembered := n.session.RememberedDJ()
	if id == "" {
		if !hasRemembered {
			return models.PeerIdentity{}, errors.New("no peer-id given and no remembered DJ")
		}
		id = remembered.ID
	}

	fallback := models.PeerIdentity{ID: id, DisplayName: id}
	if hasRemembered && remembered.ID == id {
		fallback = remembered
	} else if profile, ok := n.session.Profile(id); ok && profile.Name != "" {
		fallback.DisplayName = profile.Name
	}
	if listenPeerAddr != "" {
		return fallback, nil
	}

	if err := n.session.StartBrowsing(); err != nil {
		return models.PeerIdentity{}, err
	}
	fmt.Printf("Searching for DJ %s...\n", fallback.DisplayName)
	return n.waitForPeer(ctx, id, listenWait)
}
