package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"djmesh/crypto"
	"djmesh/storage"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show device identity, paths and remembered state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, dataDir, err := loadConfig()
		if err != nil {
			return err
		}
		keys, err := crypto.LoadOrCreateIdentity(cfg.IdentityKeyPath)
		if err != nil {
			return fmt.Errorf("prepare identity key: %w", err)
		}
		store, dbPath, err := storage.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
		fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
		fmt.Printf("Profile:         %s\n", cfg.Profile.Name)
		if cfg.Profile.ImageURL != "" {
			fmt.Printf("Profile Image:   %s\n", cfg.Profile.ImageURL)
		}
		fmt.Printf("Fingerprint:     %s\n", keys.Fingerprint())
		fmt.Printf("Port Mode:       %s\n", cfg.PortMode)
		fmt.Printf("UI Address:      %s\n", cfg.UIAddress)
		fmt.Printf("Config File:     %s\n", cfgPath)
		fmt.Printf("Database File:   %s\n", dbPath)

		if dj, ok, err := store.LoadRememberedDJ(); err != nil {
			return err
		} else if ok {
			fmt.Printf("Remembered DJ:   %s (%s)\n", dj.DisplayName, dj.ID)
		}

		profiles, err := store.ListProfiles()
		if err != nil {
			return err
		}
		fmt.Printf("Known Profiles:  %d\n", len(profiles))
		for _, p := range profiles {
			fmt.Printf("  %s  %-20s  seen %s\n", p.DeviceID, p.Name, time.UnixMilli(p.UpdatedAt).Format(time.RFC3339))
		}
		return nil
	},
}

// printBanner prints the identity summary shown when a node starts.
func printBanner(n *node) {
	fmt.Printf("Device ID:       %s\n", n.cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", n.cfg.DeviceName)
	fmt.Printf("Fingerprint:     %s\n", n.keys.Fingerprint())
	fmt.Printf("Listening Port:  %d\n", n.peers.Port())
	fmt.Printf("UI Bridge:       http://%s\n", n.cfg.UIAddress)
	fmt.Printf("Data Directory:  %s\n", n.dataDir)
	fmt.Printf("Database File:   %s\n", n.dbPath)
}
