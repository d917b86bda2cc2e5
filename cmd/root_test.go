package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"djmesh/config"
	"djmesh/storage"
)

func TestInfoCreatesConfigIdentityAndDatabase(t *testing.T) {
	dir := t.TempDir()
	rootCmd.SetArgs([]string{"--data-dir", dir, "--log-level", "error", "info"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	cfg, err := config.Load(config.ConfigPath(dir))
	if err != nil {
		t.Fatalf("load created config: %v", err)
	}
	if cfg.DeviceID == "" {
		t.Fatalf("expected a device ID to be generated")
	}
	if _, err := os.Stat(cfg.IdentityKeyPath); err != nil {
		t.Fatalf("identity key missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, storage.DefaultDBFileName)); err != nil {
		t.Fatalf("database missing: %v", err)
	}
}

func TestUIAddrFlagOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	prevDir, prevAddr := dataDirFlag, uiAddrFlag
	dataDirFlag, uiAddrFlag = dir, "127.0.0.1:9911"
	t.Cleanup(func() { dataDirFlag, uiAddrFlag = prevDir, prevAddr })

	cfg, _, dataDir, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.UIAddress != "127.0.0.1:9911" {
		t.Fatalf("UIAddress = %q, want flag value", cfg.UIAddress)
	}
	if dataDir != dir {
		t.Fatalf("dataDir = %q, want %q", dataDir, dir)
	}
}

func TestInvalidLogLevelFails(t *testing.T) {
	rootCmd.SetArgs([]string{"--data-dir", t.TempDir(), "--log-level", "loud", "version"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		logLevelFlag = "info"
	})

	if err := Execute(); err == nil {
		t.Fatalf("expected invalid log level to fail")
	}
}
