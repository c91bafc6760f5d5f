package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kvfs/pkg/boot"
	"kvfs/pkg/posix"
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kvfs",
		Short: "Boot a virtual filesystem tree and inspect it",
		Long: `kvfs assembles a filesystem tree from a boot configuration: an in-memory
root, memfs and devfs mounts, ext2 images and host directories, and the
stock devices. Each command boots the tree, runs, and exits.

Example:
  kvfs --config boot.yaml tree /mnt/disk`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Boot configuration file (default: built-in /tmp and /dev)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: off, info or debug (overrides the config)")

	rootCmd.AddCommand(
		lsCmd(),
		catCmd(),
		statCmd(),
		treeCmd(),
		mountsCmd(),
		writeCmd(),
		mkfsCmd(),
	)
	addPlatformCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootSystem boots the configured tree and opens a process on it.
func bootSystem() (*boot.System, *posix.Process, error) {
	cfg := boot.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = boot.Load(configPath); err != nil {
			return nil, nil, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	s, err := boot.Boot(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("boot: %w", err)
	}
	return s, posix.NewProcess(s.Context), nil
}

// withSystem runs fn against a freshly booted tree and tears it down.
func withSystem(fn func(s *boot.System, p *posix.Process) error) error {
	s, p, err := bootSystem()
	if err != nil {
		return err
	}
	defer s.Close()
	defer p.Exit()
	return fn(s, p)
}
