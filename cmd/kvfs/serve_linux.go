package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kvfs/pkg/boot"
	"kvfs/pkg/fusefs"
	"kvfs/pkg/posix"
)

func addPlatformCommands(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "serve mountpoint",
		Short: "Export the booted tree on a host directory through FUSE",
		Long: `serve boots the tree and mounts it on a host directory until interrupted.

Example:
  kvfs --config boot.yaml serve /mnt/kvfs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(func(s *boot.System, _ *posix.Process) error {
				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return fusefs.Serve(ctx, s.Context, args[0])
			})
		},
	})
}
