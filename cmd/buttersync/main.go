// Command buttersync synchronizes read-only copy-on-write snapshots
// between btrfs, S3, and remote-via-SSH stores.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/amescornish/buttersync/internal/config"
	"github.com/amescornish/buttersync/internal/logging"
	"github.com/amescornish/buttersync/internal/schedule"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		server     bool
		modeFlag   string
		compress   bool
	)

	root := &cobra.Command{
		Use:   "buttersync",
		Short: "Synchronize read-only btrfs snapshots across btrfs, S3, and SSH stores",
		// --server is how sshstore.Dial invokes the binary at the far end
		// of an ssh connection: `ssh host buttersync --server --mode r
		// /path`. It is a root-level flag, not a subcommand, to match
		// that exact invocation.
		RunE: func(cmd *cobra.Command, args []string) error {
			if !server {
				return cmd.Help()
			}
			if len(args) != 1 {
				return fmt.Errorf("buttersync: --server requires exactly one positional argument (the store directory)")
			}
			return runServer(cmd.Context(), modeFlag, args[0], compress)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/buttersync.yaml", "path to the config file")
	root.Flags().BoolVar(&server, "server", false, "run as the remote peer server (spawned over ssh, not invoked directly)")
	root.Flags().StringVar(&modeFlag, "mode", "r", "access mode when run as --server: r, a, or w")
	root.Flags().BoolVar(&compress, "compress", false, "speak the peer protocol over a zstd-compressed transport")

	root.AddCommand(newSyncCmd(&configPath), newListCmd(&configPath), newScheduleCmd(&configPath))
	return root
}

func newSyncCmd(configPath *string) *cobra.Command {
	var required []string
	var deleteUnused bool

	cmd := &cobra.Command{
		Use:   "sync <job>",
		Short: "Run one sync job's plan to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, job, err := loadJob(*configPath, args[0])
			if err != nil {
				return err
			}
			if len(required) > 0 {
				job.Required = required
			}
			if deleteUnused {
				job.DeleteUnused = true
			}

			log := logging.New(os.Stderr, slog.LevelInfo)
			return runSync(cmd.Context(), log, job, cfg.Global)
		},
	}
	cmd.Flags().StringSliceVar(&required, "required", nil, "restrict to these volume UUIDs (default: everything every source offers)")
	cmd.Flags().BoolVar(&deleteUnused, "delete", false, "delete volumes at the destination that are no longer referenced")
	return cmd
}

func newListCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <job>",
		Short: "List the volumes and diffs a job's destination currently holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, job, err := loadJob(*configPath, args[0])
			if err != nil {
				return err
			}

			stores, _, closeAll, err := openJobStores(cmd.Context(), job, cfg.Global)
			if err != nil {
				return err
			}
			defer closeAll(cmd.Context())

			dest := stores[len(stores)-1]
			lines, err := dest.ListContents(cmd.Context())
			if err != nil {
				return fmt.Errorf("buttersync: listing %s: %w", dest.Name(), err)
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}
	return cmd
}

func newScheduleCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run every configured job on its own cron spec until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			log := logging.New(os.Stderr, slog.LevelInfo)
			sched := schedule.New(log, func(ctx context.Context, job *config.SyncJob) error {
				return runSync(ctx, log, job, cfg.Global)
			})
			for i := range cfg.Jobs {
				if err := sched.Add(cmd.Context(), &cfg.Jobs[i]); err != nil {
					return err
				}
			}

			sched.Start()
			<-cmd.Context().Done()
			sched.Stop(context.Background())
			return nil
		},
	}
}

func loadJob(configPath, name string) (*config.Config, *config.SyncJob, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	job, err := cfg.Job(name)
	if err != nil {
		return nil, nil, err
	}
	return cfg, job, nil
}
