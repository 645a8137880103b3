package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/BrianJOC/gameserver-installer/pkg/installservice"
	"github.com/BrianJOC/gameserver-installer/pkg/phasedapp"
	"github.com/BrianJOC/gameserver-installer/utils/installlock"
)

func newTUICmd(opts *rootOptions) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Install the server in an interactive terminal UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// the UI owns the terminal, so console logs go to a file instead
			cfg, err := opts.load(defaultLogPath)
			if err != nil {
				return err
			}

			app, err := phasedapp.New(cfg, phasedapp.WithLogger(log.StandardLogger()))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			if from != "" {
				err = app.StartFrom(ctx, from)
			} else {
				err = app.Start(ctx)
			}
			if errors.Is(err, installservice.ErrLocked) {
				return fmt.Errorf("%w (remove a stale lock at %s with the unlock command)", err, installlock.New(cfg.InstallRoot).Path())
			}
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start at this phase: linux-deps, compat-runtime, distribution-client, payload or validation")
	return cmd
}

func newUnlockCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Remove an install lock left behind by an interrupted run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(nil)
			if err != nil {
				return err
			}
			lock := installlock.New(cfg.InstallRoot, installlock.WithLogger(log.StandardLogger()))
			out := cmd.OutOrStdout()
			if !lock.IsLocked() {
				fmt.Fprintln(out, "No install lock present.")
				return nil
			}
			if since, ok := lock.AcquiredAt(); ok {
				fmt.Fprintf(out, "Lock held since %s.\n", since.Format("2006-01-02 15:04:05"))
			}
			lock.Release()
			fmt.Fprintf(out, "Removed %s.\n", lock.Path())
			return nil
		},
	}
}
