package main

import (
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the backend and show the pending syncs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.start(cmd.Context()); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), a.engine.BackendStatus(), a.engine.PendingSyncs())
			return nil
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push conversations saved while offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.start(cmd.Context()); err != nil {
				return err
			}
			if !a.engine.BackendStatus().Connected() {
				cmd.PrintErrf("backend is %s, nothing synced\n", a.engine.BackendStatus().Status)
				return nil
			}
			res := a.engine.SyncPending(cmd.Context())
			cmd.Printf("synced %d, failed %d, dropped %d, pending %d\n",
				len(res.Synced), len(res.Failed), len(res.Dropped), len(a.engine.PendingSyncs()))
			return nil
		},
	}
}
