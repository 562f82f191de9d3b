package main

import (
	"fmt"

	"lfingest/pkg/offload"

	"github.com/spf13/cobra"
)

func newOffloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offload",
		Short: "Manage offload dead letters",
	}
	cmd.AddCommand(newDeadLettersCmd(), newRequeueCmd())
	return cmd
}

func newDeadLettersCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List files whose offload exhausted its retries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			letters, err := offload.NewDeadLetterStore(a.db).List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, letters)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")
	return cmd
}

func newRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <file-id>",
		Short: "Clear a dead letter so the scanner enqueues the file again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := offload.NewDeadLetterStore(a.db).Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no dead letter for file %s", args[0])
			}
			cmd.Printf("file %s will be offloaded on the next scan tick\n", args[0])
			return nil
		},
	}
}
