package main

import (
	"fmt"

	"lfingest/pkg/models"
	"lfingest/pkg/quota"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and adjust the quota ledger",
	}
	cmd.AddCommand(newLedgerVerifyCmd(), newLedgerHistoryCmd(), newLedgerAdjustCmd())
	return cmd
}

func newLedgerVerifyCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay the ledger and compare it with the stored quota accounts",
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

			owners := []string{owner}
			if owner == "" {
				owners, err = a.ledger.Owners(cmd.Context())
				if err != nil {
					return err
				}
			}

			var mismatched []quota.Verification
			for _, id := range owners {
				verification, err := a.ledger.Verify(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !verification.Consistent() {
					mismatched = append(mismatched, verification)
				}
			}

			if len(mismatched) > 0 {
				if err := printJSON(cmd, mismatched); err != nil {
					return err
				}
				return fmt.Errorf("%d of %d quota accounts disagree with their ledger", len(mismatched), len(owners))
			}
			cmd.Printf("%d quota accounts consistent\n", len(owners))
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "verify a single owner")
	return cmd
}

func newLedgerHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <owner>",
		Short: "Print the most recent ledger rows of an owner",
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

			records, err := a.ledger.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of rows")
	return cmd
}

// adjustResult is the quota of an owner after an adjustment.
type adjustResult struct {
	OwnerID       string `json:"owner_id"`
	Size          int64  `json:"size"`
	Used          int64  `json:"used"`
	Available     int64  `json:"available"`
	AvailableText string `json:"available_text"`
}

func newLedgerAdjustCmd() *cobra.Command {
	var grow, shrink, credit, reason string

	cmd := &cobra.Command{
		Use:   "adjust <owner>",
		Short: "Raise or lower the quota cap of an owner, or credit used bytes back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, raw := models.QuotaActionAdd, grow
			switch {
			case shrink != "":
				action, raw = models.QuotaActionSub, shrink
			case credit != "":
				raw = credit
			}

			amount, err := humanize.ParseBytes(raw)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", raw, err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			owner := args[0]
			var result models.Quota
			if credit != "" {
				result, err = a.ledger.AdjustUsed(cmd.Context(), owner, models.QuotaActionAdd, int64(amount), reason, "") // #nosec G115 - sizes far below MaxInt64
			} else {
				result, err = a.ledger.AdjustSize(cmd.Context(), owner, action, int64(amount), reason) // #nosec G115 - sizes far below MaxInt64
			}
			if err != nil {
				return err
			}

			available := max(result.Available(), 0)
			return printJSON(cmd, adjustResult{
				OwnerID:       owner,
				Size:          result.Size,
				Used:          result.Used,
				Available:     available,
				AvailableText: humanize.IBytes(uint64(available)), // #nosec G115 - clamped to zero
			})
		},
	}

	cmd.Flags().StringVar(&grow, "grow", "", "raise the quota cap by this many bytes (e.g. 5GiB)")
	cmd.Flags().StringVar(&shrink, "shrink", "", "lower the quota cap by this many bytes")
	cmd.Flags().StringVar(&credit, "credit", "", "return this many used bytes to the owner")
	cmd.Flags().StringVar(&reason, "reason", "manual adjustment", "reason stored on the ledger row")
	cmd.MarkFlagsMutuallyExclusive("grow", "shrink", "credit")
	cmd.MarkFlagsOneRequired("grow", "shrink", "credit")
	return cmd
}
