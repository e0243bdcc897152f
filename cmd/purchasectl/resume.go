package main

import (
	"context"

	"github.com/spf13/cobra"

	"fitmarket/internal/types"
)

type resumeOutput struct {
	Coalesced     bool           `json:"coalesced,omitempty"`
	BlockedReason string         `json:"blocked_reason,omitempty"`
	Outcome       string         `json:"outcome,omitempty"`
	Tier          types.PlanTier `json:"tier,omitempty"`
	CachedTier    types.PlanTier `json:"cached_tier"`
	Error         string         `json:"error,omitempty"`
}

func newResumeCmd() *cobra.Command {
	var (
		accountID string
		founder   bool
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Run the app-foreground entitlement check",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			eng, err := newEngine(ctx, accountID, founder, engineHooks{})
			if err != nil {
				return err
			}
			defer eng.Close()

			res := eng.resume.HandleResume(ctx)
			out := resumeOutput{
				Coalesced:     res.Coalesced,
				BlockedReason: res.BlockedReason,
				Outcome:       string(res.Outcome.Kind),
				Tier:          res.Outcome.Tier,
				CachedTier:    eng.cache.LastTier(ctx),
			}
			if res.Outcome.Err != nil {
				out.Error = res.Outcome.Err.Error()
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account ID to verify")
	cmd.Flags().BoolVar(&founder, "founder", false, "mark the account as holding a founder grant")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
