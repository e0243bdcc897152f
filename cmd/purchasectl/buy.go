package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fitmarket/internal/purchase"
	"fitmarket/internal/types"
)

type buyResult struct {
	Status    types.PurchaseStatus  `json:"status"`
	Tier      types.PlanTier        `json:"tier,omitempty"`
	Interval  types.BillingInterval `json:"interval,omitempty"`
	ProductID string                `json:"product_id,omitempty"`
	Degraded  bool                  `json:"degraded,omitempty"`
	Immutable bool                  `json:"immutable,omitempty"`
	Attempts  int                   `json:"poll_attempts,omitempty"`
	Error     string                `json:"error,omitempty"`
}

func newBuyCmd() *cobra.Command {
	var (
		accountID string
		tier      string
		interval  string
		outcome   string
		reason    string
		delay     time.Duration
		founder   bool
	)

	cmd := &cobra.Command{
		Use:   "buy",
		Short: "Purchase a tier and wait for billing confirmation",
		Example: `  # Buy pro monthly; the scripted store reports success after 2s
  purchasectl buy --account acct_123 --tier pro --interval monthly --delay 2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(scriptedOutcomes, outcome) {
				return fmt.Errorf("--outcome must be one of %s", strings.Join(scriptedOutcomes, ", "))
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			completed := make(chan purchase.CompletionEvent, 1)
			states := make(chan types.PurchaseStatus, 64)
			bridge := &scriptedBridge{outcome: outcome, reason: reason, delay: delay}

			eng, err := newEngine(ctx, accountID, founder, engineHooks{
				bridge:        bridge,
				onComplete:    func(ev purchase.CompletionEvent) { completed <- ev },
				onStateChange: func(_, to types.PurchaseStatus) { states <- to },
			})
			if err != nil {
				return err
			}
			defer eng.Close()
			bridge.deliver = func(ctx context.Context, raw []byte) {
				_, _ = eng.controller.HandleBridgePayload(ctx, raw)
			}

			ctx, cancel := context.WithTimeout(ctx, eng.maxWait())
			defer cancel()

			req := purchase.PurchaseRequest{Tier: types.PlanTier(tier), Interval: types.BillingInterval(interval)}
			if err := eng.controller.Purchase(ctx, req); err != nil {
				if types.CodeOf(err) == types.ErrCodePurchaseDispatch {
					return printJSON(cmd.OutOrStdout(), buyResult{Status: types.PurchaseFailed, Error: err.Error()})
				}
				return err
			}

			result, err := waitForOutcome(ctx, eng.controller, completed, states)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "account ID to purchase for")
	cmd.Flags().StringVar(&tier, "tier", "", "tier to buy (starter, pro, enterprise)")
	cmd.Flags().StringVar(&interval, "interval", string(types.IntervalMonthly), "billing interval (monthly, yearly)")
	cmd.Flags().StringVar(&outcome, "outcome", "success", "scripted store outcome: "+strings.Join(scriptedOutcomes, ", "))
	cmd.Flags().StringVar(&reason, "reason", "card_declined", "failure reason reported with --outcome error")
	cmd.Flags().DurationVar(&delay, "delay", time.Second, "delay before the scripted store responds")
	cmd.Flags().BoolVar(&founder, "founder", false, "mark the account as holding a founder grant")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("tier")
	return cmd
}

// waitForOutcome blocks until the attempt completes, fails, is cancelled
// or is parked as pending.
func waitForOutcome(ctx context.Context, c *purchase.Controller, completed <-chan purchase.CompletionEvent, states <-chan types.PurchaseStatus) (buyResult, error) {
	for {
		select {
		case ev := <-completed:
			return buyResult{
				Status:    types.PurchaseSuccess,
				Tier:      ev.Tier,
				Interval:  ev.Interval,
				ProductID: ev.ProductID,
				Degraded:  ev.Degraded,
				Immutable: ev.Immutable,
				Attempts:  ev.Attempts,
			}, nil
		case st := <-states:
			switch st {
			case types.PurchaseFailed:
				res := buyResult{Status: st}
				if err := c.Session().LastError; err != nil {
					res.Error = err.Error()
				}
				return res, nil
			case types.PurchaseCancelled, types.PurchasePending:
				return buyResult{Status: st}, nil
			}
		case <-ctx.Done():
			return buyResult{}, fmt.Errorf("gave up waiting for purchase outcome (status %s): %w", c.Status(), ctx.Err())
		}
	}
}
