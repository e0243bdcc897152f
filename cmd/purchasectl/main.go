// Command purchasectl drives the purchase reconciliation engine from a
// terminal. It stands in for the mobile host: the native store is replaced
// by a scripted bridge, and device state lives in LOCAL_STATE_PATH.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "purchasectl",
		Short:         "Drive subscription purchases against the billing API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newBuyCmd(), newResumeCmd(), newCacheCmd())
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
