package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or reset device-local purchase state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print every stored key and value",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, keys []string, get func(string) (string, error), _ func(...string) error) error {
				out := make(map[string]string, len(keys))
				for _, k := range keys {
					v, err := get(k)
					if err != nil {
						return err
					}
					out[k] = v
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete all stored purchase state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, keys []string, _ func(string) (string, error), del func(...string) error) error {
				if len(keys) > 0 {
					if err := del(keys...); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d keys\n", len(keys))
				return nil
			})
		},
	})
	return cmd
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, keys []string, get func(string) (string, error), del func(...string) error) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, _, err := loadEngineConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list local state: %w", err)
	}
	sort.Strings(keys)
	get := func(k string) (string, error) {
		v, _, err := store.Get(ctx, k)
		return v, err
	}
	del := func(ks ...string) error { return store.Delete(ctx, ks...) }
	return fn(ctx, keys, get, del)
}
