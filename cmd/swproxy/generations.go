package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"swproxy/internal/swproxy"
)

func newGenerationsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generations",
		Short: "Inspect or purge cache generations in the configured store",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List generations and their entry counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(v, func(ctx context.Context, cfg swproxy.Config, store swproxy.Store) error {
				names, err := store.Generations(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, name := range names {
					keys, err := store.Keys(ctx, name)
					if err != nil {
						return err
					}
					mark := ""
					if name == cfg.Cache.Generation {
						mark = " (current)"
					}
					fmt.Fprintf(out, "%s\t%d%s\n", name, len(keys), mark)
				}
				return nil
			})
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete every generation except the kept one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(v, func(ctx context.Context, cfg swproxy.Config, store swproxy.Store) error {
				keep, _ := cmd.Flags().GetString("keep")
				if keep == "" {
					keep = cfg.Cache.Generation
				}
				names, err := store.Generations(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					if name == keep {
						continue
					}
					if err := store.DeleteGeneration(ctx, name); err != nil {
						return fmt.Errorf("delete generation %s: %w", name, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
				}
				return nil
			})
		},
	}
	purge.Flags().String("keep", "", "generation to keep (default cache.generation)")

	cmd.AddCommand(list, purge)
	return cmd
}

func withStore(v *viper.Viper, fn func(context.Context, swproxy.Config, swproxy.Store) error) error {
	cfg, log, err := loadConfig(v)
	if err != nil {
		return err
	}
	if cfg.Storage.Type == swproxy.StorageMemory {
		return fmt.Errorf("generations: storage.type %q keeps nothing between runs; configure leveldb or redis", cfg.Storage.Type)
	}
	store, err := swproxy.OpenStore(cfg.Storage, log)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return fn(ctx, cfg, store)
}
