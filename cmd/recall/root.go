package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/gateway"
	"github.com/scrypster/recall/internal/index"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/storage/postgres"
	"github.com/scrypster/recall/internal/storage/sqlite"
)

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "recall",
		Short:         "Memory retrieval and consolidation engine",
		Long:          "recall selects what a conversational model should know about a user each turn,\nand consolidates what was learned afterwards: retrieval under token budgets,\nduplicate-aware writes with conflict resolution, and background compaction.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "recall.yaml", "path to the configuration file")

	root.AddCommand(
		newRetrieveCmd(),
		newWriteCmd(),
		newCompactCmd(),
		newGetCmd(),
		newChainCmd(),
		newStatsCmd(),
		newRepairCmd(),
		newForgetCmd(),
	)
	return root
}

// runtime bundles everything a subcommand needs plus its teardown.
type runtime struct {
	cfg     *config.Config
	engine  *engine.Engine
	weights *config.WeightsSource
	store   storage.ItemStore
}

func (r *runtime) close() {
	r.engine.Stop()
	if err := r.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "recall: closing store: %v\n", err)
	}
}

// openRuntime loads configuration and wires the engine over the
// configured backend.
func openRuntime() (*runtime, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	var store storage.ItemStore
	var searcher storage.VectorSearcher

	switch cfg.Storage.Engine {
	case "sqlite", "":
		s, err := sqlite.NewItemStore(filepath.Join(cfg.Storage.DataPath, "recall.db"))
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		store = s
	case "postgres":
		s, err := postgres.NewItemStore(cfg.Storage.Postgres)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		store = s
		if s.PgvectorAvailable() {
			searcher = s
		}
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}

	var idx index.Index
	if searcher != nil {
		idx = &index.StoreSearcher{Store: searcher}
	} else {
		// The in-process index is not persisted; rebuild it from the
		// store so a fresh process still sees everything written before.
		ci := index.NewChromemIndex()
		if err := hydrateIndex(context.Background(), store, ci); err != nil {
			store.Close()
			return nil, err
		}
		idx = ci
	}

	embedder, synth, err := gateway.New(cfg.Gateway)
	if err != nil {
		store.Close()
		return nil, err
	}

	weights := config.NewWeightsSource(cfg.Weights)
	eng := engine.New(store, idx, embedder, synth, weights, cfg.Engine, cfg.Gateway)

	return &runtime{cfg: cfg, engine: eng, weights: weights, store: store}, nil
}

// hydrateIndex repopulates an in-process index with every user's active
// items from the store.
func hydrateIndex(ctx context.Context, store storage.ItemStore, idx index.Index) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users for index rebuild: %w", err)
	}
	for _, userID := range users {
		if err := idx.RebuildUser(ctx, store, userID); err != nil {
			return fmt.Errorf("rebuilding index for user %s: %w", userID, err)
		}
	}
	return nil
}
