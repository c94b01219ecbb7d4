package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/pkg/types"
)

func newRetrieveCmd() *cobra.Command {
	var (
		user   string
		goal   string
		k      int
		budget int
		scores bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Build the memory context for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			req := engine.RetrieveRequest{
				UserID:        user,
				Query:         args[0],
				ActiveGoal:    goal,
				K:             k,
				IncludeScores: scores,
			}
			if budget > 0 {
				req.Budget = types.TokenBudget{Total: budget}
			}

			bundle, err := rt.engine.Retrieve(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(bundle)
			}

			fmt.Print(bundle.Render())
			fmt.Printf("\n[%d tokens", bundle.TotalTokens)
			if len(bundle.Degraded) > 0 {
				fmt.Printf(", degraded tiers: %v", bundle.Degraded)
			}
			fmt.Println("]")

			if scores {
				for _, tr := range bundle.DebugScores {
					status := "included"
					if !tr.Included {
						status = "dropped: " + tr.DropReason
					}
					fmt.Printf("  %s %-10s priority=%.3f relevance=%.3f confidence=%.3f (%s)\n",
						tr.ItemID, tr.Tier, tr.Priority, tr.Relevance, tr.Confidence, status)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user ID (required)")
	cmd.Flags().StringVarP(&goal, "goal", "g", "", "active goal text")
	cmd.Flags().IntVarP(&k, "k", "k", 0, "result cap (default from config)")
	cmd.Flags().IntVar(&budget, "budget", 0, "total token budget override")
	cmd.Flags().BoolVar(&scores, "scores", false, "print per-candidate score traces")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the raw bundle as JSON")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newWriteCmd() *cobra.Command {
	var (
		user       string
		tier       string
		subject    string
		predicate  string
		value      string
		confidence float64
		importance float64
		source     string
		tags       []string
		fromFile   string
	)
	cmd := &cobra.Command{
		Use:   "write [text]",
		Short: "Submit one candidate, or a JSON batch with --file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var candidates []types.Candidate
			switch {
			case fromFile != "":
				data, err := os.ReadFile(fromFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &candidates); err != nil {
					return fmt.Errorf("parsing %s: %w", fromFile, err)
				}
			case len(args) == 1:
				if !engine.LooksInformative(args[0]) {
					return fmt.Errorf("candidate text carries no information worth storing")
				}
				candidates = []types.Candidate{{
					Tier:       types.Tier(tier),
					Subject:    subject,
					Predicate:  predicate,
					Value:      value,
					Text:       args[0],
					Confidence: confidence,
					Importance: importance,
					Source:     source,
					Tags:       tags,
				}}
			default:
				return fmt.Errorf("provide candidate text or --file")
			}

			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			results := rt.engine.Write(cmd.Context(), user, candidates)
			for i, res := range results {
				line := fmt.Sprintf("[%d] %s", i, res.Outcome)
				if res.Reason != "" {
					line += fmt.Sprintf(" (%s)", res.Reason)
				}
				if res.ItemID != "" {
					line += " -> " + res.ItemID
				}
				if res.SupersededID != "" {
					line += " superseded " + res.SupersededID
				}
				if res.Question != "" {
					line += "\n    needs confirmation: " + res.Question
				}
				if res.Err != nil {
					line += fmt.Sprintf("\n    error: %v", res.Err)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user ID (required)")
	cmd.Flags().StringVarP(&tier, "tier", "t", string(types.TierEpisodic), "memory tier")
	cmd.Flags().StringVar(&subject, "subject", "", "structured key subject")
	cmd.Flags().StringVar(&predicate, "predicate", "", "structured key predicate")
	cmd.Flags().StringVar(&value, "value", "", "structured key value")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.8, "extractor confidence")
	cmd.Flags().Float64Var(&importance, "importance", 0, "intrinsic importance")
	cmd.Flags().StringVar(&source, "source", types.SourceUserStated, "source type")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	cmd.Flags().StringVarP(&fromFile, "file", "f", "", "JSON file with a candidate array")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newCompactCmd() *cobra.Command {
	var (
		user string
		loop bool
	)
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Run a compaction sweep, or keep the loop running with --loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if loop {
				// Weights stay hot-reloadable while the loop runs.
				watcher := config.NewWeightsWatcher(cfgPath, rt.weights)
				if err := watcher.Start(); err != nil {
					log.Printf("recall: weight hot-reload disabled: %v", err)
				} else {
					defer watcher.Stop()
				}

				rt.engine.Start()
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				<-sig
				return nil
			}

			if user != "" {
				return rt.engine.CompactUser(cmd.Context(), user)
			}
			return rt.engine.Compact(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "compact a single user")
	cmd.Flags().BoolVar(&loop, "loop", false, "run the scheduled compaction loop until interrupted")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <item-id>",
		Short: "Show one memory item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			item, err := rt.engine.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			item.Embedding = nil // not useful on a terminal
			return printJSON(item)
		},
	}
}

func newChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <item-id>",
		Short: "Show an item's full version history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			chain, err := rt.engine.Chain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for i, item := range chain {
				state := "active"
				if item.ValidTo != nil {
					state = "closed " + item.ValidTo.Format("2006-01-02 15:04")
				}
				fmt.Printf("v%d %s [%s] %s\n", i+1, item.ID, state, item.Text)
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize a user's memory per tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			stats, err := rt.engine.Stats(cmd.Context(), user)
			if err != nil {
				return err
			}
			fmt.Printf("%-12s %8s %8s %8s\n", "tier", "active", "closed", "archived")
			for _, tier := range types.ValidTiers {
				ts := stats.Tiers[tier]
				fmt.Printf("%-12s %8d %8d %8d\n", tier, ts.Active, ts.Closed, ts.Archived)
			}
			fmt.Printf("total: %d\n", stats.Total())
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user ID (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newRepairCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Restore the single-active-version invariant and rebuild the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			closed, err := rt.engine.Repair(cmd.Context(), user)
			if err != nil {
				return err
			}
			fmt.Printf("closed %d duplicate active versions\n", closed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user ID (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <item-id>",
		Short: "Tombstone an item at the user's request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.engine.Forget(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("forgotten")
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
