package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/decompose"
	"github.com/aristath/swarm/internal/report"
	"github.com/aristath/swarm/internal/swarm"
)

func newPlanCmd(opts *globalOptions) *cobra.Command {
	var (
		repo        string
		model       string
		maxWorkers  int
		budgetLimit float64
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "plan <goal>",
		Short: "Break a goal into a plan of sub-tasks without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			client, err := decompose.NewClient(cmd.Context(), cfg.Decompose)
			if err != nil {
				return err
			}
			if model == "" {
				model = cfg.Decompose.Model
			}
			abs, err := filepath.Abs(repo)
			if err != nil {
				return err
			}

			req := swarm.Request{
				Type:     swarm.TypeAnalyze,
				Goal:     strings.Join(args, " "),
				RepoPath: abs,
				Model:    model,
			}
			if cmd.Flags().Changed("workers") {
				req.MaxWorkers = &maxWorkers
			}
			if cmd.Flags().Changed("budget") {
				req.BudgetLimit = &budgetLimit
			}
			return runPlan(cmd.Context(), cmd.OutOrStdout(), client, req, asJSON)
		},
	}
	cmd.Flags().StringVar(&repo, "repo", ".", "repository to plan against")
	cmd.Flags().StringVar(&model, "model", "", "model for the decomposition (default decompose.model)")
	cmd.Flags().IntVar(&maxWorkers, "workers", swarm.DefaultMaxWorkers, "workers to schedule the plan on")
	cmd.Flags().Float64Var(&budgetLimit, "budget", swarm.DefaultBudgetLimit, "budget the plan is checked against, in USD")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the analysis and plan as JSON")
	return cmd
}

// runPlan runs one planning session and prints its outcome.
func runPlan(ctx context.Context, w io.Writer, d swarm.Decomposer, req swarm.Request, asJSON bool) error {
	sess := swarm.NewManager(d).Create()

	var (
		result  *swarm.AnalysisComplete
		failure string
	)
	err := sess.Analyze(ctx, req, func(msg any) {
		switch m := msg.(type) {
		case swarm.AnalysisComplete:
			result = &m
		case swarm.ErrorMessage:
			failure = m.Error
		}
	})
	if err != nil {
		if failure != "" {
			return errors.New(failure)
		}
		return err
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintln(w, report.Plan(result.Plan, result.Timeline))
	for _, warning := range sess.State().Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	return nil
}
