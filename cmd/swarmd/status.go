package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/persistence"
	"github.com/aristath/swarm/internal/report"
	"github.com/aristath/swarm/internal/swarm"
	"github.com/aristath/swarm/internal/terminal"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tasks, spend and swarm sessions",
		Long: `Reads the task database directly, so it works whether or not the server is
running. Pass --server to also list the live workers of a running server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			sections, err := statusSections(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if serverURL != "" {
				workers, err := fetchWorkers(cmd.Context(), serverURL)
				if err != nil {
					return err
				}
				sections = append([]string{report.Workers(workers)}, sections...)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(sections, "\n\n"))
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "base URL of a running server, e.g. http://localhost:3001")
	return cmd
}

// statusSections renders the stored tasks, budget and sessions.
func statusSections(ctx context.Context, cfg *config.Config) ([]string, error) {
	store, err := persistence.NewSQLiteStore(ctx, cfg.Server.DBPath, cfg.Settings())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := store.Settings(ctx)
	if err != nil {
		return nil, err
	}
	tracker := budget.NewTracker(store, nil, budget.Limits{
		Daily:   settings.DailyBudget,
		Weekly:  settings.WeeklyBudget,
		PerTask: cfg.Budget.PerTask,
	})
	summary, err := tracker.Summary(ctx, nil)
	if err != nil {
		return nil, err
	}

	records, err := store.ListSwarmSessions(ctx)
	if err != nil {
		return nil, err
	}
	states := make([]swarm.State, 0, len(records))
	for _, rec := range records {
		var st swarm.State
		if err := json.Unmarshal(rec.State, &st); err != nil {
			log.Printf("WARNING: skipping unreadable swarm session %s: %v", rec.ID, err)
			continue
		}
		states = append(states, st)
	}

	return []string{report.Tasks(tasks), report.Budget(summary), report.Sessions(states)}, nil
}

func fetchWorkers(ctx context.Context, baseURL string) ([]terminal.Worker, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/workers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching workers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetching workers: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var workers []terminal.Worker
	if err := json.NewDecoder(resp.Body).Decode(&workers); err != nil {
		return nil, fmt.Errorf("decoding workers: %w", err)
	}
	return workers, nil
}
