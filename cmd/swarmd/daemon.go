package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/decompose"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/gitops"
	"github.com/aristath/swarm/internal/hub"
	"github.com/aristath/swarm/internal/persistence"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/server"
	"github.com/aristath/swarm/internal/swarm"
	"github.com/aristath/swarm/internal/terminal"
)

// outputBuffer is the subscription buffer for terminal output. Output beyond
// it is dropped for slow clients; lifecycle events are never dropped.
const outputBuffer = 256

// daemon is the fully wired server process.
type daemon struct {
	globalPath  string
	projectPath string

	store   *persistence.SQLiteStore
	bus     *events.EventBus
	tracker *budget.Tracker
	pool    *terminal.Manager
	git     *gitops.Manager
	server  *server.Server
}

// newDaemon opens the store, starts the worker shells and wires the
// scheduler, hub and server. Nothing is dispatched until run.
func newDaemon(ctx context.Context, cfg *config.Config, addr, globalPath, projectPath string) (*daemon, error) {
	d := &daemon{globalPath: globalPath, projectPath: projectPath}

	store, err := persistence.NewSQLiteStore(ctx, cfg.Server.DBPath, cfg.Settings())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	d.store = store

	settings, err := store.Settings(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	d.bus = events.NewEventBus()
	// Subscribe before the shells start so their first events reach the hub.
	feed := d.bus.SubscribeReliable(events.TopicWorker, events.TopicTask, events.TopicBudget)
	output := d.bus.Subscribe(events.TopicTerminal, outputBuffer)
	d.tracker = budget.NewTracker(store, d.bus, budget.Limits{
		Daily:   settings.DailyBudget,
		Weekly:  settings.WeeklyBudget,
		PerTask: cfg.Budget.PerTask,
	})

	d.pool = terminal.NewManager(d.bus,
		terminal.WithHoldOnComplete(),
		terminal.WithShell(cfg.Workers.Shell),
		terminal.WithSize(cfg.Workers.Cols, cfg.Workers.Rows),
	)
	if err := d.pool.Init(settings.WorkerCount, settings.WorkspaceBase); err != nil {
		d.pool.Dispose()
		store.Close()
		return nil, fmt.Errorf("starting workers: %w", err)
	}

	d.git = gitops.NewManager(gitops.Config{
		BaseBranch: cfg.Git.BaseBranch,
		Remote:     cfg.Git.Remote,
		PRLabel:    cfg.Git.PRLabel,
	})

	sched := scheduler.New(scheduler.Config{
		Store:     store,
		Workers:   d.pool,
		Git:       d.git,
		Budget:    d.tracker,
		Bus:       d.bus,
		Providers: cfg.Providers,
	})

	var swarms *swarm.Manager
	client, err := decompose.NewClient(ctx, cfg.Decompose)
	if err != nil {
		log.Printf("WARNING: swarm planning disabled: %v", err)
	} else {
		swarms = swarm.NewManager(client, swarm.WithArchive(store))
	}

	clients := server.NewClients()
	h := hub.New(hub.Config{
		Store:             store,
		Scheduler:         sched,
		Terminals:         d.pool,
		Budget:            d.tracker,
		Git:               d.git,
		Swarm:             swarms,
		Broadcast:         clients,
		CancelKillsWorker: cfg.Server.CancelKillsWorker,
	})

	d.server, err = server.New(server.Config{
		Addr:           addr,
		TickInterval:   time.Duration(cfg.Server.TickIntervalMS) * time.Millisecond,
		Hub:            h,
		Clients:        clients,
		Store:          store,
		Pool:           d.pool,
		Scheduler:      sched,
		Budget:         d.tracker,
		Git:            d.git,
		Events:         feed,
		Output:         output,
		ConfigPath:     projectPath,
		OnConfigChange: d.reload,
	})
	if err != nil {
		d.pool.Dispose()
		store.Close()
		d.bus.Close()
		return nil, err
	}
	return d, nil
}

// run serves until ctx is cancelled. In-flight git and gh processes are
// killed as soon as shutdown starts.
func (d *daemon) run(ctx context.Context) error {
	defer d.bus.Close()

	stop := context.AfterFunc(ctx, func() {
		if err := d.git.KillAll(); err != nil {
			log.Printf("WARNING: killing git processes: %v", err)
		}
	})
	defer stop()

	return d.server.Run(ctx)
}

// reload applies budget limits and runtime settings from the config files.
// Worker count and workspace base need a restart.
func (d *daemon) reload() {
	cfg, err := config.Load(d.globalPath, d.projectPath)
	if err != nil {
		log.Printf("WARNING: reloading config: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = d.tracker.SetLimits(ctx, budget.LimitsUpdate{
		Daily:   &cfg.Budget.Daily,
		Weekly:  &cfg.Budget.Weekly,
		PerTask: &cfg.Budget.PerTask,
	})
	if err != nil {
		log.Printf("WARNING: applying budget limits: %v", err)
	}

	err = d.store.UpdateSettings(ctx, map[string]string{
		config.KeyDefaultModel: cfg.Model,
		config.KeyDefaultAgent: cfg.Agent,
		config.KeyAutoPR:       strconv.FormatBool(cfg.Git.AutoPR),
	})
	if err != nil {
		log.Printf("WARNING: applying settings: %v", err)
		return
	}
	log.Printf("Config reloaded from %s", d.projectPath)
}
