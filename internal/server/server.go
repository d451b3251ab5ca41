// Package server exposes the hub over HTTP and websockets and runs the
// dispatch loop.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/gitops"
	"github.com/aristath/swarm/internal/hub"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/terminal"
)

// budgetLogLimit is how many recent spend entries /api/budget returns.
const budgetLogLimit = 50

const shutdownTimeout = 5 * time.Second

// Store is the persistence the REST endpoints read.
type Store interface {
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)
	Settings(ctx context.Context) (config.Settings, error)
	ListBudgetLog(ctx context.Context, limit int) ([]budget.Entry, error)
	Close() error
}

// Pool is the worker pool.
type Pool interface {
	Workers() []terminal.Worker
	Dispose()
}

// Ticker advances the scheduler.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Budget summarises spend.
type Budget interface {
	Summary(ctx context.Context, workerIDs []string) (budget.Summary, error)
}

// Git inspects worker workspaces.
type Git interface {
	Status(ctx context.Context, workspace string) (*gitops.Status, error)
	CheckConflict(ctx context.Context, workspace string) (bool, error)
}

// Config wires a Server. Git and ConfigPath are optional.
type Config struct {
	Addr         string
	TickInterval time.Duration
	Hub          *hub.Hub
	Clients      *Clients
	Store        Store
	Pool         Pool
	Scheduler    Ticker
	Budget       Budget
	Git          Git

	// Events carries worker, task and budget events and should not drop.
	// Output carries terminal data, which may.
	Events <-chan events.Event
	Output <-chan events.Event

	// ConfigPath is watched for changes; OnConfigChange runs on each one.
	ConfigPath     string
	OnConfigChange func()
}

// Server serves the REST endpoints and the websocket, and drives the
// scheduler tick.
type Server struct {
	cfg      Config
	clients  *Clients
	listener net.Listener
	http     *http.Server
	upgrader websocket.Upgrader
}

// New listens on cfg.Addr. Nothing is served until Run. A nil Clients gets
// a fresh set.
func New(cfg Config) (*Server, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	clients := cfg.Clients
	if clients == nil {
		clients = NewClients()
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	s := &Server{
		cfg:      cfg,
		clients:  clients,
		listener: listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// No authentication: any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/budget", s.handleBudget)
	mux.HandleFunc("GET /api/settings", s.handleSettings)
	mux.HandleFunc("GET /api/workers", s.handleWorkers)
	mux.HandleFunc("GET /api/workers/{id}/git", s.handleWorkerGit)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Run serves until ctx is cancelled or a component fails, then shuts down:
// clients are disconnected, the worker pool is disposed and the store closed.
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	g, ctx := errgroup.WithContext(ctx)
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }

	g.Go(func() error {
		if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.clients.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		s.tickLoop(ctx)
		return nil
	})

	for name, ch := range map[string]<-chan events.Event{"event": s.cfg.Events, "output": s.cfg.Output} {
		if ch == nil {
			continue
		}
		g.Go(func() error {
			if err := s.cfg.Hub.Run(ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s pump: %w", name, err)
			}
			return nil
		})
	}

	if s.cfg.ConfigPath != "" && s.cfg.OnConfigChange != nil {
		g.Go(func() error {
			if err := config.Watch(ctx, s.cfg.ConfigPath, s.cfg.OnConfigChange); err != nil {
				log.Printf("WARNING: config hot reload disabled: %v", err)
			}
			return nil
		})
	}

	err := g.Wait()
	s.cfg.Hub.Close()
	s.cfg.Hub.Wait()
	return err
}

// tickLoop ticks the scheduler until ctx is done. Tick errors are logged and
// never stop the loop.
func (s *Server) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.cfg.Scheduler.Tick(ctx)
			if err != nil && !errors.Is(err, scheduler.ErrTickInProgress) && ctx.Err() == nil {
				log.Printf("ERROR: scheduler tick: %v", err)
			}
		}
	}
}

func (s *Server) close() {
	s.cfg.Pool.Dispose()
	if err := s.cfg.Store.Close(); err != nil {
		log.Printf("WARNING: closing store: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARNING: writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": len(s.cfg.Pool.Workers()),
		"clients": s.clients.Len(),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.cfg.Store.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// budgetResponse is the spend summary plus the most recent entries.
type budgetResponse struct {
	budget.Summary
	Log []budget.Entry `json:"log"`
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	workers := s.cfg.Pool.Workers()
	ids := make([]string, 0, len(workers))
	for _, wk := range workers {
		ids = append(ids, wk.ID)
	}

	summary, err := s.cfg.Budget.Summary(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	entries, err := s.cfg.Store.ListBudgetLog(r.Context(), budgetLogLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []budget.Entry{}
	}
	writeJSON(w, http.StatusOK, budgetResponse{Summary: summary, Log: entries})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.cfg.Store.Settings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Pool.Workers())
}

// workerGit is the git state of one workspace. Conflict is only checked on
// idle workers, since the check merges into the working tree.
type workerGit struct {
	WorkerID string         `json:"workerId"`
	Status   *gitops.Status `json:"status"`
	Conflict *bool          `json:"conflict"`
}

func (s *Server) handleWorkerGit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Git == nil {
		writeError(w, http.StatusNotFound, errors.New("git is not configured"))
		return
	}
	id := r.PathValue("id")
	var (
		worker terminal.Worker
		found  bool
	)
	for _, wk := range s.cfg.Pool.Workers() {
		if wk.ID == id {
			worker, found = wk, true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", terminal.ErrUnknownWorker, id))
		return
	}

	st, err := s.cfg.Git.Status(r.Context(), worker.Workspace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := workerGit{WorkerID: id, Status: st}
	if worker.Status == terminal.WorkerIdle {
		conflict, err := s.cfg.Git.CheckConflict(r.Context(), worker.Workspace)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Conflict = &conflict
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWS upgrades the connection, sends the init message and feeds every
// inbound frame to the hub until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARNING: websocket upgrade: %v", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	c := newClient(conn)
	go c.writeLoop()
	send := reply(c)

	init, err := s.cfg.Hub.InitMessage(r.Context())
	if err != nil {
		log.Printf("ERROR: building init message: %v", err)
	} else {
		send(init)
	}

	s.clients.add(c)
	defer s.clients.remove(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				log.Printf("WARNING: websocket read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		// Failures are reported to the client as alerts.
		_ = s.cfg.Hub.Handle(r.Context(), data, send)
	}
}
