// Package budget records agent spend and answers the admission questions the
// scheduler asks before dispatching work.
package budget

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/events"
)

// DefaultPerTask is the per-task spend limit in USD when none is configured.
const DefaultPerTask = 3.0

// Thresholds of the daily limit at which budget events fire.
const (
	warnRatio     = 0.8
	exceededRatio = 1.0
)

// Entry is one recorded spend.
type Entry struct {
	ID         int64     `json:"id"`
	WorkerID   string    `json:"workerId"`
	TaskID     string    `json:"taskId,omitempty"`
	Cost       float64   `json:"cost"`
	TokensIn   int64     `json:"tokensIn,omitempty"`
	TokensOut  int64     `json:"tokensOut,omitempty"`
	Model      string    `json:"model,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Limits are the spend ceilings in USD.
type Limits struct {
	Daily   float64 `json:"daily"`
	Weekly  float64 `json:"weekly"`
	PerTask float64 `json:"perTask"`
}

// LimitsUpdate changes only the non-nil limits.
type LimitsUpdate struct {
	Daily   *float64
	Weekly  *float64
	PerTask *float64
}

// Check is the verdict of IsOverBudget.
type Check struct {
	Over    bool
	Reasons []string
}

// Summary is the spend overview served to clients.
type Summary struct {
	TodayTotal   float64            `json:"todayTotal"`
	WeeklyTotal  float64            `json:"weeklyTotal"`
	WorkerTotals map[string]float64 `json:"workerTotals"`
	Limits       Limits             `json:"limits"`
}

// Store is the persistence the tracker needs. A zero since means all time.
type Store interface {
	RecordBudget(ctx context.Context, e Entry) (Entry, error)
	BudgetTotalSince(ctx context.Context, since time.Time) (float64, error)
	WorkerBudgetTotal(ctx context.Context, workerID string, since time.Time) (float64, error)
	UpdateSettings(ctx context.Context, values map[string]string) error
}

// Publisher receives budget threshold events.
type Publisher interface {
	Publish(topic string, event events.Event)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, which decides where today and this week begin.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker records spend and checks it against the configured limits.
type Tracker struct {
	store Store
	bus   Publisher
	now   func() time.Time

	mu     sync.RWMutex
	limits Limits
}

// NewTracker creates a tracker. A zero PerTask limit becomes DefaultPerTask.
func NewTracker(store Store, bus Publisher, limits Limits, opts ...Option) *Tracker {
	if limits.PerTask == 0 {
		limits.PerTask = DefaultPerTask
	}
	t := &Tracker{
		store:  store,
		bus:    bus,
		now:    time.Now,
		limits: limits,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record persists the entry, then publishes budget.exceeded when today's
// total reaches the daily limit or budget.warning when it reaches 80% of it.
// At most one event is published per call.
func (t *Tracker) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = t.now()
	}
	saved, err := t.store.RecordBudget(ctx, e)
	if err != nil {
		return Entry{}, fmt.Errorf("recording budget entry: %w", err)
	}

	today, err := t.TodayTotal(ctx)
	if err != nil {
		return saved, err
	}

	limit := t.Limits().Daily
	pct := today / limit
	var kind string
	switch {
	case pct >= exceededRatio:
		kind = events.EventTypeBudgetExceeded
	case pct >= warnRatio:
		kind = events.EventTypeBudgetWarning
	}
	if kind != "" && t.bus != nil {
		t.bus.Publish(events.TopicBudget, events.BudgetEvent{
			Kind:      kind,
			Level:     "daily",
			Total:     today,
			Limit:     limit,
			Timestamp: t.now(),
		})
	}

	return saved, nil
}

// TodayTotal is the spend since local midnight.
func (t *Tracker) TodayTotal(ctx context.Context) (float64, error) {
	total, err := t.store.BudgetTotalSince(ctx, StartOfDay(t.now()))
	if err != nil {
		return 0, fmt.Errorf("reading today's total: %w", err)
	}
	return total, nil
}

// WeeklyTotal is the spend since Sunday 00:00 local time.
func (t *Tracker) WeeklyTotal(ctx context.Context) (float64, error) {
	total, err := t.store.BudgetTotalSince(ctx, StartOfWeek(t.now()))
	if err != nil {
		return 0, fmt.Errorf("reading weekly total: %w", err)
	}
	return total, nil
}

// WorkerTotal is a worker's all-time spend.
func (t *Tracker) WorkerTotal(ctx context.Context, workerID string) (float64, error) {
	total, err := t.store.WorkerBudgetTotal(ctx, workerID, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("reading total for %s: %w", workerID, err)
	}
	return total, nil
}

// IsOverBudget checks the daily and weekly limits independently.
// Reaching a limit exactly counts as over.
func (t *Tracker) IsOverBudget(ctx context.Context) (Check, error) {
	today, err := t.TodayTotal(ctx)
	if err != nil {
		return Check{}, err
	}
	week, err := t.WeeklyTotal(ctx)
	if err != nil {
		return Check{}, err
	}

	limits := t.Limits()
	var reasons []string
	if today >= limits.Daily {
		reasons = append(reasons, fmt.Sprintf("Daily budget exceeded: $%.2f / $%s", today, formatLimit(limits.Daily)))
	}
	if week >= limits.Weekly {
		reasons = append(reasons, fmt.Sprintf("Weekly budget exceeded: $%.2f / $%s", week, formatLimit(limits.Weekly)))
	}
	return Check{Over: len(reasons) > 0, Reasons: reasons}, nil
}

// IsWorkerOverBudget reports whether the worker's spend since local midnight
// has reached limit.
func (t *Tracker) IsWorkerOverBudget(ctx context.Context, workerID string, limit float64) (bool, error) {
	total, err := t.store.WorkerBudgetTotal(ctx, workerID, StartOfDay(t.now()))
	if err != nil {
		return false, fmt.Errorf("reading today's total for %s: %w", workerID, err)
	}
	return total >= limit, nil
}

// Limits returns a copy of the current limits.
func (t *Tracker) Limits() Limits {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limits
}

// SetLimits applies the update and persists the daily and weekly limits.
func (t *Tracker) SetLimits(ctx context.Context, u LimitsUpdate) error {
	t.mu.Lock()
	if u.Daily != nil {
		t.limits.Daily = *u.Daily
	}
	if u.Weekly != nil {
		t.limits.Weekly = *u.Weekly
	}
	if u.PerTask != nil {
		t.limits.PerTask = *u.PerTask
	}
	limits := t.limits
	t.mu.Unlock()

	err := t.store.UpdateSettings(ctx, map[string]string{
		config.KeyDailyBudget:  strconv.FormatFloat(limits.Daily, 'f', -1, 64),
		config.KeyWeeklyBudget: strconv.FormatFloat(limits.Weekly, 'f', -1, 64),
	})
	if err != nil {
		return fmt.Errorf("persisting budget limits: %w", err)
	}
	return nil
}

// Summary totals today, this week and each listed worker. Workers with no
// entries report zero.
func (t *Tracker) Summary(ctx context.Context, workerIDs []string) (Summary, error) {
	s := Summary{
		WorkerTotals: make(map[string]float64, len(workerIDs)),
		Limits:       t.Limits(),
	}
	var err error
	if s.TodayTotal, err = t.TodayTotal(ctx); err != nil {
		return Summary{}, err
	}
	if s.WeeklyTotal, err = t.WeeklyTotal(ctx); err != nil {
		return Summary{}, err
	}
	for _, id := range workerIDs {
		if s.WorkerTotals[id], err = t.WorkerTotal(ctx, id); err != nil {
			return Summary{}, err
		}
	}
	return s, nil
}

// StartOfDay is local midnight of the day containing now.
func StartOfDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// StartOfWeek is 00:00 local time of the Sunday on or before now.
func StartOfWeek(now time.Time) time.Time {
	day := StartOfDay(now)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

func formatLimit(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
