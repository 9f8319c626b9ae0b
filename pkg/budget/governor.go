// Package budget enforces spend limits over daily and monthly windows at
// global, tenant, and user scope. The in-memory governor is the enforcement
// authority; a store persists usage so restarts keep the running totals.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/metrics"
)

// Scope and window names as persisted.
const (
	ScopeGlobal = "global"
	ScopeTenant = "tenant"
	ScopeUser   = "user"

	WindowDaily   = "daily"
	WindowMonthly = "monthly"
)

// ScopeRef identifies the tenant and user a reservation is charged against.
// Empty fields skip that scope.
type ScopeRef struct {
	TenantID string
	UserID   string
}

// Warning is emitted once per window when usage crosses the soft threshold.
type Warning struct {
	Scope      string  `json:"scope"`
	ScopeID    string  `json:"scope_id,omitempty"`
	Window     string  `json:"window"`
	UsedUSD    float64 `json:"used_usd"`
	LimitUSD   float64 `json:"limit_usd"`
	Threshold  float64 `json:"threshold"`
	WindowEnds string  `json:"window_ends"`
}

type key struct {
	scope   string
	scopeID string
	window  string
}

type row struct {
	limitUSD      float64
	usedUSD       float64
	reservedUSD   float64
	softThreshold float64
	hardThreshold float64
	windowStart   time.Time
	softFired     bool
}

// Options configures optional governor collaborators.
type Options struct {
	Store     Store
	Clock     func() time.Time
	OnWarning func(Warning)
	Metrics   *metrics.Metrics
}

// Governor tracks reservations and committed spend per budget window.
type Governor struct {
	mu        sync.Mutex
	rows      map[key]*row
	store     Store
	clock     func() time.Time
	onWarning func(Warning)
	metrics   *metrics.Metrics
}

// New builds a governor seeded from cfg.Defaults, overlaid with persisted
// usage from opts.Store when present.
func New(ctx context.Context, cfg config.BudgetConfig, opts Options) (*Governor, error) {
	g := &Governor{
		rows:      make(map[key]*row),
		store:     opts.Store,
		clock:     opts.Clock,
		onWarning: opts.OnWarning,
		metrics:   opts.Metrics,
	}
	if g.clock == nil {
		g.clock = time.Now
	}

	now := g.clock().UTC()
	for _, limit := range cfg.Defaults {
		k := key{scope: limit.Scope, scopeID: limit.ScopeID, window: limit.Window}
		g.rows[k] = &row{
			limitUSD:      limit.LimitUSD,
			softThreshold: limit.SoftThreshold,
			hardThreshold: limit.HardThreshold,
			windowStart:   windowStart(limit.Window, now),
		}
	}

	if g.store != nil {
		persisted, err := g.store.Load(ctx)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "budget.load", err)
		}
		g.mu.Lock()
		for _, p := range persisted {
			k := key{scope: p.Scope, scopeID: p.ScopeID, window: p.Window}
			if r, ok := g.rows[k]; ok {
				// Config owns limits and thresholds; the store owns usage.
				r.usedUSD = p.UsedUSD
				r.windowStart = p.WindowStart.UTC()
			} else {
				g.rows[k] = &row{
					limitUSD:      p.LimitUSD,
					usedUSD:       p.UsedUSD,
					softThreshold: p.SoftThreshold,
					hardThreshold: p.HardThreshold,
					windowStart:   p.WindowStart.UTC(),
				}
			}
		}
		for k, r := range g.rows {
			g.rolloverLocked(ctx, k, r)
			g.persistLocked(ctx, k, r)
		}
		g.mu.Unlock()
	}

	slog.Info("Budget governor ready", "windows", len(g.rows))
	return g, nil
}

// Reservation holds an in-flight estimate against one or more windows.
// Exactly one of Commit or Cancel should be called; both are idempotent.
type Reservation struct {
	g        *Governor
	keys     []key
	amount   float64
	resolved bool
}

// Reserve checks every window applicable to ref and sets estimateUSD aside
// against each. It fails with a BudgetExceeded fault when any hard limit
// would be crossed; in that case nothing is reserved.
func (g *Governor) Reserve(ctx context.Context, ref ScopeRef, estimateUSD float64) (*Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	keys := g.applicableLocked(ctx, ref)
	for _, k := range keys {
		r := g.rows[k]
		projected := r.usedUSD + r.reservedUSD + estimateUSD
		if projected > r.limitUSD*r.hardThreshold {
			return nil, fault.Newf(fault.KindBudgetExceeded,
				"%s %s budget exhausted: $%.4f projected against $%.2f limit",
				scopeLabel(k), k.window, projected, r.limitUSD)
		}
	}

	for _, k := range keys {
		r := g.rows[k]
		r.reservedUSD += estimateUSD
		g.maybeWarnLocked(k, r)
	}

	return &Reservation{g: g, keys: keys, amount: estimateUSD}, nil
}

// Commit replaces the reservation's estimate with the actual spend.
func (res *Reservation) Commit(ctx context.Context, actualUSD float64) {
	if res == nil || res.resolved {
		return
	}
	res.resolved = true

	g := res.g
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, k := range res.keys {
		r, ok := g.rows[k]
		if !ok {
			continue
		}
		r.reservedUSD -= res.amount
		if r.reservedUSD < 0 {
			r.reservedUSD = 0
		}
		r.usedUSD += actualUSD
		g.maybeWarnLocked(k, r)
		g.persistLocked(ctx, k, r)
		if g.metrics != nil && r.limitUSD > 0 {
			g.metrics.SetBudgetRatio(k.scope, k.window, r.usedUSD/r.limitUSD)
		}
	}
}

// Cancel releases the reservation without recording spend.
func (res *Reservation) Cancel() {
	if res == nil || res.resolved {
		return
	}
	res.resolved = true

	g := res.g
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, k := range res.keys {
		r, ok := g.rows[k]
		if !ok {
			continue
		}
		r.reservedUSD -= res.amount
		if r.reservedUSD < 0 {
			r.reservedUSD = 0
		}
	}
}

// Remaining reports the tightest headroom across every window applicable to
// ref, after reservations. Refs with no configured windows get a very large
// value rather than +Inf so callers stay in plain float math.
func (g *Governor) Remaining(ctx context.Context, ref ScopeRef) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	const unconstrained = 1e18
	remaining := unconstrained
	for _, k := range g.applicableLocked(ctx, ref) {
		r := g.rows[k]
		headroom := r.limitUSD*r.hardThreshold - r.usedUSD - r.reservedUSD
		if headroom < remaining {
			remaining = headroom
		}
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot returns a copy of every tracked window for the status API.
func (g *Governor) Snapshot(ctx context.Context) []Row {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Row, 0, len(g.rows))
	for k, r := range g.rows {
		g.rolloverLocked(ctx, k, r)
		out = append(out, Row{
			Scope:         k.scope,
			ScopeID:       k.scopeID,
			Window:        k.window,
			LimitUSD:      r.limitUSD,
			UsedUSD:       r.usedUSD,
			ReservedUSD:   r.reservedUSD,
			SoftThreshold: r.softThreshold,
			HardThreshold: r.hardThreshold,
			WindowStart:   r.windowStart,
		})
	}
	return out
}

// applicableLocked resolves the windows ref is charged against, rolling over
// any that have expired.
func (g *Governor) applicableLocked(ctx context.Context, ref ScopeRef) []key {
	var keys []key
	for k, r := range g.rows {
		switch k.scope {
		case ScopeGlobal:
		case ScopeTenant:
			if ref.TenantID == "" || k.scopeID != ref.TenantID {
				continue
			}
		case ScopeUser:
			if ref.UserID == "" || k.scopeID != ref.UserID {
				continue
			}
		default:
			continue
		}
		g.rolloverLocked(ctx, k, r)
		keys = append(keys, k)
	}
	return keys
}

// rolloverLocked resets usage when the window has elapsed. Reservations in
// flight survive the reset and settle in the new window.
func (g *Governor) rolloverLocked(ctx context.Context, k key, r *row) {
	now := g.clock().UTC()
	if now.Before(windowEnd(k.window, r.windowStart)) {
		return
	}
	slog.Info("Budget window rolled over",
		"scope", scopeLabel(k),
		"window", k.window,
		"spent_usd", r.usedUSD)
	r.usedUSD = 0
	r.softFired = false
	r.windowStart = windowStart(k.window, now)
	g.persistLocked(ctx, k, r)
}

func (g *Governor) maybeWarnLocked(k key, r *row) {
	if r.softFired || r.limitUSD <= 0 {
		return
	}
	projected := r.usedUSD + r.reservedUSD
	if projected < r.limitUSD*r.softThreshold {
		return
	}
	r.softFired = true
	slog.Warn("Budget soft threshold crossed",
		"scope", scopeLabel(k),
		"window", k.window,
		"projected_usd", projected,
		"limit_usd", r.limitUSD)
	if g.onWarning != nil {
		g.onWarning(Warning{
			Scope:      k.scope,
			ScopeID:    k.scopeID,
			Window:     k.window,
			UsedUSD:    projected,
			LimitUSD:   r.limitUSD,
			Threshold:  r.softThreshold,
			WindowEnds: windowEnd(k.window, r.windowStart).Format(time.RFC3339),
		})
	}
}

// persistLocked writes a row through to the store. Failures are logged and
// swallowed: the in-memory state keeps enforcing, durability catches up on
// the next write.
func (g *Governor) persistLocked(ctx context.Context, k key, r *row) {
	if g.store == nil {
		return
	}
	err := g.store.Upsert(ctx, Row{
		Scope:         k.scope,
		ScopeID:       k.scopeID,
		Window:        k.window,
		LimitUSD:      r.limitUSD,
		UsedUSD:       r.usedUSD,
		SoftThreshold: r.softThreshold,
		HardThreshold: r.hardThreshold,
		WindowStart:   r.windowStart,
	})
	if err != nil {
		slog.Error("Failed to persist budget window",
			"scope", scopeLabel(k),
			"window", k.window,
			"error", err)
	}
}

func scopeLabel(k key) string {
	if k.scopeID == "" {
		return k.scope
	}
	return k.scope + ":" + k.scopeID
}

// windowStart truncates now to the enclosing window boundary in UTC.
func windowStart(window string, now time.Time) time.Time {
	now = now.UTC()
	switch window {
	case WindowMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func windowEnd(window string, start time.Time) time.Time {
	switch window {
	case WindowMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}
