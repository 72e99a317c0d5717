// Package reconnect decides when the sync engine runs. It watches
// connectivity transitions, weighs queued work against battery,
// connection quality and scheduling constraints, and triggers either
// an immediate or a delayed sync. Sync failures retry with the same
// backoff shape the operation queue uses.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/clawinfra/satchel/internal/clock"
	"github.com/clawinfra/satchel/internal/constraint"
	"github.com/clawinfra/satchel/internal/events"
	"github.com/clawinfra/satchel/internal/queue"
	"github.com/clawinfra/satchel/internal/syncengine"
	"github.com/clawinfra/satchel/internal/types"
)

// Strategy names the controller's decision for a connectivity event.
type Strategy string

const (
	// StrategyImmediate starts a sync right away.
	StrategyImmediate Strategy = "immediate"
	// StrategyDelayed schedules a timer and re-evaluates when it fires.
	StrategyDelayed Strategy = "delayed"
	// StrategyAbandoned gives up until the next reconnection after the
	// retry budget is spent.
	StrategyAbandoned Strategy = "abandoned"
)

// DeviceStatus reports power state. A nil DeviceStatus means battery
// never blocks a sync.
type DeviceStatus interface {
	BatteryLevel() float64 // 0..1
	Charging() bool
}

// Syncer is the engine surface the controller drives.
type Syncer interface {
	FullSync(ctx context.Context) (*syncengine.Result, error)
	DeltaSync(ctx context.Context) (*syncengine.Result, error)
	Status() syncengine.Status
	Pause()
	Resume()
}

var _ Syncer = (*syncengine.Engine)(nil)

// Config tunes the controller's thresholds and retry schedule.
type Config struct {
	BatteryFloor      float64                 // minimum level unless charging, default 0.2
	RequireWiFi       bool                    // block sync on cellular
	MinQuality        types.ConnectionQuality // minimum acceptable quality, default fair
	BaseDelay         time.Duration           // delayed-sync wait, default 30s
	BackoffBase       time.Duration           // first retry delay, default 5s
	BackoffMultiplier float64                 // default 2
	MaxBackoff        time.Duration           // retry delay cap, default 5m
	MaxRetryAttempts  int                     // failures before giving up, default 3
	StaleAfter        time.Duration           // full instead of delta past this age, default 24h
}

func (c *Config) validate() {
	if c.BatteryFloor <= 0 {
		c.BatteryFloor = 0.2
	}
	if c.MinQuality == "" {
		c.MinQuality = types.QualityFair
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 24 * time.Hour
	}
}

// Deps groups the controller's collaborators. Rules, Bus and Device may
// be nil.
type Deps struct {
	Queue  *queue.Queue
	Engine Syncer
	Clock  clock.Clock
	Rules  *constraint.Set
	Bus    *events.NetworkBus
	Device DeviceStatus
}

// Decision is one strategy evaluation.
type Decision struct {
	Strategy Strategy
	Reason   string
	Wait     time.Duration // delay before re-evaluation, zero for immediate
}

// Controller is the reconnection state machine. Transitions arrive on
// the network bus; decisions go back out on it as strategy events.
type Controller struct {
	cfg    Config
	q      *queue.Queue
	eng    Syncer
	clk    clock.Clock
	rules  *constraint.Set
	bus    *events.NetworkBus
	device DeviceStatus
	logger *slog.Logger

	mu       sync.Mutex
	online   bool
	state    types.Connectivity
	attempts int
	timer    clock.Timer

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	unsub   func()
}

// New creates a controller.
func New(cfg Config, deps Deps, logger *slog.Logger) *Controller {
	cfg.validate()
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		q:      deps.Queue,
		eng:    deps.Engine,
		clk:    deps.Clock,
		rules:  deps.Rules,
		bus:    deps.Bus,
		device: deps.Device,
		logger: logger.With("component", "reconnect"),
	}
}

// Start subscribes to the network bus and begins processing
// transitions.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return fmt.Errorf("reconnect: already running")
	}
	if c.bus == nil {
		return fmt.Errorf("reconnect: network bus is required to start")
	}
	ch, unsub := c.bus.Subscribe()
	c.unsub = unsub
	c.stopCh = make(chan struct{})
	c.running = true

	c.wg.Add(1)
	go c.loop(ch)
	c.logger.Info("controller started")
	return nil
}

// Stop halts transition processing and cancels any scheduled sync.
func (c *Controller) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return nil
	}
	close(c.stopCh)
	c.unsub()
	c.wg.Wait()
	c.running = false

	c.mu.Lock()
	c.stopTimerLocked()
	c.mu.Unlock()
	c.logger.Info("controller stopped")
	return nil
}

func (c *Controller) loop(ch <-chan events.NetworkEvent) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Handle(ev)
		}
	}
}

// Handle processes one connectivity event. Duplicate deliveries are
// safe: decisions are re-derived from current state, never accumulated.
func (c *Controller) Handle(ev events.NetworkEvent) {
	switch ev.Kind {
	case events.NetworkReconnected:
		c.onReconnect(ev.State)
	case events.NetworkDisconnected:
		c.onDisconnect()
	case events.NetworkChanged:
		c.onChange(ev.State)
	}
}

func (c *Controller) onReconnect(state types.Connectivity) {
	c.mu.Lock()
	c.online = true
	c.state = state
	c.attempts = 0 // fresh retry budget per reconnection
	c.mu.Unlock()

	c.eng.Resume()
	c.logger.Info("reconnected", "type", state.Type, "quality", state.Quality)
	c.evaluate()
}

func (c *Controller) onDisconnect() {
	c.mu.Lock()
	c.online = false
	c.state = types.Connectivity{Type: types.ConnectionNone, Quality: types.QualityUnknown}
	c.stopTimerLocked()
	c.mu.Unlock()

	c.eng.Pause()
	c.logger.Info("disconnected, sync paused")
}

// onChange re-evaluates a pending delayed sync when conditions shift
// while online, e.g. quality recovering or the device reaching a
// charger.
func (c *Controller) onChange(state types.Connectivity) {
	c.mu.Lock()
	c.state = state
	waiting := c.timer != nil
	c.mu.Unlock()
	if waiting {
		c.evaluate()
	}
}

// evaluate computes the strategy for the current state and acts on it.
// Delayed decisions re-enter here when their timer fires.
func (c *Controller) evaluate() {
	c.mu.Lock()
	c.stopTimerLocked()
	if !c.online {
		c.mu.Unlock()
		return
	}
	state := c.state
	dec := c.decide(state, c.clk.Now())
	if dec.Strategy == StrategyDelayed {
		c.timer = c.clk.AfterFunc(dec.Wait, c.evaluate)
	}
	c.mu.Unlock()

	c.publish(dec, state)
	c.logger.Info("strategy determined", "strategy", dec.Strategy, "reason", dec.Reason, "wait", dec.Wait)
	if dec.Strategy == StrategyImmediate {
		c.syncNow()
	}
}

// decide weighs queued work, battery, connection and constraints.
func (c *Controller) decide(state types.Connectivity, now time.Time) Decision {
	top, hasPending := c.pendingTop()

	if c.device != nil && !c.device.Charging() && c.device.BatteryLevel() < c.cfg.BatteryFloor {
		return Decision{
			Strategy: StrategyDelayed,
			Reason:   fmt.Sprintf("battery %.0f%% below floor", c.device.BatteryLevel()*100),
			Wait:     c.cfg.BaseDelay,
		}
	}
	if c.cfg.RequireWiFi && state.Type != types.ConnectionWiFi {
		return Decision{Strategy: StrategyDelayed, Reason: "waiting for wifi", Wait: c.cfg.BaseDelay}
	}
	// unknown quality is not a blocker; critical work overrides a weak
	// connection
	lowQuality := state.Quality != types.QualityUnknown && state.Quality.Rank() < c.cfg.MinQuality.Rank()
	if lowQuality && !(hasPending && top == types.PriorityCritical) {
		return Decision{
			Strategy: StrategyDelayed,
			Reason:   fmt.Sprintf("quality %s below %s", state.Quality, c.cfg.MinQuality),
			Wait:     c.cfg.BaseDelay,
		}
	}
	if d := c.rules.DelayFor(now, top, constraint.ScopeSync); d > 0 {
		wait := c.cfg.BaseDelay
		if d > wait {
			wait = d
		}
		return Decision{Strategy: StrategyDelayed, Reason: "scheduling constraint active", Wait: wait}
	}

	reason := "connectivity acceptable"
	if hasPending {
		reason = fmt.Sprintf("%d pending operation(s)", len(c.q.List(queue.Filter{Statuses: []queue.Status{queue.StatusPending}})))
	}
	return Decision{Strategy: StrategyImmediate, Reason: reason}
}

// pendingTop returns the highest priority among pending operations.
func (c *Controller) pendingTop() (types.Priority, bool) {
	pending := c.q.List(queue.Filter{Statuses: []queue.Status{queue.StatusPending}})
	if len(pending) == 0 {
		return types.PriorityMedium, false
	}
	top := pending[0].Priority
	for _, op := range pending[1:] {
		if op.Priority.Weight() > top.Weight() {
			top = op.Priority
		}
	}
	return top, true
}

// syncNow drains the queue, then runs a sync pass: full when state is
// stale or absent, delta otherwise. Failures enter the retry schedule.
func (c *Controller) syncNow() {
	ctx := context.Background()
	start := c.clk.Now()

	err := c.q.Drain(ctx)
	if err == nil {
		if c.stale(start) {
			_, err = c.eng.FullSync(ctx)
		} else {
			_, err = c.eng.DeltaSync(ctx)
		}
	}
	// an already-running or paused engine is not a failure of ours
	if errors.Is(err, syncengine.ErrSyncActive) || errors.Is(err, syncengine.ErrPaused) {
		err = nil
	}
	if err != nil {
		c.onSyncFailure(err)
		return
	}

	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.logger.Info("sync pass complete", "took", c.clk.Now().Sub(start))
}

func (c *Controller) stale(now time.Time) bool {
	last := c.eng.Status().Checkpoint.LastSyncAt
	return last.IsZero() || now.Sub(last) >= c.cfg.StaleAfter
}

func (c *Controller) onSyncFailure(err error) {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	state := c.state
	if attempt >= c.cfg.MaxRetryAttempts {
		c.mu.Unlock()
		dec := Decision{
			Strategy: StrategyAbandoned,
			Reason:   fmt.Sprintf("retries exhausted after %d attempts: %v", attempt, err),
		}
		c.publish(dec, state)
		c.logger.Warn("sync retries exhausted", "attempts", attempt, "error", err)
		return
	}
	wait := c.retryDelay(attempt)
	c.stopTimerLocked()
	c.timer = c.clk.AfterFunc(wait, c.evaluate)
	c.mu.Unlock()
	c.logger.Warn("sync failed, retrying", "attempt", attempt, "wait", wait, "error", err)
}

// retryDelay grows the wait geometrically with the failure count,
// capped at MaxBackoff.
func (c *Controller) retryDelay(attempt int) time.Duration {
	d := float64(c.cfg.BackoffBase) * math.Pow(c.cfg.BackoffMultiplier, float64(attempt-1))
	if limit := float64(c.cfg.MaxBackoff); d > limit {
		d = limit
	}
	return time.Duration(d)
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) publish(dec Decision, state types.Connectivity) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.NetworkEvent{
		Kind:     events.NetworkStrategy,
		State:    state,
		Strategy: string(dec.Strategy),
		Reason:   dec.Reason,
		At:       c.clk.Now(),
	})
}

// Online reports the controller's view of connectivity.
func (c *Controller) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}
