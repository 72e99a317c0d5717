// Package queue implements the durable, prioritized operation queue.
// Operations are persisted on admission, drained in priority order when
// connectivity allows, and retried with exponential backoff until they
// complete, exhaust their retry budget, or are cancelled.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/satchel/internal/clock"
	"github.com/clawinfra/satchel/internal/constraint"
	"github.com/clawinfra/satchel/internal/events"
	"github.com/clawinfra/satchel/internal/storage"
	"github.com/clawinfra/satchel/internal/types"
)

var (
	// ErrNotFound is returned when no operation has the given id.
	ErrNotFound = errors.New("queue: operation not found")
	// ErrTerminal is returned when cancelling an operation that already
	// reached a terminal state.
	ErrTerminal = errors.New("queue: operation already terminal")
	// ErrNoExecutor is returned by Drain before an executor is wired.
	ErrNoExecutor = errors.New("queue: no executor configured")
)

// Executor runs one operation against the remote system. Errors decide
// the retry path: validation errors are terminal, everything else is
// retried up to the budget.
type Executor interface {
	Execute(ctx context.Context, op *Operation) error
}

// ConnectivityProbe reports whether dispatch is currently allowed.
type ConnectivityProbe interface {
	Online() bool
}

// Config bounds the queue.
type Config struct {
	MaxSize        int           // active operations before eviction, default 1000
	Concurrency    int           // parallel executor calls per drain, default 5
	MaxRetries     int           // default retry budget for NewOperation, default 5
	BaseBackoff    time.Duration // first retry delay, default 2s
	MaxBackoff     time.Duration // backoff cap, default 5m
	JitterFraction float64       // jitter as a fraction of BaseBackoff, default 0.25
}

// DefaultConfig returns the standard queue bounds.
func DefaultConfig() Config {
	return Config{
		MaxSize:        1000,
		Concurrency:    5,
		MaxRetries:     5,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     5 * time.Minute,
		JitterFraction: 0.25,
	}
}

func (c *Config) validate() {
	d := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = d.JitterFraction
	}
}

// Queue is the operation queue. The in-memory map is the index; the
// durable store holds one record per operation.
type Queue struct {
	cfg    Config
	store  storage.Store
	clk    clock.Clock
	rules  *constraint.Set
	bus    *events.QueueBus
	probe  ConnectivityProbe
	logger *slog.Logger

	exec Executor

	mu        sync.Mutex
	ops       map[string]*Operation
	nextSeq   uint64
	wakeTimer clock.Timer

	completed int64
	failed    int64
	retried   int64
	cancelled int64

	draining     atomic.Bool
	drainPending atomic.Bool

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	signal  chan struct{}
}

// Deps groups the queue's collaborators. Probe and Bus may be nil.
type Deps struct {
	Store storage.Store
	Clock clock.Clock
	Rules *constraint.Set
	Bus   *events.QueueBus
	Probe ConnectivityProbe
}

// New creates a queue. Wire an executor with SetExecutor before
// draining.
func New(cfg Config, deps Deps, logger *slog.Logger) *Queue {
	cfg.validate()
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:    cfg,
		store:  deps.Store,
		clk:    deps.Clock,
		rules:  deps.Rules,
		bus:    deps.Bus,
		probe:  deps.Probe,
		logger: logger.With("component", "queue"),
		ops:    make(map[string]*Operation),
		signal: make(chan struct{}, 1),
	}
}

// SetExecutor wires the execution callback. Must be called before the
// first drain.
func (q *Queue) SetExecutor(exec Executor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.exec = exec
}

// NewOperation builds an operation with defaults from the queue config.
func (q *Queue) NewOperation(opType OpType, resource string, payload []byte) *Operation {
	return &Operation{
		ID:         uuid.NewString(),
		Type:       opType,
		Resource:   resource,
		Payload:    payload,
		Priority:   types.PriorityMedium,
		MaxRetries: q.cfg.MaxRetries,
	}
}

// Load rebuilds the queue from the durable store. Operations that were
// in flight at shutdown are reset to pending for re-dispatch.
func (q *Queue) Load(ctx context.Context) error {
	keys, err := q.store.ListKeys(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("queue: list records: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, key := range keys {
		data, err := q.store.Get(ctx, key)
		if err != nil {
			q.logger.Warn("failed to read operation record", "key", key, "error", err)
			continue
		}
		var op Operation
		if err := json.Unmarshal(data, &op); err != nil {
			q.logger.Warn("dropping undecodable operation record", "key", key, "error", err)
			_ = q.store.Delete(ctx, key)
			continue
		}
		switch op.Status {
		case StatusInFlight:
			op.Status = StatusPending
			if err := q.persistLocked(ctx, &op); err != nil {
				q.logger.Warn("failed to reset in-flight operation", "id", op.ID, "error", err)
			}
		case StatusCompleted, StatusCancelled:
			// terminal records that should have been deleted
			_ = q.store.Delete(ctx, key)
			continue
		}
		q.ops[op.ID] = &op
		if op.Seq >= q.nextSeq {
			q.nextSeq = op.Seq + 1
		}
	}
	q.logger.Info("queue loaded", "operations", len(q.ops))
	return nil
}

// Start spawns the drain loop that services wake signals from Add,
// retry timers and external Drain requests.
func (q *Queue) Start(ctx context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.running {
		return fmt.Errorf("queue: already running")
	}
	q.running = true
	q.stopCh = make(chan struct{})

	q.wg.Add(1)
	go q.loop(ctx)
	q.logger.Info("queue started", "concurrency", q.cfg.Concurrency)
	return nil
}

// Stop halts the drain loop. In-flight executor calls finish first.
func (q *Queue) Stop() error {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if !q.running {
		return nil
	}
	close(q.stopCh)
	q.wg.Wait()
	q.running = false

	q.mu.Lock()
	if q.wakeTimer != nil {
		q.wakeTimer.Stop()
		q.wakeTimer = nil
	}
	q.mu.Unlock()
	q.logger.Info("queue stopped")
	return nil
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-q.signal:
			if err := q.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Warn("drain failed", "error", err)
			}
		}
	}
}

// wake nudges the drain loop without blocking; signals coalesce.
func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Add validates and persists an operation. The scheduling delay of any
// open constraint window is folded into AvailableAt. When the queue is
// full, the oldest evictable operation makes room; a queue full of
// critical work rejects the add with a CapacityError.
func (q *Queue) Add(ctx context.Context, op *Operation) error {
	if op == nil {
		return &types.ValidationError{Field: "operation", Reason: "must not be nil"}
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Priority == "" {
		op.Priority = types.PriorityMedium
	}
	if err := op.validate(); err != nil {
		return err
	}

	q.mu.Lock()
	if _, exists := q.ops[op.ID]; exists {
		q.mu.Unlock()
		return &types.ValidationError{Field: "id", Reason: fmt.Sprintf("operation %s already queued", op.ID)}
	}
	if q.activeCountLocked() >= q.cfg.MaxSize {
		if !q.evictForSpaceLocked(ctx) {
			q.mu.Unlock()
			return &types.CapacityError{Needed: 1, Available: 0}
		}
	}

	now := q.clk.Now()
	delay := q.rules.DelayFor(now, op.Priority, constraint.ScopeQueue)
	op.CreatedAt = now
	op.AvailableAt = now.Add(delay)
	op.Status = StatusPending
	op.RetryCount = 0
	op.Seq = q.nextSeq
	q.nextSeq++

	if err := q.persistLocked(ctx, op); err != nil {
		q.mu.Unlock()
		return err
	}
	q.ops[op.ID] = op
	q.publish(events.QueueEvent{Kind: events.QueueAdded, OpID: op.ID, Resource: op.Resource, Priority: op.Priority, At: now})
	online := q.probe == nil || q.probe.Online()
	q.armTimerLocked()
	q.mu.Unlock()

	if online && delay == 0 {
		q.wake()
	}
	return nil
}

// Remove deletes an operation in any state.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.ops[id]
	if !ok {
		return ErrNotFound
	}
	if err := q.deleteLocked(ctx, op); err != nil {
		return err
	}
	q.publish(events.QueueEvent{Kind: events.QueueRemoved, OpID: id, Resource: op.Resource, Priority: op.Priority, At: q.clk.Now()})
	return nil
}

// Get returns a copy of the operation.
func (q *Queue) Get(id string) (*Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return op.clone(), nil
}

// List returns copies of matching operations in admission order.
func (q *Queue) List(filter Filter) []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Operation
	for _, op := range q.ops {
		if filter.match(op) {
			out = append(out, op.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Cancel aborts an operation. Pending operations are removed outright;
// in-flight ones are flagged and their result is discarded.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.ops[id]
	if !ok {
		return ErrNotFound
	}
	switch op.Status {
	case StatusPending:
		if err := q.deleteLocked(ctx, op); err != nil {
			return err
		}
		q.cancelled++
		q.publish(events.QueueEvent{Kind: events.QueueCancelled, OpID: id, Resource: op.Resource, Priority: op.Priority, At: q.clk.Now()})
		return nil
	case StatusInFlight:
		op.CancelRequested = true
		return nil
	default:
		return ErrTerminal
	}
}

// Stats returns a counters snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Completed: q.completed,
		Retried:   q.retried,
		Cancelled: q.cancelled,
		FailedAll: q.failed,
	}
	for _, op := range q.ops {
		switch op.Status {
		case StatusPending:
			s.Pending++
		case StatusInFlight:
			s.InFlight++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Drain dispatches eligible operations until none remain or the
// connectivity probe reports offline. Concurrent calls coalesce into
// the single active pass; callers never block on the guard.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	exec := q.exec
	q.mu.Unlock()
	if exec == nil {
		return ErrNoExecutor
	}

	// record the request before taking the guard; the holder re-checks
	// it only after releasing, so a lost race is never a lost request
	q.drainPending.Store(true)
	for q.drainPending.Load() {
		if !q.draining.CompareAndSwap(false, true) {
			return nil
		}
		q.drainPending.Store(false)
		for {
			n, err := q.pass(ctx, exec)
			if err != nil {
				q.draining.Store(false)
				return err
			}
			if n == 0 {
				break
			}
		}
		q.draining.Store(false)
	}

	q.mu.Lock()
	q.armTimerLocked()
	q.mu.Unlock()
	return nil
}

// pass dispatches one round of eligible operations and applies their
// results. Returns the number dispatched.
func (q *Queue) pass(ctx context.Context, exec Executor) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if q.probe != nil && !q.probe.Online() {
		return 0, nil
	}

	now := q.clk.Now()
	q.mu.Lock()
	var eligible []*Operation
	for _, op := range q.ops {
		if op.Status != StatusPending {
			continue
		}
		if op.expired(now) {
			q.failLocked(ctx, op, "expired before dispatch")
			continue
		}
		switch q.depStateLocked(op) {
		case depBlocked:
			continue
		case depFailed:
			q.failLocked(ctx, op, "dependency failed")
			continue
		}
		if op.AvailableAt.After(now) {
			continue
		}
		eligible = append(eligible, op)
	}

	// priority bands drain high to low; FIFO within a band
	sort.Slice(eligible, func(i, j int) bool {
		if wi, wj := eligible[i].Priority.Weight(), eligible[j].Priority.Weight(); wi != wj {
			return wi > wj
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].Seq < eligible[j].Seq
	})

	// executors get clones taken under the lock; Cancel may flag the
	// live record at any moment
	jobs := make([]*Operation, 0, len(eligible))
	for _, op := range eligible {
		op.Status = StatusInFlight
		if err := q.persistLocked(ctx, op); err != nil {
			q.logger.Warn("failed to persist dispatch", "id", op.ID, "error", err)
		}
		q.publish(events.QueueEvent{Kind: events.QueueDispatched, OpID: op.ID, Resource: op.Resource, Priority: op.Priority, RetryCount: op.RetryCount, At: now})
		jobs = append(jobs, op.clone())
	}
	q.mu.Unlock()

	if len(jobs) == 0 {
		return 0, nil
	}

	results := make([]error, len(jobs))
	if len(jobs) == 1 {
		results[0] = exec.Execute(ctx, jobs[0])
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(q.cfg.Concurrency)
		for i, job := range jobs {
			i, job := i, job
			g.Go(func() error {
				results[i] = exec.Execute(gctx, job)
				return nil
			})
		}
		_ = g.Wait()
	}

	q.mu.Lock()
	for i, op := range eligible {
		q.resolveLocked(ctx, op, results[i])
	}
	q.mu.Unlock()
	return len(eligible), nil
}

// resolveLocked applies an executor result to an in-flight operation.
func (q *Queue) resolveLocked(ctx context.Context, op *Operation, err error) {
	if current, ok := q.ops[op.ID]; !ok || current != op {
		return // removed while in flight
	}
	now := q.clk.Now()

	if op.CancelRequested {
		if derr := q.deleteLocked(ctx, op); derr != nil {
			q.logger.Warn("failed to delete cancelled operation", "id", op.ID, "error", derr)
		}
		q.cancelled++
		q.publish(events.QueueEvent{Kind: events.QueueCancelled, OpID: op.ID, Resource: op.Resource, Priority: op.Priority, At: now})
		return
	}

	if err == nil {
		if derr := q.deleteLocked(ctx, op); derr != nil {
			q.logger.Warn("failed to delete completed operation", "id", op.ID, "error", derr)
		}
		q.completed++
		q.publish(events.QueueEvent{Kind: events.QueueSucceeded, OpID: op.ID, Resource: op.Resource, Priority: op.Priority, RetryCount: op.RetryCount, At: now})
		return
	}

	op.LastError = err.Error()
	if types.IsValidation(err) {
		q.failLocked(ctx, op, err.Error())
		return
	}

	op.RetryCount++
	if op.RetryCount >= op.MaxRetries {
		q.failLocked(ctx, op, err.Error())
		return
	}
	op.Status = StatusPending
	op.AvailableAt = now.Add(q.backoffFor(op.RetryCount))
	if perr := q.persistLocked(ctx, op); perr != nil {
		q.logger.Warn("failed to persist retry", "id", op.ID, "error", perr)
	}
	q.retried++
	q.publish(events.QueueEvent{Kind: events.QueueRetried, OpID: op.ID, Resource: op.Resource, Priority: op.Priority, RetryCount: op.RetryCount, Err: op.LastError, At: now})
	q.logger.Debug("operation scheduled for retry", "id", op.ID, "retry", op.RetryCount, "available_at", op.AvailableAt)
}

// failLocked moves an operation to terminal Failed. The record stays
// queryable until removed.
func (q *Queue) failLocked(ctx context.Context, op *Operation, reason string) {
	op.Status = StatusFailed
	op.LastError = reason
	if err := q.persistLocked(ctx, op); err != nil {
		q.logger.Warn("failed to persist failure", "id", op.ID, "error", err)
	}
	q.failed++
	q.publish(events.QueueEvent{Kind: events.QueueFailed, OpID: op.ID, Resource: op.Resource, Priority: op.Priority, RetryCount: op.RetryCount, Err: reason, At: q.clk.Now()})
	q.logger.Warn("operation failed terminally", "id", op.ID, "resource", op.Resource, "reason", reason)
}

// backoffFor returns min(base*2^(retry-1) + jitter, cap).
func (q *Queue) backoffFor(retry int) time.Duration {
	pure := float64(q.cfg.BaseBackoff) * math.Pow(2, float64(retry-1))
	jitter := rand.Float64() * q.cfg.JitterFraction * float64(q.cfg.BaseBackoff)
	d := pure + jitter
	if limit := float64(q.cfg.MaxBackoff); d > limit {
		d = limit
	}
	return time.Duration(d)
}

type depState int

const (
	depSatisfied depState = iota
	depBlocked
	depFailed
)

// depStateLocked reports whether the operation's dependencies allow
// dispatch. A completed dependency leaves the map, so absence means
// satisfied; a failed dependency fails the dependent.
func (q *Queue) depStateLocked(op *Operation) depState {
	for _, dep := range op.DependsOn {
		other, ok := q.ops[dep]
		if !ok {
			continue
		}
		if other.Status == StatusFailed {
			return depFailed
		}
		return depBlocked
	}
	return depSatisfied
}

func (q *Queue) activeCountLocked() int {
	n := 0
	for _, op := range q.ops {
		if op.Status == StatusPending || op.Status == StatusInFlight {
			n++
		}
	}
	return n
}

// evictForSpaceLocked drops the oldest, lowest-priority pending
// operation to admit a new one. Critical operations are never evicted.
func (q *Queue) evictForSpaceLocked(ctx context.Context) bool {
	var victim *Operation
	for _, op := range q.ops {
		if op.Status != StatusPending || op.Priority == types.PriorityCritical {
			continue
		}
		if victim == nil {
			victim = op
			continue
		}
		if w, vw := op.Priority.Weight(), victim.Priority.Weight(); w < vw ||
			(w == vw && op.Seq < victim.Seq) {
			victim = op
		}
	}
	if victim == nil {
		return false
	}
	if err := q.deleteLocked(ctx, victim); err != nil {
		q.logger.Warn("failed to evict operation", "id", victim.ID, "error", err)
		return false
	}
	q.publish(events.QueueEvent{Kind: events.QueueRemoved, OpID: victim.ID, Resource: victim.Resource, Priority: victim.Priority, Err: "evicted: queue full", At: q.clk.Now()})
	q.logger.Warn("evicted operation to make room", "id", victim.ID, "priority", victim.Priority)
	return true
}

// armTimerLocked schedules a wake for the earliest future AvailableAt
// among pending operations, replacing any previous timer.
func (q *Queue) armTimerLocked() {
	if q.wakeTimer != nil {
		q.wakeTimer.Stop()
		q.wakeTimer = nil
	}
	now := q.clk.Now()
	var earliest time.Time
	for _, op := range q.ops {
		if op.Status != StatusPending || !op.AvailableAt.After(now) {
			continue
		}
		if earliest.IsZero() || op.AvailableAt.Before(earliest) {
			earliest = op.AvailableAt
		}
	}
	if !earliest.IsZero() {
		q.wakeTimer = q.clk.AfterFunc(earliest.Sub(now), q.wake)
	}
}

func (q *Queue) deleteLocked(ctx context.Context, op *Operation) error {
	if err := q.store.Delete(ctx, keyPrefix+op.ID); err != nil {
		return fmt.Errorf("queue: delete record %s: %w", op.ID, err)
	}
	delete(q.ops, op.ID)
	return nil
}

func (q *Queue) persistLocked(ctx context.Context, op *Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("queue: marshal record %s: %w", op.ID, err)
	}
	if err := q.store.Set(ctx, keyPrefix+op.ID, data); err != nil {
		return fmt.Errorf("queue: persist record %s: %w", op.ID, err)
	}
	return nil
}

func (q *Queue) publish(ev events.QueueEvent) {
	if q.bus != nil {
		q.bus.Publish(ev)
	}
}
