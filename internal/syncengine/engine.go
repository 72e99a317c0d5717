// Package syncengine keeps the local entity mirror convergent with the
// school server. It uploads dirty entities in prioritized batches,
// downloads remote changes in full or delta mode, and resolves
// conflicts under per-resource policies with a persisted audit trail.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/satchel/internal/clock"
	"github.com/clawinfra/satchel/internal/events"
	"github.com/clawinfra/satchel/internal/resource"
	"github.com/clawinfra/satchel/internal/security"
	"github.com/clawinfra/satchel/internal/storage"
	"github.com/clawinfra/satchel/internal/transport"
	"github.com/clawinfra/satchel/internal/types"
)

const (
	entityPrefix   = "entity/"
	conflictPrefix = "conflict/"
	checkpointKey  = "sync/checkpoint"
)

var (
	// ErrSyncActive is returned when a sync pass is already running.
	// The running pass covers the caller's intent.
	ErrSyncActive = errors.New("syncengine: sync already running")
	// ErrPaused is returned while the engine is paused.
	ErrPaused = errors.New("syncengine: paused")
	// ErrNotFound is returned when no entity has the given id.
	ErrNotFound = errors.New("syncengine: entity not found")
	// ErrNoPendingReview is returned when resolving an entity that has
	// no conflict awaiting review.
	ErrNoPendingReview = errors.New("syncengine: no pending review for entity")
)

// Mode distinguishes full from delta sync passes.
type Mode string

const (
	ModeFull  Mode = "full"
	ModeDelta Mode = "delta"
)

// Config tunes the engine.
type Config struct {
	BatchSize       int      // entities per upload batch, default 50
	DefaultPolicy   Policy   // fallback conflict policy, default latest_wins
	EncryptPayloads bool     // encrypt payloads before upload
	ResourceTypes   []string // optional download scope
}

func (c *Config) validate() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if !c.DefaultPolicy.Valid() {
		c.DefaultPolicy = PolicyLatestWins
	}
}

// Deps groups the engine's collaborators. Registry, Bus, Encryptor and
// Warm may be nil.
type Deps struct {
	Store    storage.Store
	Remote   transport.Remote
	Clock    clock.Clock
	Registry *resource.Registry
	Bus      *events.SyncBus
	// Encryptor protects payloads in transit when EncryptPayloads is set.
	Encryptor security.Encryptor
	// Warm receives applied remote entities, e.g. to feed the content
	// cache for offline reads.
	Warm func(ctx context.Context, e *types.Entity)
}

// Checkpoint is the aggregate sync-state record persisted under
// sync/checkpoint. Rolling totals accumulate across restarts.
type Checkpoint struct {
	LastFullSync    time.Time `json:"last_full_sync,omitempty"`
	LastDeltaSync   time.Time `json:"last_delta_sync,omitempty"`
	FullSyncs       int64     `json:"full_syncs"`
	DeltaSyncs      int64     `json:"delta_syncs"`
	TotalUploaded   int64     `json:"total_uploaded"`
	TotalDownloaded int64     `json:"total_downloaded"`
	TotalConflicts  int64     `json:"total_conflicts"`
	TotalUnresolved int64     `json:"total_unresolved"`
	LastSyncAt      time.Time `json:"last_sync_at,omitempty"`
	LastDurationMS  int64     `json:"last_duration_ms,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// baseline returns the delta boundary: the most recent of the two
// checkpoint times, zero when the engine has never synced.
func (cp *Checkpoint) baseline() time.Time {
	if cp.LastDeltaSync.After(cp.LastFullSync) {
		return cp.LastDeltaSync
	}
	return cp.LastFullSync
}

// Result reports one sync pass. Every conflict raised during the pass
// appears in Conflicts; the unresolved subset additionally appears in
// Unresolved.
type Result struct {
	Mode       Mode
	StartedAt  time.Time
	Duration   time.Duration
	Uploaded   int
	Downloaded int
	Conflicts  []ConflictRecord
	Unresolved []ConflictRecord

	serverTime time.Time // server clock from the download, for the checkpoint
}

// Status is a point-in-time engine snapshot for polling callers.
type Status struct {
	Checkpoint     Checkpoint
	Entities       int
	Dirty          int
	PendingReviews int
	Paused         bool
	Syncing        bool
}

// Engine owns the local SyncEntity mirror. All mirror mutations funnel
// through it; sync passes run one at a time under a non-reentrant
// guard.
type Engine struct {
	cfg    Config
	store  storage.Store
	remote transport.Remote
	clk    clock.Clock
	reg    *resource.Registry
	bus    *events.SyncBus
	enc    security.Encryptor
	warm   func(ctx context.Context, e *types.Entity)
	logger *slog.Logger

	mu        sync.Mutex
	entities  map[string]*types.Entity
	conflicts map[string]*ConflictRecord
	cp        Checkpoint

	syncing atomic.Bool
	paused  atomic.Bool
}

// New creates an engine. Call Load before the first sync to restore
// the mirror from the durable store.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	cfg.validate()
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		remote:    deps.Remote,
		clk:       deps.Clock,
		reg:       deps.Registry,
		bus:       deps.Bus,
		enc:       deps.Encryptor,
		warm:      deps.Warm,
		logger:    logger.With("component", "syncengine"),
		entities:  make(map[string]*types.Entity),
		conflicts: make(map[string]*ConflictRecord),
	}
}

// Load restores the mirror, the conflict audit trail and the checkpoint
// from the durable store.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys, err := e.store.ListKeys(ctx, entityPrefix)
	if err != nil {
		return fmt.Errorf("syncengine: list entities: %w", err)
	}
	for _, key := range keys {
		data, err := e.store.Get(ctx, key)
		if err != nil {
			e.logger.Warn("failed to read entity record", "key", key, "error", err)
			continue
		}
		var ent types.Entity
		if err := json.Unmarshal(data, &ent); err != nil {
			e.logger.Warn("dropping undecodable entity record", "key", key, "error", err)
			_ = e.store.Delete(ctx, key)
			continue
		}
		e.entities[ent.ID] = &ent
	}

	ckeys, err := e.store.ListKeys(ctx, conflictPrefix)
	if err != nil {
		return fmt.Errorf("syncengine: list conflicts: %w", err)
	}
	for _, key := range ckeys {
		data, err := e.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec ConflictRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			_ = e.store.Delete(ctx, key)
			continue
		}
		e.conflicts[rec.ID] = &rec
	}

	if data, err := e.store.Get(ctx, checkpointKey); err == nil {
		if err := json.Unmarshal(data, &e.cp); err != nil {
			e.logger.Warn("resetting undecodable checkpoint", "error", err)
			e.cp = Checkpoint{}
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("syncengine: read checkpoint: %w", err)
	}

	e.logger.Info("mirror loaded",
		"entities", len(e.entities), "conflicts", len(e.conflicts),
		"last_full_sync", e.cp.LastFullSync, "last_delta_sync", e.cp.LastDeltaSync)
	return nil
}

// Put records a local mutation. The version is bumped past the stored
// copy and the entity becomes dirty, making it eligible for upload.
func (e *Engine) Put(ctx context.Context, ent *types.Entity) error {
	if ent == nil || ent.ID == "" {
		return &types.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if ent.Type == "" {
		return &types.ValidationError{Field: "type", Reason: "must not be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now()
	stored := ent.Clone()
	if prev, ok := e.entities[ent.ID]; ok {
		stored.Version = prev.Version + 1
		stored.LastSynced = prev.LastSynced
		stored.ConflictCount = prev.ConflictCount
		stored.RequiresReview = prev.RequiresReview
	} else if stored.Version <= 0 {
		stored.Version = 1
	}
	stored.Touch(now)
	stored.Deleted = false

	if err := e.persistEntityLocked(ctx, stored); err != nil {
		return err
	}
	e.entities[stored.ID] = stored
	e.logger.Debug("local mutation recorded", "id", stored.ID, "type", stored.Type, "version", stored.Version)
	return nil
}

// Delete marks the entity as a tombstone. The deletion syncs to the
// server like any other dirty change.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, ok := e.entities[id]
	if !ok {
		return ErrNotFound
	}
	tomb := prev.Clone()
	tomb.Deleted = true
	tomb.Version = prev.Version + 1
	tomb.Touch(e.clk.Now())

	if err := e.persistEntityLocked(ctx, tomb); err != nil {
		return err
	}
	e.entities[id] = tomb
	return nil
}

// Get returns a copy of the entity.
func (e *Engine) Get(id string) (*types.Entity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entities[id]
	if !ok || ent.Deleted {
		return nil, ErrNotFound
	}
	return ent.Clone(), nil
}

// List returns copies of live entities, scoped to one type when
// typeName is non-empty, ordered by id.
func (e *Engine) List(typeName string) []*types.Entity {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*types.Entity
	for _, ent := range e.entities {
		if ent.Deleted {
			continue
		}
		if typeName != "" && ent.Type != typeName {
			continue
		}
		out = append(out, ent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FullSync uploads every dirty entity, then downloads all remote
// changes since the last full sync.
func (e *Engine) FullSync(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	since := e.cp.LastFullSync
	e.mu.Unlock()
	return e.run(ctx, ModeFull, since)
}

// DeltaSync scopes the download to changes after the last checkpoint.
// Without a baseline it falls back to a full sync.
func (e *Engine) DeltaSync(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	since := e.cp.baseline()
	e.mu.Unlock()
	if since.IsZero() {
		e.logger.Info("no sync baseline, falling back to full sync")
		return e.run(ctx, ModeFull, time.Time{})
	}
	return e.run(ctx, ModeDelta, since)
}

// DeltaSyncSince runs a delta pass from an explicit baseline.
func (e *Engine) DeltaSyncSince(ctx context.Context, since time.Time) (*Result, error) {
	return e.run(ctx, ModeDelta, since)
}

// run is the single-flight sync pass: upload phase, download phase,
// checkpoint update. Concurrent calls fail fast with ErrSyncActive.
func (e *Engine) run(ctx context.Context, mode Mode, since time.Time) (*Result, error) {
	if e.paused.Load() {
		return nil, ErrPaused
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return nil, ErrSyncActive
	}
	defer e.syncing.Store(false)

	started := e.clk.Now()
	res := &Result{Mode: mode, StartedAt: started}
	e.publish(events.SyncEvent{Kind: events.SyncStarted, Mode: string(mode), At: started})
	e.logger.Info("sync started", "mode", mode, "since", since)

	err := e.uploadDirty(ctx, res, "")
	if err == nil {
		err = e.download(ctx, since, mode, res)
	}

	res.Duration = e.clk.Now().Sub(started)
	e.finish(ctx, mode, res, err)

	if err != nil {
		e.publish(events.SyncEvent{
			Kind: events.SyncFailed, Mode: string(mode), Err: err.Error(), At: e.clk.Now(),
		})
		e.logger.Warn("sync failed", "mode", mode, "error", err)
		return res, err
	}
	e.publish(events.SyncEvent{
		Kind: events.SyncCompleted, Mode: string(mode),
		Uploaded: res.Uploaded, Downloaded: res.Downloaded,
		Conflicts: len(res.Conflicts), Unresolved: len(res.Unresolved),
		At: e.clk.Now(),
	})
	e.logger.Info("sync completed",
		"mode", mode, "uploaded", res.Uploaded, "downloaded", res.Downloaded,
		"conflicts", len(res.Conflicts), "unresolved", len(res.Unresolved),
		"duration", res.Duration)
	return res, nil
}

// finish folds a pass into the checkpoint and persists it.
func (e *Engine) finish(ctx context.Context, mode Mode, res *Result, runErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now()
	e.cp.LastSyncAt = now
	e.cp.LastDurationMS = res.Duration.Milliseconds()
	e.cp.TotalUploaded += int64(res.Uploaded)
	e.cp.TotalDownloaded += int64(res.Downloaded)
	e.cp.TotalConflicts += int64(len(res.Conflicts))
	e.cp.TotalUnresolved += int64(len(res.Unresolved))
	if runErr != nil {
		e.cp.LastError = runErr.Error()
	} else {
		e.cp.LastError = ""
		if mode == ModeFull {
			e.cp.FullSyncs++
			e.cp.LastFullSync = res.checkpointTime(now)
			// a full pass supersedes the delta baseline
			e.cp.LastDeltaSync = e.cp.LastFullSync
		} else {
			e.cp.DeltaSyncs++
			e.cp.LastDeltaSync = res.checkpointTime(now)
		}
	}
	if err := e.persistCheckpointLocked(ctx); err != nil {
		e.logger.Warn("failed to persist checkpoint", "error", err)
	}
}

// checkpointTime prefers the server clock captured during download.
func (r *Result) checkpointTime(fallback time.Time) time.Time {
	if !r.serverTime.IsZero() {
		return r.serverTime
	}
	return fallback
}

// uploadDirty pushes every upload-eligible entity in batches, highest
// priority first. policyOverride applies to conflicts raised by
// rejections in this pass.
func (e *Engine) uploadDirty(ctx context.Context, res *Result, policyOverride Policy) error {
	e.mu.Lock()
	var dirty []*types.Entity
	for _, ent := range e.entities {
		if ent.Dirty() && !ent.RequiresReview {
			dirty = append(dirty, ent.Clone())
		}
	}
	e.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}
	sort.Slice(dirty, func(i, j int) bool {
		if wi, wj := dirty[i].Priority.Weight(), dirty[j].Priority.Weight(); wi != wj {
			return wi > wj
		}
		return dirty[i].LastModified.Before(dirty[j].LastModified)
	})

	for start := 0; start < len(dirty); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(dirty) {
			end = len(dirty)
		}
		if err := e.uploadBatch(ctx, dirty[start:end], policyOverride, res); err != nil {
			return err
		}
	}
	return nil
}

// uploadBatch sends one batch and reconciles the verdicts: accepted
// entities are marked synced, rejections with a server copy enter
// conflict resolution, rejections without one are deferred to review.
func (e *Engine) uploadBatch(ctx context.Context, batch []*types.Entity, policyOverride Policy, res *Result) error {
	wire := make([]*types.Entity, len(batch))
	for i, ent := range batch {
		w, err := e.encryptPayload(ent)
		if err != nil {
			return err
		}
		wire[i] = w
	}

	verdict, err := e.remote.UpsertBatch(ctx, wire)
	if err != nil {
		return err
	}

	snapshot := make(map[string]time.Time, len(batch))
	for _, ent := range batch {
		snapshot[ent.ID] = ent.LastModified
	}

	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range verdict.Accepted {
		ent, ok := e.entities[id]
		if !ok {
			continue
		}
		// a Put that raced the upload keeps the entity dirty; the newer
		// state goes up on the next pass
		if !ent.LastModified.Equal(snapshot[id]) {
			continue
		}
		ent.MarkSynced(now)
		if err := e.persistEntityLocked(ctx, ent); err != nil {
			e.logger.Warn("failed to persist synced entity", "id", id, "error", err)
		}
		res.Uploaded++
	}

	for _, rej := range verdict.Rejected {
		local, ok := e.entities[rej.EntityID]
		if !ok {
			continue
		}
		if rej.Server == nil {
			// the server refused outright; park the entity for review
			rec := e.deferRejectionLocked(ctx, local, rej.Reason, now)
			res.Conflicts = append(res.Conflicts, *rec)
			res.Unresolved = append(res.Unresolved, *rec)
			continue
		}
		server, err := e.decryptPayload(rej.Server)
		if err != nil {
			e.logger.Warn("cannot decode server copy", "id", rej.EntityID, "error", err)
			continue
		}
		rec := e.resolveConflictLocked(ctx, local, server, policyOverride, now)
		res.Conflicts = append(res.Conflicts, *rec)
		if rec.Pending() {
			res.Unresolved = append(res.Unresolved, *rec)
		}
	}
	return nil
}

// download fetches remote changes and folds them into the mirror.
func (e *Engine) download(ctx context.Context, since time.Time, mode Mode, res *Result) error {
	set, err := e.remote.FetchChangesSince(ctx, since, e.cfg.ResourceTypes)
	if err != nil {
		return err
	}
	res.serverTime = set.ServerTime

	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, remote := range set.Entities {
		e.applyRemoteLocked(ctx, remote, "", now, res)
	}
	return nil
}

// applyRemoteLocked folds one server entity into the mirror. Clean
// local copies adopt the server state; dirty ones go through conflict
// resolution.
func (e *Engine) applyRemoteLocked(ctx context.Context, wire *types.Entity, policyOverride Policy, now time.Time, res *Result) {
	remote, err := e.decryptPayload(wire)
	if err != nil {
		e.logger.Warn("cannot decode downloaded entity", "id", wire.ID, "error", err)
		return
	}

	local, exists := e.entities[remote.ID]
	if !exists {
		if remote.Deleted {
			return // tombstone for an entity we never had
		}
		adopted := remote.Clone()
		adopted.MarkSynced(now)
		if err := e.persistEntityLocked(ctx, adopted); err != nil {
			e.logger.Warn("failed to persist downloaded entity", "id", remote.ID, "error", err)
			return
		}
		e.entities[adopted.ID] = adopted
		res.Downloaded++
		e.warmEntity(ctx, adopted)
		return
	}

	if !local.Dirty() {
		if local.Version == remote.Version && !remote.Deleted {
			return // stale echo of what we already hold
		}
		if remote.Deleted {
			if err := e.removeEntityLocked(ctx, local.ID); err != nil {
				e.logger.Warn("failed to apply remote delete", "id", local.ID, "error", err)
				return
			}
			res.Downloaded++
			return
		}
		adopted := remote.Clone()
		adopted.MarkSynced(now)
		adopted.ConflictCount = local.ConflictCount
		if err := e.persistEntityLocked(ctx, adopted); err != nil {
			e.logger.Warn("failed to persist downloaded entity", "id", remote.ID, "error", err)
			return
		}
		e.entities[adopted.ID] = adopted
		res.Downloaded++
		e.warmEntity(ctx, adopted)
		return
	}

	// local is dirty; a remote copy no newer than our last sync point is
	// an echo of the state we built on, not a competing edit
	if !remote.LastModified.After(local.LastSynced) {
		return
	}
	rec := e.resolveConflictLocked(ctx, local, remote, policyOverride, now)
	res.Conflicts = append(res.Conflicts, *rec)
	if rec.Pending() {
		res.Unresolved = append(res.Unresolved, *rec)
	}
	res.Downloaded++
}

// resolveConflictLocked classifies, resolves per policy, applies the
// outcome to the mirror and appends the audit record.
func (e *Engine) resolveConflictLocked(ctx context.Context, local, remote *types.Entity, policyOverride Policy, now time.Time) *ConflictRecord {
	policy := e.policyFor(local.Type, policyOverride)
	outcome := resolve(local, remote, policy, e.reg, now)

	rec := &ConflictRecord{
		ID:            uuid.NewString(),
		EntityID:      local.ID,
		EntityType:    local.Type,
		Type:          classify(local, remote, e.reg),
		Policy:        policy,
		Winner:        outcome.winner,
		LocalVersion:  local.Version,
		RemoteVersion: remote.Version,
		LocalRole:     local.Role,
		RemoteRole:    remote.Role,
		Detail:        outcome.detail,
		DetectedAt:    now,
	}
	if outcome.unresolved {
		rec.RemotePayload = append(json.RawMessage(nil), remote.Payload...)
	} else {
		rec.ResolvedAt = now
	}

	if err := e.persistEntityLocked(ctx, outcome.entity); err != nil {
		e.logger.Warn("failed to persist conflict outcome", "id", local.ID, "error", err)
	}
	e.entities[outcome.entity.ID] = outcome.entity
	if outcome.winner == WinnerRemote && !outcome.entity.Deleted {
		e.warmEntity(ctx, outcome.entity)
	}

	e.conflicts[rec.ID] = rec
	if err := e.persistConflictLocked(ctx, rec); err != nil {
		e.logger.Warn("failed to persist conflict record", "id", rec.ID, "error", err)
	}

	e.publish(events.SyncEvent{Kind: events.SyncConflict, EntityID: local.ID, At: now})
	e.logger.Info("conflict resolved",
		"entity", local.ID, "type", rec.Type, "policy", policy, "winner", rec.Winner, "detail", rec.Detail)
	return rec
}

// deferRejectionLocked parks an entity the server refused without a
// resolvable copy. It surfaces through the review queue, never
// silently.
func (e *Engine) deferRejectionLocked(ctx context.Context, local *types.Entity, reason string, now time.Time) *ConflictRecord {
	flagged := local.Clone()
	flagged.RequiresReview = true
	flagged.ConflictCount++
	if err := e.persistEntityLocked(ctx, flagged); err != nil {
		e.logger.Warn("failed to persist deferred entity", "id", local.ID, "error", err)
	}
	e.entities[flagged.ID] = flagged

	rec := &ConflictRecord{
		ID:           uuid.NewString(),
		EntityID:     local.ID,
		EntityType:   local.Type,
		Type:         ConflictData,
		Policy:       PolicyManualReview,
		Winner:       WinnerPending,
		LocalVersion: local.Version,
		LocalRole:    local.Role,
		Detail:       "server rejected upload: " + reason,
		DetectedAt:   now,
	}
	e.conflicts[rec.ID] = rec
	if err := e.persistConflictLocked(ctx, rec); err != nil {
		e.logger.Warn("failed to persist conflict record", "id", rec.ID, "error", err)
	}
	e.publish(events.SyncEvent{Kind: events.SyncConflict, EntityID: local.ID, At: now})
	e.logger.Warn("upload rejected, deferred for review", "entity", local.ID, "reason", reason)
	return rec
}

// policyFor picks the conflict policy: explicit override, then the
// resource manifest, then the engine default.
func (e *Engine) policyFor(typeName string, override Policy) Policy {
	if override.Valid() {
		return override
	}
	p, err := ParsePolicy(e.reg.DefaultPolicy(typeName, string(e.cfg.DefaultPolicy)))
	if err != nil {
		return e.cfg.DefaultPolicy
	}
	return p
}

// ApplyChange folds one pushed change from a live feed into the mirror.
// Feed intake bypasses the sync guard; it touches a single entity.
func (e *Engine) ApplyChange(ctx context.Context, ev types.ChangeEvent) error {
	if ev.Entity.ID == "" {
		return &types.ValidationError{Field: "entity.id", Reason: "must not be empty"}
	}
	remote := ev.Entity.Clone()
	if ev.Op == types.ChangeDelete {
		remote.Deleted = true
	}

	now := e.clk.Now()
	res := &Result{Mode: ModeDelta, StartedAt: now}
	e.mu.Lock()
	e.applyRemoteLocked(ctx, remote, "", now, res)
	e.mu.Unlock()

	if len(res.Unresolved) > 0 {
		e.logger.Info("feed change deferred for review", "entity", ev.Entity.ID)
	}
	return nil
}

// Pause stops new sync passes from starting. In-flight passes finish.
func (e *Engine) Pause() {
	if e.paused.CompareAndSwap(false, true) {
		e.logger.Info("sync paused")
	}
}

// Resume re-enables sync passes.
func (e *Engine) Resume() {
	if e.paused.CompareAndSwap(true, false) {
		e.logger.Info("sync resumed")
	}
}

// Paused reports whether the engine is paused.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// Conflicts returns the audit trail, newest first.
func (e *Engine) Conflicts() []ConflictRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ConflictRecord, 0, len(e.conflicts))
	for _, rec := range e.conflicts {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out
}

// PendingReviews returns conflicts awaiting manual resolution.
func (e *Engine) PendingReviews() []ConflictRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ConflictRecord
	for _, rec := range e.conflicts {
		if rec.Pending() {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// ResolveReview settles a pending conflict with the reviewer's choice:
// WinnerLocal keeps the local copy and re-eligibles it for upload,
// WinnerRemote adopts the server payload kept in the record.
func (e *Engine) ResolveReview(ctx context.Context, entityID string, keep Winner) error {
	if keep != WinnerLocal && keep != WinnerRemote {
		return &types.ValidationError{Field: "keep", Reason: "must be local or remote"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var rec *ConflictRecord
	for _, r := range e.conflicts {
		if r.EntityID == entityID && r.Pending() {
			if rec == nil || r.DetectedAt.Before(rec.DetectedAt) {
				rec = r
			}
		}
	}
	if rec == nil {
		return ErrNoPendingReview
	}
	local, ok := e.entities[entityID]
	if !ok {
		return ErrNotFound
	}

	now := e.clk.Now()
	settled := local.Clone()
	settled.RequiresReview = false
	if keep == WinnerRemote && rec.RemotePayload != nil {
		settled.Payload = append(json.RawMessage(nil), rec.RemotePayload...)
		settled.Version = maxVersion(rec.LocalVersion, rec.RemoteVersion) + 1
	}
	settled.Touch(now) // dirty either way, the verdict syncs up

	if err := e.persistEntityLocked(ctx, settled); err != nil {
		return err
	}
	e.entities[entityID] = settled

	rec.Winner = keep
	rec.ResolvedAt = now
	rec.RemotePayload = nil
	if err := e.persistConflictLocked(ctx, rec); err != nil {
		e.logger.Warn("failed to persist conflict record", "id", rec.ID, "error", err)
	}
	e.logger.Info("review resolved", "entity", entityID, "winner", keep)
	return nil
}

// Status returns a polling snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Checkpoint: e.cp,
		Entities:   len(e.entities),
		Paused:     e.paused.Load(),
		Syncing:    e.syncing.Load(),
	}
	for _, ent := range e.entities {
		if ent.Dirty() && !ent.RequiresReview {
			st.Dirty++
		}
	}
	for _, rec := range e.conflicts {
		if rec.Pending() {
			st.PendingReviews++
		}
	}
	return st
}

func (e *Engine) warmEntity(ctx context.Context, ent *types.Entity) {
	if e.warm != nil && !ent.Deleted {
		e.warm(ctx, ent.Clone())
	}
}

func (e *Engine) persistEntityLocked(ctx context.Context, ent *types.Entity) error {
	data, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("syncengine: marshal entity %s: %w", ent.ID, err)
	}
	if err := e.store.Set(ctx, entityPrefix+ent.ID, data); err != nil {
		return fmt.Errorf("syncengine: persist entity %s: %w", ent.ID, err)
	}
	return nil
}

func (e *Engine) removeEntityLocked(ctx context.Context, id string) error {
	if err := e.store.Delete(ctx, entityPrefix+id); err != nil {
		return fmt.Errorf("syncengine: delete entity %s: %w", id, err)
	}
	delete(e.entities, id)
	return nil
}

func (e *Engine) persistConflictLocked(ctx context.Context, rec *ConflictRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("syncengine: marshal conflict %s: %w", rec.ID, err)
	}
	if err := e.store.Set(ctx, conflictPrefix+rec.ID, data); err != nil {
		return fmt.Errorf("syncengine: persist conflict %s: %w", rec.ID, err)
	}
	return nil
}

func (e *Engine) persistCheckpointLocked(ctx context.Context) error {
	data, err := json.Marshal(&e.cp)
	if err != nil {
		return fmt.Errorf("syncengine: marshal checkpoint: %w", err)
	}
	if err := e.store.Set(ctx, checkpointKey, data); err != nil {
		return fmt.Errorf("syncengine: persist checkpoint: %w", err)
	}
	return nil
}

func (e *Engine) publish(ev events.SyncEvent) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
