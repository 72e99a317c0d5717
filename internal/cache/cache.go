// Package cache implements the priority/TTL content cache that keeps
// synced material available offline. Entries live in memory as the
// working set and are mirrored to the durable store so the cache
// survives restarts. Capacity is enforced by score-based eviction.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawinfra/satchel/internal/clock"
	"github.com/clawinfra/satchel/internal/constraint"
	"github.com/clawinfra/satchel/internal/events"
	"github.com/clawinfra/satchel/internal/security"
	"github.com/clawinfra/satchel/internal/storage"
	"github.com/clawinfra/satchel/internal/types"
)

// ErrPolicyViolation is returned by Set when the validator rejects the
// content as non-storable.
var ErrPolicyViolation = errors.New("cache: policy violation")

// Validator approves content before it is stored. Returning an error
// rejects the Set with ErrPolicyViolation.
type Validator func(key string, value []byte, opts Options) error

// Config bounds the cache.
type Config struct {
	MaxBytes          int64
	TargetUtilization float64 // eviction stops at this fraction of MaxBytes
	Score             ScoreConfig
}

// DefaultConfig returns the standard cache budget.
func DefaultConfig() Config {
	return Config{
		MaxBytes:          10 * 1024 * 1024,
		TargetUtilization: 0.85,
		Score:             DefaultScoreConfig(),
	}
}

func (c *Config) validate() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultConfig().MaxBytes
	}
	if c.TargetUtilization <= 0 || c.TargetUtilization >= 1 {
		c.TargetUtilization = 0.85
	}
	if c.Score == (ScoreConfig{}) {
		c.Score = DefaultScoreConfig()
	}
}

// Strategies groups the injectable behaviors. Zero values mean: no
// encryption, no validation, no constraint rules, no events.
type Strategies struct {
	Encryptor security.Encryptor
	Validator Validator
	Rules     *constraint.Set
	Bus       *events.CacheBus
}

// Cache is the content cache. All entry state is owned here; the
// durable store holds one record per entry for reconstruction.
type Cache struct {
	cfg    Config
	store  storage.Store
	clk    clock.Clock
	logger *slog.Logger

	enc       security.Encryptor
	validator Validator
	rules     *constraint.Set
	bus       *events.CacheBus

	mu        sync.Mutex
	entries   map[string]*Entry
	tagIndex  map[string][]string
	tagsDirty bool
	sizeBytes int64
	nextSeq   uint64

	hits        int64
	misses      int64
	evictions   int64
	corruptions int64

	enforcing      atomic.Bool
	enforcePending atomic.Bool
}

// New creates a cache over the given store.
func New(cfg Config, store storage.Store, clk clock.Clock, strat Strategies, logger *slog.Logger) *Cache {
	cfg.validate()
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	enc := strat.Encryptor
	if enc == nil {
		enc = security.Noop{}
	}
	return &Cache{
		cfg:       cfg,
		store:     store,
		clk:       clk,
		logger:    logger.With("component", "cache"),
		enc:       enc,
		validator: strat.Validator,
		rules:     strat.Rules,
		bus:       strat.Bus,
		entries:   make(map[string]*Entry),
	}
}

// Load rebuilds the working set from the durable store. Records that
// fail to decode are dropped with a warning.
func (c *Cache) Load(ctx context.Context) error {
	keys, err := c.store.ListKeys(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("cache: list records: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		data, err := c.store.Get(ctx, key)
		if err != nil {
			c.logger.Warn("failed to read cache record", "key", key, "error", err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			c.logger.Warn("dropping undecodable cache record", "key", key, "error", err)
			_ = c.store.Delete(ctx, key)
			continue
		}
		c.entries[e.Key] = &e
		c.sizeBytes += e.size()
		if e.Seq >= c.nextSeq {
			c.nextSeq = e.Seq + 1
		}
	}
	c.tagsDirty = true
	c.logger.Info("cache loaded", "entries", len(c.entries), "bytes", c.sizeBytes)
	return nil
}

// Set stores a value. The checksum is computed over the raw value
// before compression and encryption; capacity enforcement runs after
// the write.
func (c *Cache) Set(ctx context.Context, key string, value []byte, opts Options) error {
	if key == "" {
		return &types.ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if opts.Priority == "" {
		opts.Priority = types.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return &types.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", opts.Priority)}
	}
	if c.validator != nil {
		if err := c.validator(key, value, opts); err != nil {
			return fmt.Errorf("%w: %v", ErrPolicyViolation, err)
		}
	}

	checksum := security.Checksum(value)
	stored, err := c.transform(value, opts)
	if err != nil {
		return fmt.Errorf("cache: transform %s: %w", key, err)
	}

	now := c.clk.Now()
	e := &Entry{
		Key:               key,
		Stored:            stored,
		Checksum:          checksum,
		Compressed:        opts.Compress,
		Encrypted:         opts.Encrypt,
		Priority:          opts.Priority,
		Tags:              opts.Tags,
		CreatedAt:         now,
		LastAccessed:      now,
		ConstraintFlagged: opts.ConstraintFlagged,
	}
	if opts.TTL > 0 {
		e.ExpiresAt = now.Add(opts.TTL)
	}

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.sizeBytes -= old.size()
		e.Seq = old.Seq // replacing keeps the original insertion order
	} else {
		e.Seq = c.nextSeq
		c.nextSeq++
	}
	c.entries[key] = e
	c.sizeBytes += e.size()
	c.tagsDirty = true
	err = c.persistLocked(ctx, e)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.maybeEnforce(ctx)
	return nil
}

// Get returns the cached value for key, undoing encryption and
// compression and re-verifying the checksum. A failed verification
// purges the entry and reports a corrupted miss.
func (c *Cache) Get(ctx context.Context, key string, opts GetOptions) (GetResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	e, ok := c.entries[key]
	if !ok {
		return c.missLocked(key, MissNotFound), nil
	}

	if opts.AccessPredicate != nil && !opts.AccessPredicate(e) {
		return c.missLocked(key, MissAccessDenied), nil
	}

	if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
		if !(e.ConstraintFlagged && c.rules.SuppressExpiry(now)) {
			if !e.ConstraintFlagged {
				// lazily drop plain expired entries
				c.removeLocked(ctx, e)
			}
			return c.missLocked(key, MissExpired), nil
		}
	}

	value, err := c.untransform(e)
	if err == nil && security.Checksum(value) != e.Checksum {
		err = fmt.Errorf("checksum mismatch")
	}
	if err != nil {
		c.removeLocked(ctx, e)
		c.corruptions++
		c.logger.Warn("purged corrupt cache entry", "key", key, "error", err)
		c.publish(events.CacheEvent{Kind: events.CacheCorruption, Key: key, Reason: err.Error(), At: now})
		return c.missLocked(key, MissCorrupted), nil
	}

	e.AccessCount++
	e.LastAccessed = now
	if perr := c.persistLocked(ctx, e); perr != nil {
		c.logger.Warn("failed to persist access metadata", "key", key, "error", perr)
	}

	c.hits++
	c.publish(events.CacheEvent{Kind: events.CacheHit, Key: key, Bytes: int64(len(value)), At: now})
	out := make([]byte, len(value))
	copy(out, value)
	return GetResult{Value: out, Hit: true}, nil
}

// Remove deletes an entry, reporting whether it existed.
func (c *Cache) Remove(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if err := c.removeLocked(ctx, e); err != nil {
		return true, err
	}
	return true, nil
}

// Query returns metadata for entries matching the filter, sorted by
// protection, then priority, then recency. Returned entries carry no
// stored bytes.
func (c *Cache) Query(filter Filter) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	var out []*Entry
	for _, e := range c.entries {
		if !c.matchLocked(e, filter, now) {
			continue
		}
		cp := *e
		cp.Stored = nil
		cp.Tags = append([]string(nil), e.Tags...)
		out = append(out, &cp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := c.protectedLocked(out[i], now), c.protectedLocked(out[j], now)
		if pi != pj {
			return pi
		}
		if wi, wj := out[i].Priority.Weight(), out[j].Priority.Weight(); wi != wj {
			return wi > wj
		}
		if !out[i].LastAccessed.Equal(out[j].LastAccessed) {
			return out[i].LastAccessed.After(out[j].LastAccessed)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Keys returns the keys currently indexed under a tag.
func (c *Cache) Keys(tag string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuildTagsLocked()
	return append([]string(nil), c.tagIndex[tag]...)
}

// EnforceCapacity evicts low-score entries until usage falls to the
// target utilization. Safe to call at any time; concurrent calls
// coalesce into the single active pass.
func (c *Cache) EnforceCapacity(ctx context.Context) {
	c.maybeEnforce(ctx)
}

// Clear force-removes every entry, including protected ones.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if err := c.store.Delete(ctx, keyPrefix+e.Key); err != nil {
			return fmt.Errorf("cache: clear %s: %w", e.Key, err)
		}
	}
	c.entries = make(map[string]*Entry)
	c.sizeBytes = 0
	c.tagsDirty = true
	return nil
}

// PurgeExpired removes entries past their TTL whose expiry is not
// suppressed by an active constraint window. Returns the count removed.
func (c *Cache) PurgeExpired(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeExpiredLocked(ctx)
}

// Stats returns a counters snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:       len(c.entries),
		SizeBytes:     c.sizeBytes,
		CapacityBytes: c.cfg.MaxBytes,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Corruptions:   c.corruptions,
	}
}

// Count returns the number of live entries.
func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// maybeEnforce runs a capacity pass unless one is already active, in
// which case the active pass re-runs before finishing. Callers never
// wait on the guard.
func (c *Cache) maybeEnforce(ctx context.Context) {
	// record the request before taking the guard; the holder re-checks
	// it only after releasing, so a lost race is never a lost request
	c.enforcePending.Store(true)
	for c.enforcePending.Load() {
		if !c.enforcing.CompareAndSwap(false, true) {
			return
		}
		c.enforcePending.Store(false)
		c.enforceOnce(ctx)
		c.enforcing.Store(false)
	}
}

// enforceOnce performs one eviction pass.
func (c *Cache) enforceOnce(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sizeBytes <= c.cfg.MaxBytes {
		return
	}
	c.purgeExpiredLocked(ctx)

	target := int64(float64(c.cfg.MaxBytes) * c.cfg.TargetUtilization)
	if c.sizeBytes <= target {
		return
	}

	now := c.clk.Now()
	type scored struct {
		entry *Entry
		score float64
	}
	candidates := make([]scored, 0, len(c.entries))
	for _, e := range c.entries {
		if c.protectedLocked(e, now) {
			continue
		}
		s := Score(e.Priority, e.AccessCount, e.LastAccessed, false, now, c.cfg.Score)
		candidates = append(candidates, scored{e, s})
	}

	// lowest score first; equal scores evict in insertion order
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].entry.Seq < candidates[j].entry.Seq
	})

	evicted := 0
	for _, cand := range candidates {
		if c.sizeBytes <= target {
			break
		}
		freed := cand.entry.size()
		if err := c.removeLocked(ctx, cand.entry); err != nil {
			c.logger.Warn("failed to evict entry", "key", cand.entry.Key, "error", err)
			continue
		}
		c.evictions++
		evicted++
		c.publish(events.CacheEvent{Kind: events.CacheEvicted, Key: cand.entry.Key, Bytes: freed, At: now})
	}

	if c.sizeBytes > target {
		capErr := &types.CapacityError{Needed: c.sizeBytes - target, Available: 0}
		c.logger.Warn("capacity target unreachable, remaining entries protected",
			"size", c.sizeBytes, "target", target, "error", capErr)
	}
	if evicted > 0 {
		c.logger.Info("capacity enforced", "evicted", evicted, "size", c.sizeBytes, "target", target)
	}
}

func (c *Cache) purgeExpiredLocked(ctx context.Context) int {
	now := c.clk.Now()
	suppressed := c.rules.SuppressExpiry(now)
	purged := 0
	for _, e := range c.entries {
		if e.ExpiresAt.IsZero() || !now.After(e.ExpiresAt) {
			continue
		}
		if e.ConstraintFlagged && suppressed {
			continue
		}
		if err := c.removeLocked(ctx, e); err != nil {
			c.logger.Warn("failed to purge expired entry", "key", e.Key, "error", err)
			continue
		}
		purged++
	}
	return purged
}

// protectedLocked reports whether the entry is exempt from eviction:
// critical tier, or constraint-flagged while a cache window is open.
func (c *Cache) protectedLocked(e *Entry, now time.Time) bool {
	if e.Priority == types.PriorityCritical {
		return true
	}
	return e.ConstraintFlagged && c.rules.SuppressExpiry(now)
}

func (c *Cache) matchLocked(e *Entry, f Filter, now time.Time) bool {
	if f.KeyPrefix != "" && !strings.HasPrefix(e.Key, f.KeyPrefix) {
		return false
	}
	for _, tag := range f.Tags {
		if !e.hasTag(tag) {
			return false
		}
	}
	if len(f.Priorities) > 0 {
		found := false
		for _, p := range f.Priorities {
			if e.Priority == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MaxAge > 0 && now.Sub(e.CreatedAt) > f.MaxAge {
		return false
	}
	if f.MinAccessCount > 0 && e.AccessCount < f.MinAccessCount {
		return false
	}
	return true
}

func (c *Cache) missLocked(key string, reason MissReason) GetResult {
	c.misses++
	c.publish(events.CacheEvent{Kind: events.CacheMiss, Key: key, Reason: string(reason), At: c.clk.Now()})
	return GetResult{Reason: reason}
}

// removeLocked drops the entry from the working set and the store.
func (c *Cache) removeLocked(ctx context.Context, e *Entry) error {
	if err := c.store.Delete(ctx, keyPrefix+e.Key); err != nil {
		return fmt.Errorf("cache: delete record %s: %w", e.Key, err)
	}
	delete(c.entries, e.Key)
	c.sizeBytes -= e.size()
	c.tagsDirty = true
	return nil
}

func (c *Cache) persistLocked(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: marshal record %s: %w", e.Key, err)
	}
	if err := c.store.Set(ctx, keyPrefix+e.Key, data); err != nil {
		return fmt.Errorf("cache: persist record %s: %w", e.Key, err)
	}
	return nil
}

// rebuildTagsLocked refreshes the tag index from the entry map. The map
// is the single source of truth; the index is derived on demand.
func (c *Cache) rebuildTagsLocked() {
	if !c.tagsDirty {
		return
	}
	c.tagIndex = make(map[string][]string)
	for key, e := range c.entries {
		for _, tag := range e.Tags {
			c.tagIndex[tag] = append(c.tagIndex[tag], key)
		}
	}
	for _, keys := range c.tagIndex {
		sort.Strings(keys)
	}
	c.tagsDirty = false
}

func (c *Cache) publish(ev events.CacheEvent) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// transform applies compression then encryption per the options.
func (c *Cache) transform(value []byte, opts Options) ([]byte, error) {
	out := value
	if opts.Compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(out); err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		out = buf.Bytes()
	}
	if opts.Encrypt {
		enc, err := c.enc.Encrypt(out)
		if err != nil {
			return nil, fmt.Errorf("encrypt: %w", err)
		}
		out = enc
	}
	return out, nil
}

// untransform undoes encryption then compression.
func (c *Cache) untransform(e *Entry) ([]byte, error) {
	data := e.Stored
	if e.Encrypted {
		plain, err := c.enc.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("decrypt: %w", err)
		}
		data = plain
	}
	if e.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		plain, err := io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		data = plain
	}
	return data, nil
}
