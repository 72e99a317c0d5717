package cache

import (
	"time"

	"github.com/clawinfra/satchel/internal/types"
)

// keyPrefix namespaces cache records in the durable store.
const keyPrefix = "cache/"

// entryOverhead approximates per-entry metadata cost for size accounting.
const entryOverhead = 64

// MissReason explains why Get did not return a value.
type MissReason string

const (
	MissNone         MissReason = ""
	MissNotFound     MissReason = "not_found"
	MissAccessDenied MissReason = "access_denied"
	MissExpired      MissReason = "expired"
	MissCorrupted    MissReason = "corrupted"
)

// Entry is one cached record. Stored holds the transformed bytes
// (compressed and/or encrypted); Checksum covers the original payload
// before any transform.
type Entry struct {
	Key          string         `json:"key"`
	Stored       []byte         `json:"stored"`
	Checksum     string         `json:"checksum"`
	Compressed   bool           `json:"compressed,omitempty"`
	Encrypted    bool           `json:"encrypted,omitempty"`
	Priority     types.Priority `json:"priority"`
	Tags         []string       `json:"tags,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at,omitempty"` // zero means no TTL
	LastAccessed time.Time      `json:"last_accessed"`
	AccessCount  int            `json:"access_count"`
	// ConstraintFlagged entries keep serving past their TTL while a
	// cache-scoped constraint window is open.
	ConstraintFlagged bool   `json:"constraint_flagged,omitempty"`
	Seq               uint64 `json:"seq"`
}

// size returns the entry's byte cost against the cache budget.
func (e *Entry) size() int64 {
	return int64(len(e.Stored)+len(e.Key)) + entryOverhead
}

// hasTag reports whether the entry carries the tag.
func (e *Entry) hasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Options controls how Set stores a value.
type Options struct {
	TTL               time.Duration
	Priority          types.Priority
	Tags              []string
	Compress          bool
	Encrypt           bool
	ConstraintFlagged bool
}

// GetOptions controls access checks on Get.
type GetOptions struct {
	// AccessPredicate, when set, must approve the entry before its value
	// is returned. Denial is a miss with reason access_denied.
	AccessPredicate func(e *Entry) bool
}

// GetResult is the outcome of a Get.
type GetResult struct {
	Value  []byte
	Hit    bool
	Reason MissReason
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	KeyPrefix      string
	Tags           []string // all listed tags must be present
	Priorities     []types.Priority
	MaxAge         time.Duration
	MinAccessCount int
}

// Stats is a point-in-time cache counters snapshot.
type Stats struct {
	Entries       int
	SizeBytes     int64
	CapacityBytes int64
	Hits          int64
	Misses        int64
	Evictions     int64
	Corruptions   int64
}
