// Package events carries typed notifications between the engine and the
// host application. Each event family has its own bus so subscribers
// only see the events they asked for.
package events

import (
	"time"

	"github.com/clawinfra/satchel/internal/types"
)

// QueueEventKind classifies operation queue transitions.
type QueueEventKind string

const (
	QueueAdded      QueueEventKind = "added"
	QueueRemoved    QueueEventKind = "removed"
	QueueDispatched QueueEventKind = "dispatched"
	QueueSucceeded  QueueEventKind = "succeeded"
	QueueRetried    QueueEventKind = "retried"
	QueueFailed     QueueEventKind = "failed"
	QueueCancelled  QueueEventKind = "cancelled"
)

// QueueEvent reports a single operation transition.
type QueueEvent struct {
	Kind       QueueEventKind
	OpID       string
	Resource   string
	Priority   types.Priority
	RetryCount int
	Err        string
	At         time.Time
}

// SyncEventKind classifies sync cycle milestones.
type SyncEventKind string

const (
	SyncStarted   SyncEventKind = "started"
	SyncCompleted SyncEventKind = "completed"
	SyncFailed    SyncEventKind = "failed"
	SyncConflict  SyncEventKind = "conflict"
)

// SyncEvent reports sync progress and conflicts.
type SyncEvent struct {
	Kind       SyncEventKind
	Mode       string
	EntityID   string
	Uploaded   int
	Downloaded int
	Conflicts  int
	Unresolved int
	Err        string
	At         time.Time
}

// CacheEventKind classifies cache activity.
type CacheEventKind string

const (
	CacheHit        CacheEventKind = "hit"
	CacheMiss       CacheEventKind = "miss"
	CacheEvicted    CacheEventKind = "evicted"
	CacheCorruption CacheEventKind = "corruption"
)

// CacheEvent reports one cache lookup, eviction or integrity failure.
type CacheEvent struct {
	Kind   CacheEventKind
	Key    string
	Reason string
	Bytes  int64
	At     time.Time
}

// NetworkEventKind classifies connectivity transitions and controller
// decisions.
type NetworkEventKind string

const (
	NetworkReconnected  NetworkEventKind = "reconnected"
	NetworkDisconnected NetworkEventKind = "disconnected"
	NetworkChanged      NetworkEventKind = "changed"
	NetworkStrategy     NetworkEventKind = "strategy"
)

// NetworkEvent reports a connectivity transition or a reconnection
// strategy decision.
type NetworkEvent struct {
	Kind     NetworkEventKind
	State    types.Connectivity
	Strategy string
	Reason   string
	At       time.Time
}
