// Package transport carries entities between the device and the school
// server. The HTTP client is the authoritative sync path; the WebSocket
// and MQTT feeds deliver server-pushed changes while the device is
// online. The transport never retries: failures are classified as
// transient or permanent and the operation queue decides what happens
// next.
package transport

import (
	"context"
	"time"

	"github.com/clawinfra/satchel/internal/types"
)

// Rejection is a server-side refusal of one uploaded entity. When the
// refusal is a version conflict the server's copy rides along so the
// engine can resolve it without another round trip.
type Rejection struct {
	EntityID string        `json:"entity_id"`
	Reason   string        `json:"reason"`
	Server   *types.Entity `json:"server,omitempty"`
}

// BatchResult reports per-entity outcomes of an upload batch.
type BatchResult struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// ChangeSet is a page of remote changes. ServerTime is the server's
// clock at snapshot time and becomes the next checkpoint, keeping
// device clock skew out of delta boundaries.
type ChangeSet struct {
	Entities   []*types.Entity `json:"entities"`
	ServerTime time.Time       `json:"server_time"`
}

// Remote is the school server sync API.
type Remote interface {
	// UpsertBatch uploads local entities. A zero-length batch is a no-op.
	UpsertBatch(ctx context.Context, entities []*types.Entity) (*BatchResult, error)
	// FetchChangesSince returns entities modified after since, limited
	// to the given resource types when non-empty. A zero since fetches
	// everything.
	FetchChangesSince(ctx context.Context, since time.Time, resourceTypes []string) (*ChangeSet, error)
}

// Feed delivers server-pushed change events. Implementations reconnect
// on their own; Changes is closed only by Stop.
type Feed interface {
	Start(ctx context.Context) error
	Stop() error
	Changes() <-chan types.ChangeEvent
}
