package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawinfra/satchel/internal/types"
)

// keyPrefix namespaces operation records in the durable store.
const keyPrefix = "op/"

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// OpType is the kind of mutation an operation carries.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
	OpSync   OpType = "sync"
)

var knownOpTypes = map[OpType]bool{
	OpCreate: true,
	OpUpdate: true,
	OpDelete: true,
	OpSync:   true,
}

// Operation is a queued mutation intent awaiting execution against the
// remote system. It survives restarts via the durable store.
type Operation struct {
	ID       string          `json:"id"`
	Type     OpType          `json:"type"`
	Resource string          `json:"resource"`
	EntityID string          `json:"entity_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority types.Priority  `json:"priority"`
	Policy   string          `json:"policy,omitempty"` // conflict policy override
	Status   Status          `json:"status"`

	CreatedAt   time.Time `json:"created_at"`
	AvailableAt time.Time `json:"available_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"` // zero means never

	RetryCount int      `json:"retry_count"`
	MaxRetries int      `json:"max_retries"`
	DependsOn  []string `json:"depends_on,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	Seq        uint64   `json:"seq"`

	// CancelRequested marks an in-flight operation for cooperative
	// cancellation: checked before a successful result is committed.
	CancelRequested bool `json:"-"`
}

// validate checks required fields before admission.
func (op *Operation) validate() error {
	if !knownOpTypes[op.Type] {
		return &types.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown operation type %q", op.Type)}
	}
	if op.Resource == "" {
		return &types.ValidationError{Field: "resource", Reason: "must not be empty"}
	}
	if !op.Priority.Valid() {
		return &types.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", op.Priority)}
	}
	if op.MaxRetries < 0 {
		return &types.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	return nil
}

// expired reports whether the operation's deadline has passed.
func (op *Operation) expired(now time.Time) bool {
	return !op.ExpiresAt.IsZero() && now.After(op.ExpiresAt)
}

// clone returns a copy safe to hand to an executor.
func (op *Operation) clone() *Operation {
	cp := *op
	cp.Payload = append(json.RawMessage(nil), op.Payload...)
	cp.DependsOn = append([]string(nil), op.DependsOn...)
	return &cp
}

// Filter selects operations for List. Zero fields match everything.
type Filter struct {
	Statuses   []Status
	Resource   string
	EntityID   string
	Priorities []types.Priority
}

func (f Filter) match(op *Operation) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if op.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Resource != "" && op.Resource != f.Resource {
		return false
	}
	if f.EntityID != "" && op.EntityID != f.EntityID {
		return false
	}
	if len(f.Priorities) > 0 {
		found := false
		for _, p := range f.Priorities {
			if op.Priority == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Stats is a point-in-time queue counters snapshot.
type Stats struct {
	Pending   int
	InFlight  int
	Failed    int
	Completed int64
	Retried   int64
	Cancelled int64
	FailedAll int64
}
