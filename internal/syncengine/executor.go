package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clawinfra/satchel/internal/queue"
	"github.com/clawinfra/satchel/internal/types"
)

// Executor adapts the engine to the operation queue: queued mutation
// intents become single-entity uploads, queued sync ops become delta
// passes.
type Executor struct {
	eng *Engine
}

var _ queue.Executor = (*Executor)(nil)

// NewExecutor wraps the engine for queue dispatch.
func NewExecutor(eng *Engine) *Executor {
	return &Executor{eng: eng}
}

// Execute runs one queued operation. Validation failures are terminal
// for the queue; transport errors surface unwrapped so the queue's
// retry schedule applies.
func (x *Executor) Execute(ctx context.Context, op *queue.Operation) error {
	switch op.Type {
	case queue.OpSync:
		_, err := x.eng.DeltaSync(ctx)
		if errors.Is(err, ErrSyncActive) {
			return nil // the running pass covers this op
		}
		return err
	case queue.OpCreate, queue.OpUpdate, queue.OpDelete:
		return x.eng.pushOp(ctx, op)
	default:
		return &types.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown operation type %q", op.Type)}
	}
}

// pushOp applies a queued mutation to the mirror and uploads that one
// entity immediately. The server's verdict reconciles the same way a
// batched sync pass would, honoring op.Policy as the conflict policy
// override.
func (e *Engine) pushOp(ctx context.Context, op *queue.Operation) error {
	if op.EntityID == "" {
		return &types.ValidationError{Field: "entity_id", Reason: "must not be empty"}
	}

	now := e.clk.Now()
	e.mu.Lock()
	local, ok := e.entities[op.EntityID]

	var ent *types.Entity
	switch {
	case op.Type == queue.OpDelete:
		if !ok {
			e.mu.Unlock()
			return nil // already gone
		}
		ent = local.Clone()
		ent.Deleted = true
		ent.Version = local.Version + 1
		ent.Touch(now)
	case ok:
		if local.RequiresReview {
			e.mu.Unlock()
			e.logger.Info("push skipped, entity awaiting review", "id", op.EntityID)
			return nil
		}
		ent = local.Clone()
		if len(op.Payload) > 0 {
			ent.Payload = append(json.RawMessage(nil), op.Payload...)
			ent.Version = local.Version + 1
			ent.Touch(now)
		}
	default:
		if len(op.Payload) == 0 {
			e.mu.Unlock()
			return &types.ValidationError{Field: "payload", Reason: "create for unknown entity needs a payload"}
		}
		ent = &types.Entity{
			ID:           op.EntityID,
			Type:         op.Resource,
			Payload:      append(json.RawMessage(nil), op.Payload...),
			Priority:     op.Priority,
			Version:      1,
			LastModified: now,
		}
	}

	if err := e.persistEntityLocked(ctx, ent); err != nil {
		e.mu.Unlock()
		return err
	}
	e.entities[ent.ID] = ent
	upload := ent.Clone()
	e.mu.Unlock()

	var override Policy
	if p, err := ParsePolicy(op.Policy); err == nil {
		override = p
	}
	res := &Result{Mode: ModeDelta, StartedAt: now}
	return e.uploadBatch(ctx, []*types.Entity{upload}, override, res)
}
