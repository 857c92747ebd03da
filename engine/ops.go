package engine

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/holon-app/holon/ops"
	"github.com/holon-app/holon/value"
)

// ExecuteOperation dispatches entityName.opName through the registered
// handler, propagating traceCtx onto the handler invocation (§3 Trace
// context) and pushing any inverse operation it returns onto the undo
// ring buffer (§4.7).
func (e *Engine) ExecuteOperation(ctx context.Context, entityName, opName string, params map[string]value.Value, traceCtx trace.SpanContext) error {
	return e.dispatcher.Execute(ctx, entityName, opName, params, traceCtx)
}

// AvailableOperations returns the operations exposed for entityName with
// no caller-supplied intent params — the façade's `available_operations`
// surface (§4.7), used to populate a UI's action menu for an entity.
func (e *Engine) AvailableOperations(entityName string) []ops.Descriptor {
	return e.dispatcher.AvailableOperations(entityName)
}

// FindOperations returns the candidate operations for entityName given the
// caller's available parameter bag, applying the intent filter (§4.7, §8
// scenario 3) — used when a gesture (e.g. a keyboard shortcut bound to a
// specific field) should narrow the candidate set rather than list every
// operation the entity supports.
func (e *Engine) FindOperations(entityName string, availableParams map[string]value.Value) []ops.Descriptor {
	return e.registry.FindOperations(entityName, availableParams)
}

// Undo reverses the most recent operation recorded on the undo ring
// buffer, if any.
func (e *Engine) Undo(ctx context.Context) error { return e.dispatcher.Undo(ctx) }

// Redo re-applies the most recently undone operation, if any.
func (e *Engine) Redo(ctx context.Context) error { return e.dispatcher.Redo(ctx) }

// CanUndo reports whether Undo has an operation to reverse.
func (e *Engine) CanUndo() bool { return e.dispatcher.CanUndo() }

// CanRedo reports whether Redo has a previously-undone operation to
// re-apply.
func (e *Engine) CanRedo() bool { return e.dispatcher.CanRedo() }
