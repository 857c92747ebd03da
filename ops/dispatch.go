package ops

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/holon-app/holon/value"
)

// ErrUnknownOperation is returned by Execute when no descriptor is
// registered for (entityName, opName).
type ErrUnknownOperation struct {
	EntityName, OpName string
}

func (e *ErrUnknownOperation) Error() string {
	return fmt.Sprintf("ops: unknown operation %s.%s", e.EntityName, e.OpName)
}

// ErrParamValidation is returned by Execute when the caller's parameter
// bag does not satisfy the descriptor's required parameters.
type ErrParamValidation struct {
	EntityName, OpName string
	Missing            []string
}

func (e *ErrParamValidation) Error() string {
	return fmt.Sprintf("ops: %s.%s missing required params %v", e.EntityName, e.OpName, e.Missing)
}

// HandlerContext is passed to every Handler invocation.
type HandlerContext struct {
	Ctx         context.Context
	Params      map[string]value.Value
	TraceID     trace.TraceID
	SpanID      trace.SpanID
	HasTrace    bool
}

// Dispatcher routes operation invocations to their registered handler
// and maintains the undo/redo ring buffer (§4.7).
type Dispatcher struct {
	Registry *Registry
	History  *UndoBuffer
}

// NewDispatcher builds a Dispatcher over registry with an undo ring
// buffer bounded to capacity entries.
func NewDispatcher(registry *Registry, capacity int) *Dispatcher {
	return &Dispatcher{Registry: registry, History: NewUndoBuffer(capacity)}
}

// Execute validates params against the descriptor's required-parameter
// schema (resolving through any matching ParamMapping), invokes the
// handler, and — on success — pushes any inverse operation the handler
// produced onto the undo ring buffer.
func (d *Dispatcher) Execute(ctx context.Context, entityName, opName string, params map[string]value.Value, traceCtx trace.SpanContext) error {
	desc, ok := d.Registry.Get(entityName, opName)
	if !ok {
		return &ErrUnknownOperation{EntityName: entityName, OpName: opName}
	}

	resolved, ok := desc.resolvable(params)
	if !ok {
		var missing []string
		for _, rp := range desc.RequiredParams {
			if _, have := resolved[rp.Name]; !have {
				missing = append(missing, rp.Name)
			}
		}
		return &ErrParamValidation{EntityName: entityName, OpName: opName, Missing: missing}
	}

	if desc.Handler == nil {
		return fmt.Errorf("ops: %s.%s has no registered handler", entityName, opName)
	}

	if traceCtx.IsValid() {
		// Handlers write through the cached source, and the cache's
		// change notifications read the span context off ctx — this is
		// the link that carries a mutation's trace onto the CDC batch
		// it causes.
		ctx = trace.ContextWithRemoteSpanContext(ctx, traceCtx)
	}
	hctx := HandlerContext{Ctx: ctx, Params: resolved}
	if traceCtx.IsValid() {
		hctx.TraceID = traceCtx.TraceID()
		hctx.SpanID = traceCtx.SpanID()
		hctx.HasTrace = true
	}

	result, err := desc.Handler(hctx)
	if err != nil {
		return err
	}
	if result.Inverse != nil {
		// The dispatcher records the forward invocation itself, so Redo
		// replays the original operation rather than the inverse.
		d.History.Push(*result.Inverse, InverseOperation{
			EntityName: entityName,
			OpName:     opName,
			Params:     resolved,
		})
	}
	return nil
}

// AvailableOperations returns FindOperations with an empty parameter
// bag, used by the façade's `available_operations` surface. No
// ParamMapping applies to an empty bag, so only operations with no
// required params are returned.
func (d *Dispatcher) AvailableOperations(entityName string) []Descriptor {
	return d.Registry.FindOperations(entityName, map[string]value.Value{})
}
