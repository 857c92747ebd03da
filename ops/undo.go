package ops

import (
	"context"
	"sync"

	"github.com/holon-app/holon/value"
)

// InverseOperation is the operation a handler emits to reverse itself,
// queued onto the bounded undo ring buffer (§4.7, SPEC_FULL.md
// "Undo/redo ring buffer").
type InverseOperation struct {
	EntityName string
	OpName     string
	Params     map[string]value.Value
}

// historyEntry pairs a handler's inverse with the forward invocation
// that produced it: Undo runs the inverse, Redo replays the forward
// operation — not the inverse again.
type historyEntry struct {
	inverse InverseOperation
	forward InverseOperation
}

// UndoBuffer is a bounded FIFO-on-overflow ring of undo/redo history,
// sized like the teacher's bounded per-subscription working sets
// (core/subs.go's mval slices). Pushing past capacity drops the oldest
// entry. Undo pops the most recent entry and moves it to the redo side;
// a fresh Push clears anything sitting on the redo side, matching
// standard undo-stack semantics.
type UndoBuffer struct {
	mu       sync.Mutex
	capacity int
	undo     []historyEntry
	redo     []historyEntry
}

// NewUndoBuffer returns an empty UndoBuffer bounded to capacity entries.
func NewUndoBuffer(capacity int) *UndoBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	return &UndoBuffer{capacity: capacity}
}

// Push queues an inverse/forward pair onto the undo side, dropping the
// oldest entry if the buffer is at capacity, and clears the redo side.
func (b *UndoBuffer) Push(inverse, forward InverseOperation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.undo = append(b.undo, historyEntry{inverse: inverse, forward: forward})
	if len(b.undo) > b.capacity {
		b.undo = b.undo[len(b.undo)-b.capacity:]
	}
	b.redo = nil
}

// CanUndo reports whether there is an inverse operation to run.
func (b *UndoBuffer) CanUndo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.undo) > 0
}

// CanRedo reports whether there is a previously-undone operation to
// re-apply.
func (b *UndoBuffer) CanRedo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.redo) > 0
}

// pop removes and returns the most recent undo entry, moving it onto
// the redo side so a subsequent Redo can replay its forward operation.
func (b *UndoBuffer) pop() (historyEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.undo) == 0 {
		return historyEntry{}, false
	}
	e := b.undo[len(b.undo)-1]
	b.undo = b.undo[:len(b.undo)-1]
	b.redo = append(b.redo, e)
	if len(b.redo) > b.capacity {
		b.redo = b.redo[len(b.redo)-b.capacity:]
	}
	return e, true
}

func (b *UndoBuffer) popRedo() (historyEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.redo) == 0 {
		return historyEntry{}, false
	}
	e := b.redo[len(b.redo)-1]
	b.redo = b.redo[:len(b.redo)-1]
	b.undo = append(b.undo, e)
	return e, true
}

// Undo pops the most recent history entry and executes its inverse
// through d.Registry, moving the entry onto the redo side.
func (d *Dispatcher) Undo(ctx context.Context) error {
	e, ok := d.History.pop()
	if !ok {
		return nil
	}
	return d.invoke(ctx, e.inverse)
}

// Redo replays the most recently undone entry's forward operation.
func (d *Dispatcher) Redo(ctx context.Context) error {
	e, ok := d.History.popRedo()
	if !ok {
		return nil
	}
	return d.invoke(ctx, e.forward)
}

func (d *Dispatcher) invoke(ctx context.Context, op InverseOperation) error {
	desc, ok := d.Registry.Get(op.EntityName, op.OpName)
	if !ok {
		return &ErrUnknownOperation{EntityName: op.EntityName, OpName: op.OpName}
	}
	if desc.Handler == nil {
		return nil
	}
	_, err := desc.Handler(HandlerContext{Ctx: ctx, Params: op.Params})
	return err
}

// CanUndo reports whether Undo has an operation to reverse.
func (d *Dispatcher) CanUndo() bool { return d.History.CanUndo() }

// CanRedo reports whether Redo has a previously-undone operation to
// re-apply.
func (d *Dispatcher) CanRedo() bool { return d.History.CanRedo() }
