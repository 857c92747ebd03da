package mview

import (
	"context"
	"sync"
)

// ChannelSink is a Sink backed by a bounded Go channel (§5 backpressure).
// When the consumer keeps up, every batch is forwarded as-is. When the
// channel is full, ChannelSink does not block the producer or drop
// silently: it coalesces the new batch's changes onto whatever batch is
// still pending send, applying the same per-key merge rules diff/coalesce
// use, and never reorders distinct commits relative to one another.
type ChannelSink struct {
	out chan Batch

	mu      sync.Mutex
	pending *Batch
}

// NewChannelSink returns a ChannelSink whose Out channel buffers up to
// capacity batches.
func NewChannelSink(capacity int) *ChannelSink {
	if capacity <= 0 {
		capacity = 1
	}
	return &ChannelSink{out: make(chan Batch, capacity)}
}

// Out is the channel a consumer drains batches from.
func (s *ChannelSink) Out() <-chan Batch { return s.out }

// Send implements Sink.
func (s *ChannelSink) Send(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		select {
		case s.out <- b:
			return nil
		default:
		}
		merged := b
		s.pending = &merged
		// A slot may have freed up since the failed non-blocking send
		// above; try once more before parking it.
		select {
		case s.out <- *s.pending:
			s.pending = nil
		default:
		}
		return nil
	}
	s.pending.Inner = coalesce(append(append([]RowChange(nil), s.pending.Inner...), b.Inner...))
	select {
	case s.out <- *s.pending:
		s.pending = nil
	default:
	}
	return nil
}

// Close releases the sink's channel. It is safe to call once the owning
// subscription has stopped sending.
func (s *ChannelSink) Close() { close(s.out) }
