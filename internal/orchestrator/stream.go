package orchestrator

import (
	"context"

	"routegate/internal/domain"
)

// streamChunkSize is the emitted chunk length when
// performance.streaming.chunk_bytes is unset.
const streamChunkSize = 64

// ChunkEvent is one element of a streamed completion. Exactly one
// terminal event arrives per stream: Done with the full response, or
// Err.
type ChunkEvent struct {
	Delta string
	Done  bool
	Final *domain.LLMResponse
	Err   error
}

// CompleteStream runs Complete and replays the response as an ordered
// chunk sequence on the returned channel. The channel closes after
// the terminal event. Consumers that stop reading must cancel ctx.
// With streaming disabled, the whole response arrives as the single
// terminal event.
func (s *Service) CompleteStream(ctx context.Context, req *domain.LLMRequest) <-chan ChunkEvent {
	out := make(chan ChunkEvent)
	go func() {
		defer close(out)

		resp, err := s.Complete(ctx, req)
		if err != nil {
			emit(ctx, out, ChunkEvent{Err: err, Done: true})
			return
		}
		if !s.deps.Streaming.Enabled {
			emit(ctx, out, ChunkEvent{Done: true, Final: resp})
			return
		}

		size := s.deps.Streaming.ChunkBytes
		if size <= 0 {
			size = streamChunkSize
		}
		content := resp.Content
		for start := 0; start < len(content); start += size {
			end := start + size
			if end > len(content) {
				end = len(content)
			}
			if !emit(ctx, out, ChunkEvent{Delta: content[start:end]}) {
				return
			}
		}
		emit(ctx, out, ChunkEvent{Done: true, Final: resp})
	}()
	return out
}

// emit sends one event unless the consumer has gone away.
func emit(ctx context.Context, out chan<- ChunkEvent, ev ChunkEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
