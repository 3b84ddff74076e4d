package tasks

import (
	"context"
	"fmt"
	"sync"
)

// Chunk is one incremental fragment of a streaming generation.
type Chunk struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// ChunkSink receives chunks as they arrive from the backend. Emission is
// one-way: a sink that returns an error gets the error logged and the stream
// keeps going.
type ChunkSink interface {
	Emit(ctx context.Context, chunk Chunk) error
}

// ChannelSink delivers chunks over a buffered channel. When the consumer
// falls behind and the buffer fills, chunks are dropped rather than stalling
// generation.
type ChannelSink struct {
	ch chan Chunk

	mu     sync.Mutex
	closed bool
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan Chunk, buffer)}
}

// C returns the receive side.
func (s *ChannelSink) C() <-chan Chunk {
	return s.ch
}

// Emit delivers a chunk without blocking.
func (s *ChannelSink) Emit(ctx context.Context, chunk Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink closed")
	}
	select {
	case s.ch <- chunk:
		return nil
	default:
		return fmt.Errorf("sink buffer full, chunk dropped")
	}
}

// Close closes the channel. Safe to call more than once.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// SinkRegistry maps task ids to their registered sinks. Streaming tasks with
// no registered sink still run; their chunks only feed the accumulated final
// result.
type SinkRegistry struct {
	mu    sync.RWMutex
	sinks map[string]ChunkSink
}

func NewSinkRegistry() *SinkRegistry {
	return &SinkRegistry{sinks: make(map[string]ChunkSink)}
}

// Register attaches a sink to a task id.
func (r *SinkRegistry) Register(taskID string, sink ChunkSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[taskID] = sink
}

// Unregister detaches the sink for a task id.
func (r *SinkRegistry) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, taskID)
}

// Get returns the sink for a task id, or nil.
func (r *SinkRegistry) Get(taskID string) ChunkSink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sinks[taskID]
}
