package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSinkDelivers(t *testing.T) {
	sink := NewChannelSink(4)
	defer sink.Close()

	require.NoError(t, sink.Emit(context.Background(), Chunk{TaskID: "t1", Content: "a"}))
	require.NoError(t, sink.Emit(context.Background(), Chunk{TaskID: "t1", Content: "b", Done: true}))

	chunk := <-sink.C()
	assert.Equal(t, "a", chunk.Content)
	chunk = <-sink.C()
	assert.True(t, chunk.Done)
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	sink := NewChannelSink(1)
	defer sink.Close()

	require.NoError(t, sink.Emit(context.Background(), Chunk{Content: "a"}))
	err := sink.Emit(context.Background(), Chunk{Content: "b"})
	assert.Error(t, err, "a full buffer drops instead of blocking")

	chunk := <-sink.C()
	assert.Equal(t, "a", chunk.Content)
}

func TestChannelSinkClosedEmit(t *testing.T) {
	sink := NewChannelSink(1)
	sink.Close()
	sink.Close() // idempotent
	assert.Error(t, sink.Emit(context.Background(), Chunk{Content: "late"}))
}

func TestSinkRegistry(t *testing.T) {
	reg := NewSinkRegistry()
	assert.Nil(t, reg.Get("t1"))

	sink := NewChannelSink(1)
	reg.Register("t1", sink)
	assert.Equal(t, ChunkSink(sink), reg.Get("t1"))

	reg.Unregister("t1")
	assert.Nil(t, reg.Get("t1"))
}

func TestTaskRedisRoundTrip(t *testing.T) {
	task := NewTask(KindStream, ChatRequest{
		Message:        "hello",
		ConversationID: "conv-1",
		UserID:         "alice",
		Model:          "llama3.2",
	})

	back, err := TaskFromRedisValues(task.ToRedisValues())
	require.NoError(t, err)
	assert.Equal(t, task.ID, back.ID)
	assert.Equal(t, KindStream, back.Kind)
	assert.Equal(t, PriorityNormal, back.Priority, "unset priority hint defaults to normal")
	assert.Equal(t, task.Request, back.Request)
	assert.Equal(t, task.Submitted, back.Submitted)

	urgent := NewTask(KindGenerate, ChatRequest{Message: "now", UserID: "alice", Priority: PriorityHigh})
	back, err = TaskFromRedisValues(urgent.ToRedisValues())
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, back.Priority)
}

func TestTaskFromRedisValuesRejectsAnonymous(t *testing.T) {
	_, err := TaskFromRedisValues(map[string]any{"kind": "generate"})
	assert.Error(t, err)
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateProcessing.Terminal())
	assert.False(t, StateRetrying.Terminal())
}
