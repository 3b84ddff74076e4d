package tasks

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/furnacehq/furnace/internal/ollama"
)

// Kind selects which queue serves a task.
type Kind string

const (
	// KindGenerate is a single-shot generation polled for its final result.
	KindGenerate Kind = "generate"
	// KindStream is a generation whose chunks are emitted to a sink as they
	// arrive.
	KindStream Kind = "stream"
)

// State is a task's position in its lifecycle. Legal transitions:
// pending -> processing -> {completed, failed, retrying}, retrying ->
// processing. Completed and failed are terminal.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRetrying   State = "retrying"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Priority is the caller's dequeue preference hint. Each kind is served by
// one stream per priority and workers drain the more urgent streams first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// priorityOrder lists the priorities most urgent first.
var priorityOrder = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// orNormal maps empty or unknown hints to the default priority.
func (p Priority) orNormal() Priority {
	switch p {
	case PriorityHigh, PriorityLow:
		return p
	default:
		return PriorityNormal
	}
}

// Stream names.
const (
	streamPrefix = "furnace:tasks"
	StreamDLQ    = "furnace:tasks:dlq"
	StreamPulse  = "furnace:workers:pulse"
)

// ConsumerGroup is the single consumer group all workers join.
const ConsumerGroup = "workers"

// StreamFor maps a task kind and priority to its queue stream.
func StreamFor(kind Kind, priority Priority) string {
	return fmt.Sprintf("%s:%s:%s", streamPrefix, kind, priority.orNormal())
}

// StreamsFor returns every queue stream serving kind, most urgent first.
func StreamsFor(kind Kind) []string {
	streams := make([]string, 0, len(priorityOrder))
	for _, priority := range priorityOrder {
		streams = append(streams, StreamFor(kind, priority))
	}
	return streams
}

// ChatRequest is the caller's request embedded in a task.
type ChatRequest struct {
	Message        string                  `json:"message"`
	ConversationID string                  `json:"conversation_id"`
	UserID         string                  `json:"user_id"`
	Model          string                  `json:"model,omitempty"`
	Priority       Priority                `json:"priority,omitempty"`
	Options        *ollama.GenerateOptions `json:"options,omitempty"`
}

// Task is one queued unit of generation work. Submissions are never
// deduplicated: equal requests produce independent tasks, callers that need
// idempotency carry their own keys.
type Task struct {
	ID        string      `json:"id"`
	Kind      Kind        `json:"kind"`
	Priority  Priority    `json:"priority"`
	Request   ChatRequest `json:"request"`
	Submitted int64       `json:"submitted"`
}

// NewTask creates a task with a fresh id.
func NewTask(kind Kind, req ChatRequest) Task {
	return Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Priority:  req.Priority.orNormal(),
		Request:   req,
		Submitted: time.Now().Unix(),
	}
}

// ToRedisValues flattens the task into stream entry values.
func (t Task) ToRedisValues() map[string]any {
	reqJSON, _ := json.Marshal(t.Request)
	return map[string]any{
		"id":        t.ID,
		"kind":      string(t.Kind),
		"priority":  string(t.Priority),
		"request":   string(reqJSON),
		"submitted": strconv.FormatInt(t.Submitted, 10),
	}
}

// TaskFromRedisValues rebuilds a task from stream entry values.
func TaskFromRedisValues(values map[string]any) (*Task, error) {
	task := &Task{}
	if v, ok := values["id"].(string); ok {
		task.ID = v
	}
	if task.ID == "" {
		return nil, fmt.Errorf("task entry has no id")
	}
	if v, ok := values["kind"].(string); ok {
		task.Kind = Kind(v)
	}
	if v, ok := values["priority"].(string); ok {
		task.Priority = Priority(v)
	}
	task.Priority = task.Priority.orNormal()
	if v, ok := values["request"].(string); ok {
		if err := json.Unmarshal([]byte(v), &task.Request); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task request: %w", err)
		}
	}
	if v, ok := values["submitted"].(string); ok {
		submitted, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse submitted timestamp: %w", err)
		}
		task.Submitted = submitted
	}
	return task, nil
}

// Result is the persisted outcome of a completed task.
type Result struct {
	Response   string  `json:"response"`
	Model      string  `json:"model"`
	TokensUsed int     `json:"tokens_used"`
	Duration   float64 `json:"duration_seconds"`
}

// StatusRecord is the pollable view of a task, kept in Redis under the result
// TTL.
type StatusRecord struct {
	TaskID    string    `json:"task_id"`
	State     State     `json:"state"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
