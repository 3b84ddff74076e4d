package ollama

import "time"

// ModelInfo describes one model in the backend catalog.
type ModelInfo struct {
	Name       string         `json:"name"`
	Size       int64          `json:"size"`
	Digest     string         `json:"digest"`
	ModifiedAt time.Time      `json:"modified_at"`
	Details    map[string]any `json:"details,omitempty"`
}

// GenerateOptions are the sampling knobs passed through to the backend.
type GenerateOptions struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	NumCtx        *int     `json:"num_ctx,omitempty"`
	NumPredict    *int     `json:"num_predict,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

// GenerateRequest is the wire request for /api/generate.
type GenerateRequest struct {
	Model   string           `json:"model"`
	Prompt  string           `json:"prompt"`
	Stream  bool             `json:"stream"`
	Options *GenerateOptions `json:"options,omitempty"`
	Context []int            `json:"context,omitempty"`
}

// GenerateResponse is one /api/generate response object. In streaming mode
// each newline-delimited object carries a partial Response fragment and the
// final object has Done set.
type GenerateResponse struct {
	Model              string `json:"model"`
	Response           string `json:"response"`
	Done               bool   `json:"done"`
	Context            []int  `json:"context,omitempty"`
	TotalDuration      int64  `json:"total_duration,omitempty"`
	LoadDuration       int64  `json:"load_duration,omitempty"`
	PromptEvalCount    int    `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64  `json:"prompt_eval_duration,omitempty"`
	EvalCount          int    `json:"eval_count,omitempty"`
	EvalDuration       int64  `json:"eval_duration,omitempty"`
}

// ProcessingTime converts the backend's nanosecond total into seconds.
func (r *GenerateResponse) ProcessingTime() float64 {
	return float64(r.TotalDuration) / 1e9
}

type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}
