package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/furnacehq/furnace/internal/logging"
	"github.com/furnacehq/furnace/internal/ollama"
)

// Argument describes one parameter a class expects the model to extract.
type Argument struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Class is one routable intent.
type Class struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Arguments   []Argument `json:"arguments,omitempty"`
}

// Schema is the set of intents the router classifies against.
type Schema struct {
	Classes []Class `json:"classes"`
}

// SchemaFromObject decodes a schema stored as a generic system entry value.
func SchemaFromObject(obj map[string]any) (*Schema, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema object: %w", err)
	}
	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	if len(schema.Classes) == 0 {
		return nil, fmt.Errorf("schema has no classes")
	}
	return &schema, nil
}

// Decision is the router's verdict for one message. A Decision with an empty
// Class means no intent matched; callers treat the routing outcome as
// advisory either way.
type Decision struct {
	Class     string         `json:"class"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Raw       string         `json:"raw,omitempty"`
}

// Generator runs single-shot completions. Satisfied by *ollama.Client.
type Generator interface {
	Generate(ctx context.Context, req *ollama.GenerateRequest) (*ollama.GenerateResponse, error)
}

// Router classifies user messages against a schema using a small routing
// model with a strict-JSON instruction. Model output is parsed defensively;
// anything unparseable classifies as "no class selected", never as an error
// the caller has to handle.
type Router struct {
	gen   Generator
	model string
	log   *slog.Logger
}

func NewRouter(gen Generator, model string) *Router {
	return &Router{
		gen:   gen,
		model: model,
		log:   logging.WithComponent("router"),
	}
}

// Route classifies message against schema. The error is non-nil only when the
// backend call itself failed.
func (r *Router) Route(ctx context.Context, message string, schema *Schema) (*Decision, error) {
	if schema == nil || len(schema.Classes) == 0 {
		return &Decision{}, nil
	}

	temp := 0.0
	resp, err := r.gen.Generate(ctx, &ollama.GenerateRequest{
		Model:   r.model,
		Prompt:  buildPrompt(message, schema),
		Options: &ollama.GenerateOptions{Temperature: &temp},
	})
	if err != nil {
		return nil, fmt.Errorf("routing generation failed: %w", err)
	}

	decision := r.parse(resp.Response, schema)
	if decision.Class == "" {
		r.log.Debug("no intent matched", "output", truncate(resp.Response, 200))
	}
	return decision, nil
}

func buildPrompt(message string, schema *Schema) string {
	var sb strings.Builder
	sb.WriteString("You are an intent classifier. Classify the user message into exactly one of the classes below.\n")
	sb.WriteString("Respond with ONLY a JSON object of the form {\"class\": \"<name>\", \"arguments\": {}}. No prose, no markdown.\n")
	sb.WriteString("If no class fits, respond with {\"class\": \"\"}.\n\nClasses:\n")
	for _, class := range schema.Classes {
		fmt.Fprintf(&sb, "- %s: %s\n", class.Name, class.Description)
		for _, arg := range class.Arguments {
			required := "optional"
			if arg.Required {
				required = "required"
			}
			fmt.Fprintf(&sb, "    %s (%s, %s): %s\n", arg.Name, arg.Type, required, arg.Description)
		}
	}
	fmt.Fprintf(&sb, "\nUser message: %s\n", message)
	return sb.String()
}

// parse digs the first JSON object out of the model output. Small models wrap
// answers in prose or code fences often enough that strict decoding of the
// whole response is a losing game.
func (r *Router) parse(output string, schema *Schema) *Decision {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return &Decision{Raw: output}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(output[start:end+1]), &obj); err != nil {
		return &Decision{Raw: output}
	}

	decision := &Decision{Raw: output}
	if name, ok := obj["class"].(string); ok {
		decision.Class = name
		if args, ok := obj["arguments"].(map[string]any); ok {
			decision.Arguments = args
		}
	} else if len(obj) == 1 {
		// Some models answer {"<class>": {...}} instead.
		for name, value := range obj {
			decision.Class = name
			if args, ok := value.(map[string]any); ok {
				decision.Arguments = args
			}
		}
	}

	if decision.Class != "" && !schemaHas(schema, decision.Class) {
		r.log.Debug("model selected unknown class", "class", decision.Class)
		decision.Class = ""
		decision.Arguments = nil
	}
	return decision
}

func schemaHas(schema *Schema, name string) bool {
	for _, class := range schema.Classes {
		if class.Name == name {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
