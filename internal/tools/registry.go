package tools

import (
	"fmt"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/voice-relay-lab/internal/logging"
)

// Handler executes one registered function. It receives the raw argument
// JSON from the model and returns the result JSON fed back into the
// conversation.
type Handler func(arguments string) (string, error)

// Registry maps function names to handlers. The zero value is empty;
// NewRegistry returns one with the built-in handlers installed.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry builds a registry preloaded with the built-in functions.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register("get_current_weather", currentWeather)
	return r
}

// Register installs a handler under the given name, replacing any
// previous one.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Invoke runs the named handler with the raw argument JSON. An unknown
// name or a handler failure yields an error payload rather than an
// error return, so the result can always be fed back upstream.
func (r *Registry) Invoke(name, arguments string) string {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		logging.Warnw("unknown function invoked", "function", name)
		return errorPayload(fmt.Sprintf("Function '%s' not found.", name))
	}
	out, err := h(arguments)
	if err != nil {
		logging.Errorw("function handler failed", "function", name, "error", err)
		return errorPayload(fmt.Sprintf("Function '%s' failed.", name))
	}
	return out
}

func errorPayload(msg string) string {
	data, _ := sonic.Marshal(map[string]string{"error": msg})
	return string(data)
}

type weatherArgs struct {
	Location string `json:"location"`
	Unit     string `json:"unit"`
}

// currentWeather returns a canned forecast. It stands in for a real
// weather backend; tenants that need live data register their own
// handler over this name.
func currentWeather(arguments string) (string, error) {
	var args weatherArgs
	if arguments != "" {
		if err := sonic.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("decoding weather arguments: %w", err)
		}
	}
	if args.Unit == "" {
		args.Unit = "fahrenheit"
	}
	result := map[string]any{
		"location":    args.Location,
		"temperature": "72",
		"unit":        args.Unit,
		"forecast":    []string{"sunny", "windy"},
	}
	data, err := sonic.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encoding weather result: %w", err)
	}
	return string(data), nil
}
