package expressions

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/rendis/stepgate/pkg/schema"
)

// ScopeBuilder accumulates the data a pipeline's templates and output mapping
// are rendered against: {inputs, steps, env, execution}.
//
//   - Inputs and env are copied at construction and never change.
//   - Step outputs are frozen (deep-copied) on insert and cannot be replaced.
//
// Resume rebuilds a builder from persisted step outputs in step order.
type ScopeBuilder struct {
	mu        sync.RWMutex
	inputs    map[string]any
	steps     map[string]any
	env       map[string]any
	execution map[string]any
}

// NewScopeBuilder creates a builder. A nil env snapshots the process environment.
func NewScopeBuilder(inputs map[string]any, env map[string]string) *ScopeBuilder {
	if env == nil {
		env = Environ()
	}
	envMap := make(map[string]any, len(env))
	for k, v := range env {
		envMap[k] = v
	}
	return &ScopeBuilder{
		inputs: deepCopyMap(inputs),
		steps:  make(map[string]any),
		env:    envMap,
	}
}

// WithExecution records execution metadata exposed as execution.id and execution.pipeline.
func (sb *ScopeBuilder) WithExecution(id, pipeline string) *ScopeBuilder {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.execution = map[string]any{"id": id, "pipeline": pipeline}
	return sb
}

// AddStepOutput registers a completed step's JSON output. Registering the same
// step twice is an error.
func (sb *ScopeBuilder) AddStepOutput(stepID string, output json.RawMessage) error {
	var parsed any
	if len(output) > 0 {
		if err := json.Unmarshal(output, &parsed); err != nil {
			return schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot parse step %q output: %s", stepID, err.Error()).WithStep(stepID)
		}
	}
	return sb.AddStepValue(stepID, parsed)
}

// AddStepValue registers an already decoded step output.
func (sb *ScopeBuilder) AddStepValue(stepID string, value any) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q output already registered", stepID).WithStep(stepID)
	}
	sb.steps[stepID] = deepCopyAny(value)
	return nil
}

// HasStep reports whether stepID already produced output.
func (sb *ScopeBuilder) HasStep(stepID string) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	_, ok := sb.steps[stepID]
	return ok
}

// Build returns a snapshot safe to hand to renderers and engines.
func (sb *ScopeBuilder) Build() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	inputs := deepCopyMap(sb.inputs)
	if inputs == nil {
		inputs = map[string]any{}
	}
	data := map[string]any{
		"inputs": inputs,
		"steps":  deepCopyMap(sb.steps),
		"env":    sb.env,
	}
	if sb.execution != nil {
		data["execution"] = sb.execution
	}
	return data
}

// StepOutputs returns a copy of the registered step outputs.
func (sb *ScopeBuilder) StepOutputs() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return deepCopyMap(sb.steps)
}

// Environ returns the process environment as a map.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively copies maps and slices. Scalars are returned as is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

// DeepCopy exposes deepCopyMap to other packages that hand out variable maps.
func DeepCopy(m map[string]any) map[string]any { return deepCopyMap(m) }
