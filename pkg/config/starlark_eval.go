package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stagehand/stagehand/pkg/engine"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes Starlark scripts safely.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second // Default timeout
	}
	return &StarlarkEvaluator{
		timeout:  timeout,
		maxSteps: 10_000_000,
	}
}

// Evaluate executes a Starlark script with the given input and returns the result.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := se.newThread("config.star")
	stop := cancelOnDone(evalCtx, thread)
	result, err := se.evaluateSync(thread, script, input)
	stop()

	if err != nil {
		if evalCtx.Err() != nil {
			return &StarlarkResult{
				ExecutionTime: time.Since(startTime),
				Error:         fmt.Sprintf("execution timeout after %v", se.timeout),
			}, fmt.Errorf("starlark execution timeout")
		}
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         err.Error(),
		}, err
	}

	result.ExecutionTime = time.Since(startTime)
	return result, nil
}

func (se *StarlarkEvaluator) newThread(name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print for security
		},
	}
	thread.SetMaxExecutionSteps(se.maxSteps)
	return thread
}

// cancelOnDone cancels thread when ctx ends. The returned func releases the watcher.
func cancelOnDone(ctx context.Context, thread *starlark.Thread) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()
	return func() { close(done) }
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"range":     starlark.NewBuiltin("range", builtinRange),
		"enumerate": starlark.NewBuiltin("enumerate", builtinEnumerate),
		"zip":       starlark.NewBuiltin("zip", builtinZip),
	}
}

// evaluateSync performs the actual Starlark evaluation on thread.
func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, script string, input map[string]interface{}) (*StarlarkResult, error) {
	env := predeclared()

	// Convert input to Starlark values and add to predeclared
	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		env[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, thread.Name, script, env)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	// Convert globals to output map
	output := make(map[string]interface{})
	for name, val := range globals {
		// Skip internal variables and functions
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(*starlark.Function); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output: output,
	}, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// Built-in Starlark functions

// builtinRange implements the range() built-in function.
func builtinRange(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start, stop, step int64 = 0, 0, 1

	switch len(args) {
	case 1:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "stop", &stop); err != nil {
			return nil, err
		}
	case 2:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop); err != nil {
			return nil, err
		}
	case 3:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop, "step", &step); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("range takes 1 to 3 arguments, got %d", len(args))
	}

	if step == 0 {
		return nil, fmt.Errorf("range step cannot be zero")
	}

	var list []starlark.Value
	if step > 0 {
		for i := start; i < stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	} else {
		for i := start; i > stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	}

	return starlark.NewList(list), nil
}

// builtinEnumerate implements the enumerate() built-in function.
func builtinEnumerate(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start int64 = 0

	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	var list []starlark.Value
	var x starlark.Value
	i := start
	for iter.Next(&x) {
		tuple := starlark.Tuple{starlark.MakeInt64(i), x}
		list = append(list, tuple)
		i++
	}

	return starlark.NewList(list), nil
}

// builtinZip implements the zip() built-in function.
func builtinZip(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return starlark.NewList(nil), nil
	}

	// Get iterators for all arguments
	iters := make([]starlark.Iterator, len(args))
	for i, arg := range args {
		iterable, ok := arg.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("zip argument %d is not iterable", i)
		}
		iters[i] = iterable.Iterate()
		defer iters[i].Done()
	}

	// Zip the iterables
	var list []starlark.Value
	for {
		tuple := make(starlark.Tuple, len(iters))
		for i, iter := range iters {
			if !iter.Next(&tuple[i]) {
				// One iterator is exhausted, stop
				return starlark.NewList(list), nil
			}
		}
		list = append(list, tuple)
	}
}

// StageScript computes per-stage executor parameters with a Starlark function:
//
//	def stage_parameters(proposal, percentage):
//	    return {"percentage": percentage, "max_surge": 1 if percentage < 50 else 2}
//
// The proposal is passed as a struct with the proposal's JSON field names.
// Globals are frozen after loading, so one script serves concurrent rollouts.
type StageScript struct {
	name      string
	fn        *starlark.Function
	evaluator *StarlarkEvaluator
}

// stageFunction is the entry point a stage script must define.
const stageFunction = "stage_parameters"

// LoadStageScript reads and compiles a stage script file.
func (se *StarlarkEvaluator) LoadStageScript(path string) (*StageScript, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage script: %w", err)
	}
	return se.CompileStageScript(filepath.Base(path), string(src))
}

// CompileStageScript executes src and binds its stage_parameters function.
func (se *StarlarkEvaluator) CompileStageScript(name, src string) (*StageScript, error) {
	thread := se.newThread(name)
	globals, err := starlark.ExecFile(thread, name, src, predeclared())
	if err != nil {
		return nil, fmt.Errorf("stage script %s: %w", name, err)
	}

	fn, ok := globals[stageFunction].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("stage script %s does not define %s(proposal, percentage)", name, stageFunction)
	}
	if fn.NumParams() != 2 {
		return nil, fmt.Errorf("stage script %s: %s takes %d parameters, want 2", name, stageFunction, fn.NumParams())
	}
	globals.Freeze()

	return &StageScript{name: name, fn: fn, evaluator: se}, nil
}

// Parameters calls stage_parameters for one rollout stage.
func (s *StageScript) Parameters(ctx context.Context, proposal *engine.Proposal, percentage int) (map[string]interface{}, error) {
	arg, err := proposalStruct(proposal)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.evaluator.timeout)
	defer cancel()

	thread := s.evaluator.newThread(s.name)
	stop := cancelOnDone(callCtx, thread)
	result, err := starlark.Call(thread, s.fn, starlark.Tuple{arg, starlark.MakeInt(percentage)}, nil)
	stop()
	if err != nil {
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("%s at %d%%: %w", stageFunction, percentage, callCtx.Err())
		}
		return nil, fmt.Errorf("%s at %d%%: %w", stageFunction, percentage, err)
	}

	out, err := fromStarlarkValue(result)
	if err != nil {
		return nil, fmt.Errorf("%s at %d%%: %w", stageFunction, percentage, err)
	}
	params, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s at %d%% returned %s, want dict", stageFunction, percentage, result.Type())
	}
	return params, nil
}

// Func adapts the script to the engine's stage parameter hook.
func (s *StageScript) Func() engine.StageParameterFunc {
	return s.Parameters
}

func proposalStruct(p *engine.Proposal) (starlark.Value, error) {
	params, err := toStarlarkValue(p.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to convert proposal parameters: %w", err)
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":                 starlark.String(p.ID),
		"action_type":        starlark.String(p.ActionType),
		"target_resource_id": starlark.String(p.TargetResourceID),
		"parameters":         params,
		"estimated_impact":   starlark.Float(p.EstimatedImpact),
		"risk_level":         starlark.String(p.RiskLevel),
		"stageable":          starlark.Bool(p.Stageable),
	}), nil
}
