package engine

import (
	"testing"
	"time"
)

func TestNewRegistry_BreakerDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   BreakerConfig
		want BreakerConfig
	}{
		{
			name: "zero config",
			in:   BreakerConfig{},
			want: DefaultBreakerConfig(),
		},
		{
			name: "cooldown only",
			in:   BreakerConfig{Cooldown: time.Hour},
			want: BreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, Cooldown: time.Hour, HalfOpenMax: 1},
		},
		{
			name: "success threshold only",
			in:   BreakerConfig{SuccessThreshold: 3},
			want: BreakerConfig{FailureThreshold: 5, SuccessThreshold: 3, Cooldown: time.Minute, HalfOpenMax: 1},
		},
		{
			name: "fully specified",
			in:   BreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, Cooldown: time.Second, HalfOpenMax: 4},
			want: BreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, Cooldown: time.Second, HalfOpenMax: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := NewRegistry(map[ActionType]Executor{ActionTerminate: newMockExecutor()}, RegistryOptions{Breaker: tt.in})
			if err != nil {
				t.Fatalf("NewRegistry failed: %v", err)
			}
			cb, ok := reg.Breaker(ActionTerminate)
			if !ok {
				t.Fatal("Expected a breaker for terminate")
			}
			if cb.config != tt.want {
				t.Errorf("Expected breaker config %+v, got %+v", tt.want, cb.config)
			}
		})
	}
}

func TestNewRegistry_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		executors map[ActionType]Executor
	}{
		{name: "unknown action", executors: map[ActionType]Executor{ActionType("teleport"): newMockExecutor()}},
		{name: "nil executor", executors: map[ActionType]Executor{ActionTerminate: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.executors, RegistryOptions{})
			if !HasCode(err, ErrCodeConfiguration) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}
