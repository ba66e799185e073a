package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fixedProbe struct {
	score float64
	err   error
}

func (p fixedProbe) ReadHealth(ctx context.Context, resourceID string) (float64, error) {
	return p.score, p.err
}

func TestRolloutController_Promote(t *testing.T) {
	c := NewRolloutController(DefaultRolloutConfig(), nil, nil, zerolog.Nop())

	tests := []struct {
		name          string
		before, after float64
		want          bool
	}{
		{name: "unchanged", before: 80, after: 80, want: true},
		{name: "within threshold", before: 80, after: 72, want: true},
		{name: "below threshold", before: 80, after: 71.9, want: false},
		{name: "improved", before: 60, after: 90, want: true},
		{name: "zero baseline above floor", before: 0, after: 50, want: true},
		{name: "zero baseline below floor", before: 0, after: 49, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Promote(tt.before, tt.after); got != tt.want {
				t.Errorf("Expected Promote(%v, %v)=%t, got %t", tt.before, tt.after, tt.want, got)
			}
		})
	}
}

func TestRolloutController_ReadHealthFailsClosed(t *testing.T) {
	tests := []struct {
		name  string
		probe HealthProbe
	}{
		{name: "no probe", probe: nil},
		{name: "probe error", probe: fixedProbe{err: errors.New("prometheus unreachable")}},
		{name: "out of range", probe: fixedProbe{score: 140}},
		{name: "negative", probe: fixedProbe{score: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewRolloutController(DefaultRolloutConfig(), tt.probe, nil, zerolog.Nop())
			_, err := c.ReadHealth(context.Background(), "svc-1")
			if !HasCode(err, ErrCodeHealthRegression) {
				t.Errorf("Expected HEALTH_REGRESSION, got %v", err)
			}
		})
	}

	c := NewRolloutController(DefaultRolloutConfig(), fixedProbe{score: 88.5}, nil, zerolog.Nop())
	score, err := c.ReadHealth(context.Background(), "svc-1")
	if err != nil || score != 88.5 {
		t.Errorf("Expected 88.5, got %v (%v)", score, err)
	}
}

func TestRolloutController_Plan(t *testing.T) {
	c := NewRolloutController(DefaultRolloutConfig(), nil, nil, zerolog.Nop())

	stages, err := c.Plan(&Proposal{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(stages) != 3 || stages[0].Percentage != 10 || stages[2].Percentage != 100 {
		t.Errorf("Expected default plan 10/50/100, got %+v", stages)
	}
	for _, st := range stages {
		if st.Status != StageStatusPending {
			t.Errorf("Expected pending stage, got %s", st.Status)
		}
	}

	stages, err = c.Plan(&Proposal{Parameters: map[string]interface{}{"stages": []interface{}{5.0, 25.0, 100.0}}})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(stages) != 3 || stages[0].Percentage != 5 {
		t.Errorf("Expected override plan 5/25/100, got %+v", stages)
	}
}

func TestRolloutController_MonitorDuration(t *testing.T) {
	c := NewRolloutController(DefaultRolloutConfig(), nil, nil, zerolog.Nop())

	if d := c.MonitorDuration(&Proposal{}); d != 5*time.Minute {
		t.Errorf("Expected default 5m, got %s", d)
	}
	if d := c.MonitorDuration(&Proposal{Parameters: map[string]interface{}{"monitor_duration": "30s"}}); d != 30*time.Second {
		t.Errorf("Expected 30s, got %s", d)
	}
	if d := c.MonitorDuration(&Proposal{Parameters: map[string]interface{}{"monitor_duration": 90.0}}); d != 90*time.Second {
		t.Errorf("Expected 90s, got %s", d)
	}
}

func TestRolloutController_StageParameters(t *testing.T) {
	c := NewRolloutController(DefaultRolloutConfig(), nil, nil, zerolog.Nop())
	params, err := c.StageParameters(context.Background(), &Proposal{}, 50)
	if err != nil || params["percentage"] != 50 {
		t.Errorf("Expected default percentage parameter, got %v (%v)", params, err)
	}

	failing := func(ctx context.Context, p *Proposal, pct int) (map[string]interface{}, error) {
		return nil, errors.New("script error")
	}
	c = NewRolloutController(DefaultRolloutConfig(), nil, failing, zerolog.Nop())
	if _, err := c.StageParameters(context.Background(), &Proposal{}, 50); !HasCode(err, ErrCodeConfiguration) {
		t.Errorf("Expected CONFIGURATION_ERROR, got %v", err)
	}
}

func TestRolloutConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RolloutConfig)
		wantErr bool
	}{
		{name: "default", mutate: func(c *RolloutConfig) {}},
		{name: "single stage", mutate: func(c *RolloutConfig) { c.Stages = []int{100} }},
		{name: "no stages", mutate: func(c *RolloutConfig) { c.Stages = nil }, wantErr: true},
		{name: "threshold zero", mutate: func(c *RolloutConfig) { c.HealthThreshold = 0 }, wantErr: true},
		{name: "threshold above one", mutate: func(c *RolloutConfig) { c.HealthThreshold = 1.5 }, wantErr: true},
		{name: "floor too high", mutate: func(c *RolloutConfig) { c.HealthFloor = 101 }, wantErr: true},
		{name: "negative monitor", mutate: func(c *RolloutConfig) { c.MonitorDuration = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRolloutConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%t, got %v", tt.wantErr, err)
			}
		})
	}
}
