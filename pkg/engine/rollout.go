package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RolloutConfig controls staged canary rollouts.
type RolloutConfig struct {
	// Stages are cumulative percentages, strictly increasing and ending at 100.
	Stages []int

	// HealthThreshold is the fraction of the pre-stage health a stage must keep.
	HealthThreshold float64

	// HealthFloor is the absolute score required when the pre-stage health is zero.
	HealthFloor float64

	// MonitorDuration is how long each stage is watched before promotion.
	MonitorDuration time.Duration
}

// DefaultRolloutConfig returns the default canary plan: 10%, 50%, 100%.
func DefaultRolloutConfig() RolloutConfig {
	return RolloutConfig{
		Stages:          []int{10, 50, 100},
		HealthThreshold: 0.9,
		HealthFloor:     50,
		MonitorDuration: 5 * time.Minute,
	}
}

// Validate checks the rollout configuration.
func (c RolloutConfig) Validate() error {
	if err := ValidateStages(c.Stages); err != nil {
		return err
	}
	if c.HealthThreshold <= 0 || c.HealthThreshold > 1 {
		return fmt.Errorf("health threshold must be in (0, 1], got %v", c.HealthThreshold)
	}
	if c.HealthFloor < 0 || c.HealthFloor > 100 {
		return fmt.Errorf("health floor must be in [0, 100], got %v", c.HealthFloor)
	}
	if c.MonitorDuration < 0 {
		return fmt.Errorf("monitor duration must not be negative")
	}
	return nil
}

// RolloutController plans stages and judges stage health. It holds no
// per-execution state: stage progress lives in the execution checkpoint so a
// rollout can resume after a restart.
type RolloutController struct {
	config RolloutConfig
	probe  HealthProbe
	params StageParameterFunc
	logger zerolog.Logger
}

// NewRolloutController creates a rollout controller. probe may be nil, in
// which case every non-dry-run rollout fails closed.
func NewRolloutController(cfg RolloutConfig, probe HealthProbe, params StageParameterFunc, logger zerolog.Logger) *RolloutController {
	return &RolloutController{
		config: cfg,
		probe:  probe,
		params: params,
		logger: logger.With().Str("component", "rollout").Logger(),
	}
}

// Plan returns the pending stages for a proposal. A "stages" parameter
// overrides the configured percentages.
func (c *RolloutController) Plan(p *Proposal) ([]RolloutStage, error) {
	percentages := c.config.Stages
	if raw, ok := p.Parameters["stages"]; ok {
		parsed, err := parseStages(raw)
		if err != nil {
			return nil, NewValidationError(err.Error())
		}
		percentages = parsed
	}
	stages := make([]RolloutStage, 0, len(percentages))
	for _, pct := range percentages {
		stages = append(stages, RolloutStage{Percentage: pct, Status: StageStatusPending})
	}
	return stages, nil
}

// MonitorDuration returns the monitoring window for a proposal.
func (c *RolloutController) MonitorDuration(p *Proposal) time.Duration {
	if d, ok, err := p.DurationParam("monitor_duration"); ok && err == nil {
		return d
	}
	return c.config.MonitorDuration
}

// HasProbe reports whether a health probe is configured.
func (c *RolloutController) HasProbe() bool {
	return c.probe != nil
}

// ReadHealth samples the probe. Any failure is returned as a health
// regression so callers fail closed.
func (c *RolloutController) ReadHealth(ctx context.Context, resourceID string) (float64, error) {
	if c.probe == nil {
		return 0, NewPermanentError("no health probe configured", nil).
			WithCode(ErrCodeHealthRegression).
			WithResource(resourceID)
	}
	score, err := c.probe.ReadHealth(ctx, resourceID)
	if err != nil {
		return 0, NewPermanentError("health probe failed", err).
			WithCode(ErrCodeHealthRegression).
			WithResource(resourceID)
	}
	if score < 0 || score > 100 {
		return 0, NewPermanentError(fmt.Sprintf("health score %.2f out of range", score), nil).
			WithCode(ErrCodeHealthRegression).
			WithResource(resourceID)
	}
	return score, nil
}

// StageParameters computes executor parameters for a stage.
func (c *RolloutController) StageParameters(ctx context.Context, p *Proposal, percentage int) (map[string]interface{}, error) {
	if c.params == nil {
		return map[string]interface{}{"percentage": percentage}, nil
	}
	params, err := c.params(ctx, p, percentage)
	if err != nil {
		return nil, NewPermanentError(fmt.Sprintf("stage parameters for %d%%", percentage), err).
			WithCode(ErrCodeConfiguration)
	}
	return params, nil
}

// Promote decides whether a stage may advance.
// With a positive baseline the stage must keep HealthThreshold of it; with a
// zero baseline the absolute HealthFloor applies instead.
func (c *RolloutController) Promote(before, after float64) bool {
	if before <= 0 {
		return after >= c.config.HealthFloor
	}
	return after >= c.config.HealthThreshold*before
}

// Regression builds the error recorded when a stage fails its health check.
func (c *RolloutController) Regression(resourceID string, percentage int, before, after float64) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("health regressed at %d%%: %.2f -> %.2f (threshold %.2f)", percentage, before, after, c.config.HealthThreshold),
		nil,
	).WithCode(ErrCodeHealthRegression).
		WithResource(resourceID).
		WithDetail("percentage", percentage).
		WithDetail("health_before", before).
		WithDetail("health_after", after)
}
