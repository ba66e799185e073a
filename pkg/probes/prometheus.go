package probes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"github.com/stagehand/stagehand/pkg/engine"
)

// QueryData is the value a PrometheusProbe query template is rendered with.
// For "k8s:prod/deployment/api" Scheme is "k8s", Namespace "prod", Kind
// "deployment" and Name "api". IDs with fewer path segments only set Name
// to the last one.
type QueryData struct {
	ResourceID string
	Scheme     string
	Namespace  string
	Kind       string
	Name       string
	Parts      []string
}

// NewQueryData splits a resource ID for template rendering.
func NewQueryData(resourceID string) QueryData {
	d := QueryData{ResourceID: resourceID, Scheme: SchemeOf(resourceID)}
	rest := resourceID
	if d.Scheme != "" {
		rest = strings.TrimPrefix(resourceID, d.Scheme+":")
	}
	d.Parts = strings.Split(rest, "/")
	switch len(d.Parts) {
	case 3:
		d.Namespace, d.Kind, d.Name = d.Parts[0], d.Parts[1], d.Parts[2]
	case 2:
		d.Namespace, d.Name = d.Parts[0], d.Parts[1]
	default:
		d.Name = d.Parts[len(d.Parts)-1]
	}
	return d
}

// PrometheusConfig configures a PrometheusProbe.
type PrometheusConfig struct {
	// Address is the Prometheus server URL.
	Address string

	// Query is a text/template producing a PromQL expression whose result is
	// a health score between 0 and 100.
	Query string

	// Timeout bounds one query. Zero uses the caller's context only.
	Timeout time.Duration
}

// PrometheusProbe reads health scores from Prometheus. It implements
// engine.HealthProbe.
type PrometheusProbe struct {
	api     v1.API
	query   *template.Template
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewPrometheusProbe creates a probe querying cfg.Address.
func NewPrometheusProbe(cfg PrometheusConfig, logger zerolog.Logger) (*PrometheusProbe, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("prometheus address is required")
	}
	client, err := api.NewClient(api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return newPrometheusProbe(v1.NewAPI(client), cfg, logger)
}

func newPrometheusProbe(promAPI v1.API, cfg PrometheusConfig, logger zerolog.Logger) (*PrometheusProbe, error) {
	if strings.TrimSpace(cfg.Query) == "" {
		return nil, fmt.Errorf("prometheus query template is required")
	}
	tmpl, err := template.New("health").Option("missingkey=error").Parse(cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("invalid prometheus query template: %w", err)
	}
	return &PrometheusProbe{
		api:     promAPI,
		query:   tmpl,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "prometheus_probe").Logger(),
		now:     time.Now,
	}, nil
}

// Query renders the PromQL expression for a resource.
func (p *PrometheusProbe) Query(resourceID string) (string, error) {
	var buf bytes.Buffer
	if err := p.query.Execute(&buf, NewQueryData(resourceID)); err != nil {
		return "", engine.NewConfigurationError(fmt.Sprintf("failed to render health query: %v", err)).WithResource(resourceID)
	}
	return buf.String(), nil
}

// ReadHealth implements engine.HealthProbe. The score is the scalar result or
// the first sample of a vector result, clamped to [0, 100].
func (p *PrometheusProbe) ReadHealth(ctx context.Context, resourceID string) (float64, error) {
	query, err := p.Query(resourceID)
	if err != nil {
		return 0, err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	result, warnings, err := p.api.Query(ctx, query, p.now())
	if err != nil {
		return 0, classifyQueryError(err, resourceID)
	}
	if len(warnings) > 0 {
		p.logger.Warn().Strs("warnings", warnings).Str("resource_id", resourceID).Msg("Prometheus returned warnings")
	}

	var value float64
	switch v := result.(type) {
	case *model.Scalar:
		value = float64(v.Value)
	case model.Vector:
		if len(v) == 0 {
			return 0, engine.NewTransientError(fmt.Sprintf("no data for query: %s", query), nil).
				WithResource(resourceID).
				WithOperation("read_health")
		}
		if len(v) > 1 {
			p.logger.Debug().Int("series", len(v)).Str("resource_id", resourceID).Msg("Health query returned several series, using the first")
		}
		value = float64(v[0].Value)
	default:
		return 0, engine.NewConfigurationError(fmt.Sprintf("health query must return a scalar or vector, got %s", result.Type())).
			WithResource(resourceID)
	}

	if math.IsNaN(value) {
		return 0, engine.NewTransientError("health query returned NaN", nil).
			WithResource(resourceID).
			WithOperation("read_health")
	}
	return math.Max(0, math.Min(100, value)), nil
}

func classifyQueryError(err error, resourceID string) error {
	var out *engine.EngineError
	var apiErr *v1.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out = engine.NewTransientError("health query timed out", err).WithCode(engine.ErrCodeTimeout)
	case errors.As(err, &apiErr) && (apiErr.Type == v1.ErrBadData || apiErr.Type == v1.ErrBadResponse):
		out = engine.NewPermanentError("health query rejected", err).WithCode(engine.ErrCodeConfiguration)
	default:
		out = engine.NewTransientError("health query failed", err)
	}
	return out.WithResource(resourceID).WithOperation("read_health")
}
