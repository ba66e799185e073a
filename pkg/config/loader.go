package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/stagehand/stagehand/pkg/engine"
	"gopkg.in/yaml.v3"
)

// LoadError collects every problem found in a configuration source.
type LoadError struct {
	File   string
	Errors []ValidationError
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid configuration %s", e.File)
	for _, ve := range e.Errors {
		b.WriteString("\n  ")
		if ve.Line > 0 {
			fmt.Fprintf(&b, "%d:%d: ", ve.Line, ve.Column)
		}
		if ve.Path != "" {
			b.WriteString(ve.Path)
			b.WriteString(": ")
		}
		b.WriteString(ve.Message)
	}
	return b.String()
}

// Loader reads configuration and proposal files written in YAML, JSON or CUE.
//
// Every document is checked against a built-in CUE schema before it is decoded,
// then decoded structs are checked with validator struct tags.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader() *Loader {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Loader{
		ctx:       cuecontext.New(),
		schemas:   NewSchemaRegistry(),
		validator: v,
	}
}

// Schemas returns the schema registry used by the loader.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads the configuration at path. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return NewLoader().LoadFile(path)
}

// LoadFile reads and validates a configuration file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return l.Parse(data, path)
}

// Parse decodes configuration content over the defaults. The filename
// extension selects CUE compilation for ".cue"; everything else is YAML,
// which includes JSON.
func (l *Loader) Parse(data []byte, filename string) (*Config, error) {
	doc, err := l.normalize(data, filename)
	if err != nil {
		return nil, err
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, &LoadError{File: filename, Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}
	if raw != nil {
		if err := l.schemas.ValidateAgainstSchema(context.Background(), SchemaConfig, raw); err != nil {
			return nil, &LoadError{File: filename, Errors: convertCUEErrors(err, filename)}
		}
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &LoadError{File: filename, Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}

	if err := l.Validate(cfg); err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = filename
		}
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules on a decoded configuration.
func (l *Loader) Validate(cfg *Config) error {
	var problems []ValidationError

	if err := l.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, ValidationError{
				Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: validationMessage(fe),
			})
		}
	}

	if err := engine.ValidateStages(cfg.Rollout.Stages); err != nil {
		problems = append(problems, ValidationError{Path: "rollout.stages", Message: err.Error()})
	}
	if cfg.Rollout.HealthFloor > 0 && cfg.Rollout.HealthThreshold == 0 {
		problems = append(problems, ValidationError{Path: "rollout.health_threshold", Message: "required when health_floor is set"})
	}
	if cfg.Prometheus.Enabled && cfg.Prometheus.Address == "" {
		problems = append(problems, ValidationError{Path: "prometheus.address", Message: "is required"})
	}
	if cfg.Engine.Retry.MaxDelay > 0 && cfg.Engine.Retry.BaseDelay > cfg.Engine.Retry.MaxDelay {
		problems = append(problems, ValidationError{Path: "engine.retry.base_delay", Message: "must not exceed max_delay"})
	}

	if len(problems) > 0 {
		return &LoadError{Errors: problems}
	}
	return nil
}

// normalize turns CUE sources into JSON and passes other formats through.
func (l *Loader) normalize(data []byte, filename string) ([]byte, error) {
	if filepath.Ext(filename) != ".cue" {
		return data, nil
	}

	val := l.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &LoadError{File: filename, Errors: convertCUEErrors(err, filename)}
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{File: filename, Errors: convertCUEErrors(err, filename)}
	}

	out, err := val.MarshalJSON()
	if err != nil {
		return nil, &LoadError{File: filename, Errors: convertCUEErrors(err, filename)}
	}
	return out, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error, file string) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:    file,
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		// Positions inside the schema itself are not useful to the user.
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == file {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{File: file, Message: err.Error()})
	}
	return validationErrors
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "file":
		return fmt.Sprintf("file %v does not exist", fe.Value())
	case "url":
		return fmt.Sprintf("%v is not a valid URL", fe.Value())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("must satisfy %s", fe.Tag())
	}
}
