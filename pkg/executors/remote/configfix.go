package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stagehand/stagehand/pkg/engine"
)

// Config fix parameters.
const (
	ParamPath            = "path"
	ParamContent         = "content"
	ParamMode            = "mode"
	ParamValidateCommand = "validate_command"
	ParamReloadCommand   = "reload_command"
)

// PathPlaceholder in validate and reload commands is replaced with the
// quoted file path.
const PathPlaceholder = "{path}"

const defaultFileMode os.FileMode = 0o644

// ConfigFixExecutor replaces a configuration file on a remote host, checks
// it with an optional validation command, and reloads the service. The
// original is kept in a backup file beside it until rollback.
type ConfigFixExecutor struct {
	dialer Dialer
	logger zerolog.Logger
}

// NewConfigFixExecutor creates a config fix executor.
func NewConfigFixExecutor(dialer Dialer, logger zerolog.Logger) *ConfigFixExecutor {
	return &ConfigFixExecutor{dialer: dialer, logger: logger}
}

type fileSnapshot struct {
	Target        string `json:"target"`
	Path          string `json:"path"`
	Existed       bool   `json:"existed"`
	Backup        string `json:"backup"`
	Mode          uint32 `json:"mode,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	ReloadCommand string `json:"reload_command,omitempty"`
}

type fixSpec struct {
	path     string
	content  []byte
	mode     os.FileMode
	validate string
	reload   string
}

func parseFix(p *engine.Proposal) (fixSpec, error) {
	spec := fixSpec{
		path:     p.StringParam(ParamPath, ""),
		validate: p.StringParam(ParamValidateCommand, ""),
		reload:   p.StringParam(ParamReloadCommand, ""),
	}
	if spec.path == "" || !path.IsAbs(spec.path) {
		return spec, engine.NewValidationError("config_fix needs an absolute path parameter").WithResource(p.TargetResourceID)
	}
	spec.path = path.Clean(spec.path)

	content, ok := p.Parameters[ParamContent].(string)
	if !ok {
		return spec, engine.NewValidationError("config_fix needs a string content parameter").WithResource(p.TargetResourceID)
	}
	spec.content = []byte(content)

	mode, err := modeParam(p.Parameters[ParamMode])
	if err != nil {
		return spec, engine.NewValidationError(err.Error()).WithResource(p.TargetResourceID)
	}
	spec.mode = mode
	return spec, nil
}

// modeParam accepts an octal string ("0640") or a number. Zero means keep
// the existing mode.
func modeParam(v interface{}) (os.FileMode, error) {
	var n uint64
	switch m := v.(type) {
	case nil:
		return 0, nil
	case string:
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return 0, fmt.Errorf("mode %q is not an octal permission", m)
		}
		n = parsed
	case int:
		n = uint64(m)
	case int64:
		n = uint64(m)
	case float64:
		n = uint64(m)
	default:
		return 0, fmt.Errorf("mode has unsupported type %T", v)
	}
	if n > 0o777 {
		return 0, fmt.Errorf("mode %o is out of range", n)
	}
	return os.FileMode(n), nil
}

// BackupPath returns where the original file is kept for an idempotency key.
func BackupPath(filePath, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filePath + ".stagehand-" + hex.EncodeToString(sum[:6])
}

func absentMarker(backup string) string {
	return backup + ".absent"
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func expand(cmd, filePath string) string {
	return strings.ReplaceAll(cmd, PathPlaceholder, shellQuote(filePath))
}

// Apply implements engine.Executor.
func (e *ConfigFixExecutor) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	p := req.Proposal
	t, err := ParseTarget(p.TargetResourceID)
	if err != nil {
		return nil, err
	}
	spec, err := parseFix(p)
	if err != nil {
		return nil, err
	}

	client, err := e.dialer.Dial(ctx, t)
	if err != nil {
		return nil, classify(err, "connect", p.TargetResourceID)
	}
	defer client.Close()

	snap, err := e.snapshot(ctx, client, t, spec, req.IdempotencyKey, req.DryRun)
	if err != nil {
		return nil, classify(err, "backup", p.TargetResourceID)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	current, currentMode, err := client.ReadFile(ctx, spec.path)
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, classify(err, "read", p.TargetResourceID)
	}

	mode := spec.mode
	if mode == 0 {
		mode = os.FileMode(snap.Mode)
		if !snap.Existed {
			mode = defaultFileMode
		}
	}

	after := checksum(spec.content)
	var changes []engine.Change
	if !exists || checksum(current) != after || currentMode != mode {
		ch := engine.Change{Resource: t.String(), Path: spec.path, After: after}
		if exists {
			ch.Before = checksum(current)
		}
		changes = append(changes, ch)
	}

	impact := p.EstimatedImpact
	result := &engine.ApplyResult{
		Success:      true,
		RollbackInfo: raw,
		Changes:      changes,
		ActualImpact: &impact,
	}

	if req.DryRun {
		if spec.validate != "" {
			result.Message = fmt.Sprintf("would write %s and run %q", spec.path, spec.validate)
		} else {
			result.Message = fmt.Sprintf("would write %s", spec.path)
		}
		return result, nil
	}

	if len(changes) > 0 {
		if err := client.WriteFile(ctx, spec.path, spec.content, mode); err != nil {
			return nil, classify(err, "write", p.TargetResourceID)
		}
	}

	if spec.validate != "" {
		if _, stderr, err := client.Run(ctx, expand(spec.validate, spec.path)); err != nil {
			e.restoreAfterFailure(ctx, client, snap)
			return nil, e.commandError(err, "validate", stderr, p.TargetResourceID)
		}
	}
	if spec.reload != "" {
		if _, stderr, err := client.Run(ctx, expand(spec.reload, spec.path)); err != nil {
			e.restoreAfterFailure(ctx, client, snap)
			return nil, e.commandError(err, "reload", stderr, p.TargetResourceID)
		}
	}

	e.logger.Info().
		Str("target", t.String()).
		Str("path", spec.path).
		Int("changes", len(changes)).
		Str("backup", snap.Backup).
		Msg("Applied configuration fix")

	result.Message = fmt.Sprintf("%s updated on %s", spec.path, t.Host)
	return result, nil
}

// snapshot records the original file under a backup path derived from key.
// A backup left by an earlier attempt with the same key is reused.
func (e *ConfigFixExecutor) snapshot(ctx context.Context, client Client, t Target, spec fixSpec, key string, dryRun bool) (fileSnapshot, error) {
	backup := BackupPath(spec.path, key)
	snap := fileSnapshot{Target: t.String(), Path: spec.path, Backup: backup, ReloadCommand: spec.reload}

	if data, mode, err := client.ReadFile(ctx, backup); err == nil {
		snap.Existed = true
		snap.Mode = uint32(mode)
		snap.Checksum = checksum(data)
		return snap, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return snap, err
	}
	if _, _, err := client.ReadFile(ctx, absentMarker(backup)); err == nil {
		return snap, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return snap, err
	}

	data, mode, err := client.ReadFile(ctx, spec.path)
	switch {
	case err == nil:
		snap.Existed = true
		snap.Mode = uint32(mode)
		snap.Checksum = checksum(data)
		if !dryRun {
			err = client.WriteFile(ctx, backup, data, mode)
		}
		return snap, err
	case errors.Is(err, os.ErrNotExist):
		if !dryRun {
			err = client.WriteFile(ctx, absentMarker(backup), nil, 0o600)
		} else {
			err = nil
		}
		return snap, err
	default:
		return snap, err
	}
}

func (e *ConfigFixExecutor) commandError(err error, step, stderr, resourceID string) error {
	cerr := classify(err, step, resourceID)
	var ee *engine.EngineError
	if errors.As(cerr, &ee) && stderr != "" {
		ee.WithDetail("stderr", stderr)
	}
	return cerr
}

func (e *ConfigFixExecutor) restoreAfterFailure(ctx context.Context, client Client, snap fileSnapshot) {
	if _, err := e.restore(ctx, client, snap); err != nil {
		e.logger.Error().Err(err).Str("path", snap.Path).Msg("Failed to restore file after a failed fix")
	}
}

// restore puts the original file back and removes the backup. It reports
// false when the backup is gone and the original cannot be recovered.
func (e *ConfigFixExecutor) restore(ctx context.Context, client Client, snap fileSnapshot) (bool, error) {
	if snap.Existed {
		data, mode, err := client.ReadFile(ctx, snap.Backup)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if snap.Mode != 0 {
			mode = os.FileMode(snap.Mode)
		}
		if err := client.WriteFile(ctx, snap.Path, data, mode); err != nil {
			return false, err
		}
		return true, client.Remove(ctx, snap.Backup)
	}

	if err := client.Remove(ctx, snap.Path); err != nil {
		return false, err
	}
	return true, client.Remove(ctx, absentMarker(snap.Backup))
}

// Rollback implements engine.Executor.
func (e *ConfigFixExecutor) Rollback(ctx context.Context, req engine.RollbackRequest) (*engine.RollbackResult, error) {
	if len(req.RollbackInfo) == 0 {
		return nil, engine.NewValidationError("rollback info is missing")
	}
	var snap fileSnapshot
	if err := json.Unmarshal(req.RollbackInfo, &snap); err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("rollback info is unreadable: %v", err), err)
	}
	t, err := ParseTarget(snap.Target)
	if err != nil {
		return nil, err
	}

	client, err := e.dialer.Dial(ctx, t)
	if err != nil {
		return nil, classify(err, "connect", snap.Target)
	}
	defer client.Close()

	restored, err := e.restore(ctx, client, snap)
	if err != nil {
		return nil, classify(err, "rollback", snap.Target)
	}
	resource := snap.Target + snap.Path
	if !restored {
		return &engine.RollbackResult{Unreverted: []string{resource}, Message: "backup file is missing"}, nil
	}

	msg := fmt.Sprintf("%s restored", snap.Path)
	if snap.ReloadCommand != "" {
		if _, stderr, err := client.Run(ctx, expand(snap.ReloadCommand, snap.Path)); err != nil {
			e.logger.Warn().Err(err).Str("stderr", stderr).Str("target", snap.Target).Msg("Reload after rollback failed")
			msg += "; reload failed: " + stderr
		}
	}

	e.logger.Info().Str("target", snap.Target).Str("path", snap.Path).Bool("existed", snap.Existed).Msg("Rolled back configuration fix")
	return &engine.RollbackResult{Success: true, Message: msg}, nil
}
