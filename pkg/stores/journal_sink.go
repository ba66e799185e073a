package stores

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/stagehand/stagehand/pkg/engine"
)

// JournalSink is an engine.EventSink that appends every transition to a
// Journal. Journal writes are best effort: the checkpoint is already
// durable when the sink is called, so failures are logged and dropped.
type JournalSink struct {
	journal Journal
	logger  zerolog.Logger
}

// NewJournalSink creates a sink writing to journal.
func NewJournalSink(journal Journal, logger zerolog.Logger) *JournalSink {
	return &JournalSink{
		journal: journal,
		logger:  logger.With().Str("component", "journal").Logger(),
	}
}

// PublishTransition implements engine.EventSink.
func (j *JournalSink) PublishTransition(ctx context.Context, exec *engine.Execution, from engine.ExecutionStatus) {
	event := &Event{
		ExecutionID: exec.ID,
		FromStatus:  from,
		ToStatus:    exec.Status,
		Level:       levelFor(exec.Status),
		Message:     transitionMessage(exec),
		Timestamp:   exec.UpdatedAt,
	}
	if exec.Error != nil {
		if data, err := json.Marshal(exec.Error); err == nil {
			details := string(data)
			event.Details = &details
		}
	}

	if err := j.journal.AppendEvent(ctx, event); err != nil {
		j.logger.Warn().
			Err(err).
			Str("execution_id", exec.ID).
			Str("status", string(exec.Status)).
			Msg("Failed to journal transition")
	}
}

// PublishResult implements engine.EventSink. The terminal transition is
// already journaled, so the result is only logged.
func (j *JournalSink) PublishResult(_ context.Context, result *engine.ExecutionResult) {
	evt := j.logger.Info()
	if result.FinalStatus != engine.StatusCompleted {
		evt = j.logger.Warn()
	}
	evt.Str("execution_id", result.ExecutionID).
		Str("resource_id", result.TargetResourceID).
		Str("action", string(result.ActionType)).
		Str("status", string(result.FinalStatus)).
		Dur("duration", result.Duration).
		Bool("dry_run", result.DryRun).
		Msg("Execution finished")
}

func levelFor(status engine.ExecutionStatus) EventLevel {
	switch status {
	case engine.StatusFailed:
		return EventLevelError
	case engine.StatusRolledBack, engine.StatusCancelled:
		return EventLevelWarning
	default:
		return EventLevelInfo
	}
}

func transitionMessage(exec *engine.Execution) string {
	for i := len(exec.Log) - 1; i >= 0; i-- {
		if exec.Log[i].Status == exec.Status {
			return exec.Log[i].Message
		}
	}
	return "status changed to " + string(exec.Status)
}
