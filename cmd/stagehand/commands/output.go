package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/stagehand/stagehand/pkg/engine"
)

// executionFailedError reports executions that ended in a state other than
// completed, or that are still waiting for a decision.
type executionFailedError struct {
	ids []string
}

func (e *executionFailedError) Error() string {
	return fmt.Sprintf("%d execution(s) did not complete: %s", len(e.ids), strings.Join(e.ids, ", "))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderExecutions(w io.Writer, execs []*engine.Execution) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Execution", "Proposal", "Action", "Target", "Status", "Stage", "Updated"})
	for _, x := range execs {
		tw.AppendRow(table.Row{
			x.ID,
			x.ProposalID,
			x.Proposal.ActionType,
			x.Proposal.TargetResourceID,
			statusLabel(x),
			stageLabel(x),
			x.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	tw.Render()
}

func renderStatus(w io.Writer, view *engine.StatusView) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendRows([]table.Row{
		{"Execution", view.ExecutionID},
		{"Proposal", view.ProposalID},
		{"Status", view.Status},
		{"Progress", fmt.Sprintf("%d%%", view.Progress)},
		{"Rollout", fmt.Sprintf("%d%%", view.CurrentStage)},
		{"Can cancel", view.CanCancel},
		{"Can roll back", view.CanRollback},
		{"Version", view.Version},
		{"Updated", view.UpdatedAt.Local().Format(time.DateTime)},
	})
	if view.Error != nil {
		tw.AppendRow(table.Row{"Error", view.Error.Error()})
	}
	tw.Render()

	if len(view.Stages) > 0 {
		st := table.NewWriter()
		st.SetOutputMirror(w)
		st.SetTitle("Rollout")
		st.AppendHeader(table.Row{"#", "Percentage", "Status", "Health before", "Health after"})
		for i, s := range view.Stages {
			st.AppendRow(table.Row{i + 1, fmt.Sprintf("%d%%", s.Percentage), s.Status, score(s.HealthBefore), score(s.HealthAfter)})
		}
		st.Render()
	}

	if len(view.Log) > 0 {
		lt := table.NewWriter()
		lt.SetOutputMirror(w)
		lt.SetTitle("Log")
		lt.AppendHeader(table.Row{"Time", "Level", "Message"})
		for _, entry := range view.Log {
			lt.AppendRow(table.Row{entry.Timestamp.Local().Format(time.TimeOnly), entry.Level, entry.Message})
		}
		lt.Render()
	}
}

func statusLabel(x *engine.Execution) string {
	label := string(x.Status)
	if x.DryRun {
		label += " (dry run)"
	}
	if x.RollbackPending {
		label += " (rollback pending)"
	}
	return label
}

func stageLabel(x *engine.Execution) string {
	if len(x.Stages) == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d at %d%%", min(x.StageIndex+1, len(x.Stages)), len(x.Stages), x.CurrentStage)
}

func score(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}
