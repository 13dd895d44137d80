// Package inspect renders a workload's recorded transition history from
// the Transition Journal as a terminal-friendly or JSON lineage report,
// for `dispatch inspect <name>`.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/dispatch/internal/journal"
)

// Report is the structured representation of one workload's history.
type Report struct {
	WorkloadName string `json:"workload_name"`
	Index        int    `json:"index"`
	CurrentState string `json:"current_state"`
	Hops         int    `json:"hops"`
	Steps        []Step `json:"steps"`
}

// Step is one recorded transition.
type Step struct {
	Hop       int    `json:"hop"`
	From      string `json:"from"`
	To        string `json:"to"`
	Assignee  string `json:"assignee,omitempty"`
	At        string `json:"at"`
}

// Journal is the subset of *journal.Journal this package reads.
type Journal interface {
	ForWorkloadName(ctx context.Context, name string) ([]journal.Entry, error)
}

// BuildReport renders a terminal-friendly lineage report for a workload
// by name.
func BuildReport(ctx context.Context, j Journal, name string) (string, error) {
	report, err := gatherReportData(ctx, j, name)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Workload Report\n")
	fmt.Fprintf(&out, "Name         : %s\n", report.WorkloadName)
	fmt.Fprintf(&out, "Index        : %d\n", report.Index)
	fmt.Fprintf(&out, "Current state: %s\n", report.CurrentState)
	fmt.Fprintf(&out, "Transitions  : %d\n\n", report.Hops)

	for _, step := range report.Steps {
		fmt.Fprintf(&out, "[%d] %s\n", step.Hop, step.At)
		fmt.Fprintf(&out, "    %s -> %s\n", step.From, step.To)
		if step.Assignee != "" {
			fmt.Fprintf(&out, "    assignee: %s\n", step.Assignee)
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON lineage report.
func BuildJSONReport(ctx context.Context, j Journal, name string) (string, error) {
	report, err := gatherReportData(ctx, j, name)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, j Journal, name string) (*Report, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("workload name is required")
	}

	entries, err := j.ForWorkloadName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load transition history: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no recorded transitions for workload %q", name)
	}

	report := &Report{
		WorkloadName: name,
		Index:        entries[0].Index,
		CurrentState: entries[len(entries)-1].ToState,
		Hops:         len(entries),
		Steps:        make([]Step, 0, len(entries)),
	}

	for i, e := range entries {
		report.Steps = append(report.Steps, Step{
			Hop:      i + 1,
			From:     e.FromState,
			To:       e.ToState,
			Assignee: e.Assignee,
			At:       e.At.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	return report, nil
}
