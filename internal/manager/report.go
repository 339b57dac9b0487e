package manager

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/RevCBH/switchyard/internal/model"
)

// reportStart emits the pipeline's start actions for a freshly enqueued
// live item.
func (m *base) reportStart(item *model.QueueItem) {
	msg := fmt.Sprintf("Starting %s jobs.", m.pipeline.Name)
	m.sendReport(item, m.pipeline.StartActions, "start", msg)
	item.ReportedStart = true
}

// reportItem emits the item's terminal report and updates the pipeline's
// consecutive-failure accounting.
func (m *base) reportItem(item *model.QueueItem) {
	phase, actions, msg := m.terminalReport(item)
	if m.pipeline.Disabled && len(m.pipeline.DisabledActions) > 0 {
		actions = m.pipeline.DisabledActions
	}
	m.sendReport(item, actions, phase, msg)
	item.ReportTime = time.Now()
	m.pipeline.RecordResult(phase == "success")
}

// terminalReport selects the phase, action set and message. Failure-message
// precedence: dequeued needing a change, merger failure, in-repo
// configuration error, then per-job results.
func (m *base) terminalReport(item *model.QueueItem) (string, []model.Reporter, string) {
	bs := item.CurrentBuildSet
	switch {
	case item.DequeuedNeedingChange:
		return "failure", m.pipeline.FailureActions,
			"This change depends on a change that failed or is no longer present."
	case bs.UnableToMerge:
		actions := m.pipeline.MergeFailureActions
		if len(actions) == 0 {
			actions = m.pipeline.FailureActions
		}
		return "merge-failure", actions,
			"Merge failed.\n\nThis change or one of its ancestors could not be merged; " +
				"please rebase and try again."
	case bs.ConfigError != "":
		return "failure", m.pipeline.FailureActions, bs.ConfigError
	case item.DidAllJobsSucceed():
		return "success", m.pipeline.SuccessActions, m.formatJobReport(item)
	default:
		return "failure", m.pipeline.FailureActions, m.formatJobReport(item)
	}
}

// formatJobReport renders per-job result lines; on failure the first
// failing job leads the message.
func (m *base) formatJobReport(item *model.QueueItem) string {
	bs := item.CurrentBuildSet
	var firstFailing string
	var lines []string
	for _, job := range item.Jobs() {
		build := bs.GetBuild(job.Name)
		if build == nil {
			continue
		}
		result := build.Result
		if result == "" {
			result = model.ResultRetryLimit
		}
		line := fmt.Sprintf("- %s : %s", job.Name, result)
		if url, ok := build.ResultData["url"].(string); ok && url != "" {
			line = fmt.Sprintf("- %s %s : %s", job.Name, url, result)
		}
		if d := build.Duration(); d > 0 {
			line += fmt.Sprintf(" in %s", d.Round(time.Second))
		}
		if !job.Voting {
			line += " (non-voting)"
		}
		lines = append(lines, line)
		if firstFailing == "" && job.Voting && result != model.ResultSuccess {
			firstFailing = job.Name
		}
	}
	var b strings.Builder
	if item.DidAllJobsSucceed() {
		b.WriteString("Build succeeded.\n\n")
	} else if firstFailing != "" {
		fmt.Fprintf(&b, "Build failed (%s).\n\n", firstFailing)
	} else {
		b.WriteString("Build failed.\n\n")
	}
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

// sendReport fans the message out to every reporter; individual failures
// are aggregated and logged, never fatal.
func (m *base) sendReport(item *model.QueueItem, actions []model.Reporter, phase, msg string) {
	var errs error
	for _, r := range actions {
		if err := r.Report(item.Change, phase, msg); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		m.log.Errorw("report delivery failed", "change", item.Change, "phase", phase, "error", errs)
	}
}
