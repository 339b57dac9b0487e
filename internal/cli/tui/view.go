package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/web"
)

// View implements tea.Model
func (m *Model) View() string {
	if m.Quitting {
		return ""
	}

	var b strings.Builder
	m.renderHeader(&b)

	if !m.HaveState {
		b.WriteString(m.Styles.Queue.Render("waiting for status...") + "\n")
	} else {
		for _, tenant := range m.Status.Tenants {
			m.renderTenant(&b, tenant)
		}
	}

	m.renderEvents(&b)

	if m.StreamErr != "" {
		b.WriteString(m.Styles.Error.Render("connection error: "+m.StreamErr) + "\n")
	}

	b.WriteString(m.Styles.Footer.Render(
		m.Styles.FooterKey.Render("q") + " quit"))
	b.WriteString("\n")
	return b.String()
}

func (m *Model) renderHeader(b *strings.Builder) {
	elapsed := time.Since(m.StartTime).Round(time.Second)
	b.WriteString(m.Styles.Title.Render("switchyard"))
	b.WriteString("  ")
	b.WriteString(m.Styles.Timer.Render(elapsed.String()))
	b.WriteString("\n\n")
}

func (m *Model) renderTenant(b *strings.Builder, tenant web.TenantStatus) {
	b.WriteString(m.Styles.Tenant.Render(tenant.Name) + "\n")
	for _, pipeline := range tenant.Pipelines {
		header := "  " + pipeline.Name
		if pipeline.Disabled {
			header += " " + m.Styles.Disabled.Render("[disabled]")
		}
		b.WriteString(m.Styles.Pipeline.Render(header) + "\n")
		for _, q := range pipeline.Queues {
			if len(pipeline.Queues) > 1 || !q.Dynamic {
				b.WriteString(m.Styles.Queue.Render("    queue "+q.Name) + "\n")
			}
			for _, item := range q.Items {
				m.renderItem(b, item)
			}
		}
	}
}

func (m *Model) renderItem(b *strings.Builder, item web.ItemStatus) {
	line := "      " + m.Styles.Change.Render(item.Change)
	if !item.Live {
		line += " " + m.Styles.Context.Render("(context)")
	}
	for _, build := range item.Builds {
		line += " " + m.renderBuild(build)
	}
	b.WriteString(line + "\n")
}

func (m *Model) renderBuild(build web.BuildStatus) string {
	label := build.Job
	switch {
	case build.Result == "SUCCESS":
		return m.Styles.BuildSuccess.Render(label + " ✓")
	case build.Result != "":
		return m.Styles.BuildFailed.Render(label + " ✗")
	case build.UUID != "":
		return m.Styles.BuildRunning.Render(label + " ●")
	default:
		return m.Styles.BuildQueued.Render(label + " ⏳")
	}
}

func (m *Model) renderEvents(b *strings.Builder) {
	if len(m.Events) == 0 {
		return
	}
	b.WriteString("\n" + m.Styles.EventTitle.Render("recent events") + "\n")
	shown := m.Events
	limit := 8
	if m.Height > 0 && m.Height/3 > limit {
		limit = m.Height / 3
	}
	if len(shown) > limit {
		shown = shown[len(shown)-limit:]
	}
	for _, ev := range shown {
		b.WriteString(m.Styles.EventLine.Render("  "+FormatEvent(ev)) + "\n")
	}
}

// FormatEvent renders one observer event as a single line; the watch
// command reuses it for non-TTY output.
func FormatEvent(ev events.ObserverEvent) string {
	parts := []string{ev.Time.Format("15:04:05"), string(ev.Type)}
	if ev.Tenant != "" {
		scope := ev.Tenant
		if ev.Pipeline != "" {
			scope += "/" + ev.Pipeline
		}
		parts = append(parts, scope)
	}
	if ev.Change != "" {
		parts = append(parts, ev.Change)
	}
	if ev.Job != "" {
		parts = append(parts, ev.Job)
	}
	if ev.Result != "" {
		parts = append(parts, fmt.Sprintf("result=%s", ev.Result))
	}
	return strings.Join(parts, " ")
}
