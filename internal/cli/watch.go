package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/RevCBH/switchyard/internal/cli/tui"
	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/web"
)

// NewWatchCmd creates the watch command for following a running instance
func NewWatchCmd(app *App) *cobra.Command {
	var noTUI bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow pipeline state and events live",
		Long: `Watch renders the pipeline state of a running instance and streams
its events. With a TTY it shows an interactive view; otherwise events
print one per line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.newControlClient()
			if err != nil {
				return err
			}
			if noTUI || !term.IsTerminal(int(os.Stdout.Fd())) {
				return watchPlain(cmd.Context(), c)
			}
			return watchTUI(cmd.Context(), c)
		},
	}
	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "Disable interactive view (print events only)")
	return cmd
}

// watchPlain prints the event stream one line at a time.
func watchPlain(ctx context.Context, c *controlClient) error {
	return streamEvents(ctx, c, func(ev events.ObserverEvent) {
		fmt.Println(tui.FormatEvent(ev))
	})
}

// watchTUI runs the interactive view, fed by a status poller and the
// event stream.
func watchTUI(ctx context.Context, c *controlClient) error {
	p := tea.NewProgram(tui.NewModel(), tea.WithAltScreen())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go pollStatus(ctx, c, p)
	go func() {
		for ctx.Err() == nil {
			err := streamEvents(ctx, c, func(ev events.ObserverEvent) {
				p.Send(tui.EventMsg(ev))
				if ev.Type == events.SchedulerExit {
					p.Send(tui.DoneMsg{})
				}
			})
			if err != nil && ctx.Err() == nil {
				p.Send(tui.StreamErrMsg{Err: err})
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}()

	_, err := p.Run()
	return err
}

func pollStatus(ctx context.Context, c *controlClient, p *tea.Program) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		var status web.Status
		if err := c.getJSON("/status.json", &status); err != nil {
			p.Send(tui.StreamErrMsg{Err: err})
		} else {
			p.Send(tui.StatusMsg(status))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// streamEvents consumes the SSE endpoint until the stream ends or the
// context is cancelled.
func streamEvents(ctx context.Context, c *controlClient, fn func(events.ObserverEvent)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events", nil)
	if err != nil {
		return err
	}
	// The stream is long-lived; the client default timeout would cut it.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev events.ObserverEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		fn(ev)
	}
	return scanner.Err()
}
