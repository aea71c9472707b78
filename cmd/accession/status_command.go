package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"accession/internal/daemon"
	"accession/internal/daemonctl"
	"accession/internal/queue"
	"accession/internal/workflow"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, hold, and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.socketPath(), ctx.configValue())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, status)
			}
			renderStatus(cmd.OutOrStdout(), status, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of tables")
	return cmd
}

func renderStatus(w io.Writer, status *daemon.Status, now time.Time) {
	colorize := shouldColorize(w)

	writeSection(w, "Daemon", colorize)
	if status.Running {
		detail := fmt.Sprintf("pid %d, identity %s", status.PID, status.Identity)
		if !status.StartedAt.IsZero() {
			detail += ", up since " + humanize.RelTime(status.StartedAt, now, "ago", "from now")
		}
		fmt.Fprintln(w, renderStatusLine("Host", statusOK, detail, colorize))
		session := status.SessionID
		if status.Reconnects > 0 {
			session += fmt.Sprintf(" (%d reconnects)", status.Reconnects)
		}
		fmt.Fprintln(w, renderStatusLine("Session", statusInfo, session, colorize))
	} else {
		detail := "not running"
		if status.PID > 0 {
			detail = fmt.Sprintf("not answering (stale pid %d)", status.PID)
		}
		fmt.Fprintln(w, renderStatusLine("Host", statusWarn, detail, colorize))
	}
	if status.LogPath != "" {
		fmt.Fprintln(w, renderStatusLine("Log", statusInfo, status.LogPath, colorize))
	}
	fmt.Fprintln(w)

	if len(status.Daemons) > 0 {
		writeSection(w, "Daemons", colorize)
		fmt.Fprint(w, renderTable(
			[]string{"Daemon", "State", "Workers", "In flight", "Last item", "Last activity", "Last error"},
			daemonRows(status.Daemons, now),
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
		))
		fmt.Fprintln(w)
	}

	writeSection(w, "Holds", colorize)
	if len(status.Holds) == 0 {
		fmt.Fprintln(w, renderStatusLine("Holds", statusOK, "none", colorize))
	}
	for _, hold := range status.Holds {
		fmt.Fprintln(w, renderStatusLine(holdLabel(hold), statusWarn, holdDetail(hold, now), colorize))
	}
	fmt.Fprintln(w)

	writeSection(w, "Queue", colorize)
	switch {
	case status.QueueError != "":
		fmt.Fprintln(w, renderStatusLine("Store", statusError, status.QueueError, colorize))
	case status.Queue == nil:
		fmt.Fprintln(w, renderStatusLine("Store", statusWarn, "no statistics", colorize))
	default:
		rows := statsRows(*status.Queue)
		if len(rows) == 0 {
			fmt.Fprintln(w, "Queue is empty")
		} else {
			fmt.Fprint(w, renderTable([]string{"Kind", "State", "Count"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight}))
		}
		fmt.Fprintln(w, renderStatusLine("Locks", statusInfo, strconv.Itoa(status.Queue.Locks), colorize))
	}
	fmt.Fprintln(w)

	writeSection(w, "Dependencies", colorize)
	if len(status.Dependencies) == 0 {
		fmt.Fprintln(w, renderStatusLine("Commands", statusInfo, "no external commands configured", colorize))
	}
	for _, dep := range status.Dependencies {
		switch {
		case dep.Available:
			fmt.Fprintln(w, renderStatusLine(dep.Name, statusOK, dep.Command, colorize))
		case dep.Optional:
			fmt.Fprintln(w, renderStatusLine(dep.Name, statusWarn, dep.Detail, colorize))
		default:
			fmt.Fprintln(w, renderStatusLine(dep.Name, statusError, dep.Detail, colorize))
		}
	}
	fmt.Fprintln(w)

	writeSection(w, "Preflight", colorize)
	for _, check := range status.Preflight {
		kind := statusOK
		if !check.Passed {
			kind = statusError
		}
		fmt.Fprintln(w, renderStatusLine(check.Name, kind, check.Detail, colorize))
	}
}

func daemonRows(statuses []workflow.Status, now time.Time) [][]string {
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		workers := ""
		if s.Workers > 0 {
			workers = strconv.Itoa(s.Workers)
		}
		activity := ""
		if !s.LastActivity.IsZero() {
			activity = humanize.RelTime(s.LastActivity, now, "ago", "from now")
		}
		rows = append(rows, []string{
			s.Name,
			string(s.State),
			workers,
			strconv.Itoa(s.InFlight),
			s.LastItem,
			activity,
			truncate(s.LastError, 48),
		})
	}
	return rows
}

func statsRows(stats queue.Stats) [][]string {
	var rows [][]string
	for _, state := range queue.BatchStates {
		if n := stats.Batches[state]; n > 0 {
			rows = append(rows, []string{string(queue.KindBatch), string(state), strconv.Itoa(n)})
		}
	}
	for _, state := range queue.JobStates {
		if n := stats.Jobs[state]; n > 0 {
			rows = append(rows, []string{string(queue.KindJob), string(state), strconv.Itoa(n)})
		}
	}
	return rows
}

func holdLabel(hold queue.Hold) string {
	if hold.Global() {
		return "Global"
	}
	return hold.Collection
}

func holdDetail(hold queue.Hold, now time.Time) string {
	parts := make([]string, 0, 3)
	if hold.Reason != "" {
		parts = append(parts, hold.Reason)
	}
	if hold.SetBy != "" {
		parts = append(parts, "by "+hold.SetBy)
	}
	if !hold.SetAt.IsZero() {
		parts = append(parts, humanize.RelTime(hold.SetAt, now, "ago", "from now"))
	}
	return strings.Join(parts, ", ")
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
