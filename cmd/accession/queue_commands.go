package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"accession/internal/cleanup"
	"accession/internal/queue"
	"accession/internal/queueaccess"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and administer batches and jobs",
	}
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueActionCommand(ctx, "requeue", "Return a failed or held entity to the start of its pipeline"))
	queueCmd.AddCommand(newQueueActionCommand(ctx, "delete", "Mark an entity deleted so cleanup removes it"))
	queueCmd.AddCommand(newQueuePurgeCommand(ctx))
	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var kindFlag string
	var states []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List batches and jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind queue.Kind
			if strings.TrimSpace(kindFlag) != "" {
				parsed, err := queue.ParseKind(kindFlag)
				if err != nil {
					return err
				}
				kind = parsed
			} else if len(states) > 0 {
				return errors.New("--state requires --kind")
			}

			return ctx.withAccess(cmd.Context(), func(access queueaccess.Access) error {
				jobs, batches, err := access.List(cmd.Context(), kind, states)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, struct {
						Batches []*queue.Batch `json:"batches"`
						Jobs    []*queue.Job   `json:"jobs"`
					}{batches, jobs})
				}
				out := cmd.OutOrStdout()
				now := time.Now()
				if kind != queue.KindJob {
					if len(batches) == 0 {
						fmt.Fprintln(out, "No batches")
					} else {
						fmt.Fprint(out, renderTable(
							[]string{"Batch", "State", "Priority", "Collection", "Jobs", "Updated", "Message"},
							batchRows(batches, now),
							[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight},
						))
					}
				}
				if kind != queue.KindBatch {
					if len(jobs) == 0 {
						fmt.Fprintln(out, "No jobs")
					} else {
						fmt.Fprint(out, renderTable(
							[]string{"Job", "State", "Priority", "Collection", "Size", "Updated", "Message"},
							jobRows(jobs, now),
							[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight},
						))
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&kindFlag, "kind", "k", "", "Restrict to batch or job")
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "Filter by state (repeatable, requires --kind)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of tables")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <batch|job> <id>",
		Short: "Show one batch or job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := queue.ParseKind(args[0])
			if err != nil {
				return err
			}
			id := strings.TrimSpace(args[1])
			return ctx.withAccess(cmd.Context(), func(access queueaccess.Access) error {
				now := time.Now()
				if kind == queue.KindJob {
					job, err := access.ShowJob(cmd.Context(), id)
					if err != nil {
						return err
					}
					if asJSON {
						return writeJSON(cmd, job)
					}
					fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, jobFields(job, now), nil))
					return nil
				}

				batch, jobs, err := access.ShowBatch(cmd.Context(), id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, struct {
						Batch *queue.Batch `json:"batch"`
						Jobs  []*queue.Job `json:"jobs"`
					}{batch, jobs})
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, renderTable([]string{"Field", "Value"}, batchFields(batch, now), nil))
				if len(jobs) > 0 {
					fmt.Fprint(out, renderTable(
						[]string{"Job", "State", "Priority", "Collection", "Size", "Updated", "Message"},
						jobRows(jobs, now),
						[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight},
					))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of tables")
	return cmd
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count batches and jobs by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withAccess(cmd.Context(), func(access queueaccess.Access) error {
				stats, err := access.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, stats)
				}
				out := cmd.OutOrStdout()
				rows := statsRows(stats)
				if len(rows) == 0 {
					fmt.Fprintln(out, "Queue is empty")
				} else {
					fmt.Fprint(out, renderTable([]string{"Kind", "State", "Count"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight}))
				}
				fmt.Fprintf(out, "Locks: %d  Holds: %d\n", stats.Locks, stats.Holds)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of tables")
	return cmd
}

func newQueueActionCommand(ctx *commandContext, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <batch|job> <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := queue.ParseKind(args[0])
			if err != nil {
				return err
			}
			return ctx.withAccess(cmd.Context(), func(access queueaccess.Access) error {
				apply := access.Requeue
				verb := "Requeued"
				if action == "delete" {
					apply = access.Delete
					verb = "Deleted"
				}
				var errs []error
				for _, id := range args[1:] {
					id = strings.TrimSpace(id)
					if err := apply(cmd.Context(), kind, id); err != nil {
						errs = append(errs, fmt.Errorf("%s %s: %w", kind, id, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", verb, kind, id)
				}
				return errors.Join(errs...)
			})
		},
	}
}

func newQueuePurgeCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Run one cleanup pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withAccess(cmd.Context(), func(access queueaccess.Access) error {
				result, err := access.Purge(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, result)
				}
				printPurgeResult(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}

func printPurgeResult(out io.Writer, result cleanup.Result) {
	if result.Total() == 0 {
		fmt.Fprintln(out, "Nothing to purge")
	} else {
		fmt.Fprintf(out, "Purged %d jobs, %d orphaned jobs, %d batches\n", result.Jobs, result.Orphans, result.Batches)
	}
	if result.Skipped > 0 {
		fmt.Fprintf(out, "Skipped %d locked entities\n", result.Skipped)
	}
}

func batchRows(batches []*queue.Batch, now time.Time) [][]string {
	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		rows = append(rows, []string{
			b.ID,
			string(b.State),
			strconv.Itoa(b.Priority),
			b.Payload.Collection,
			strconv.Itoa(len(b.JobIDs)),
			relative(b.UpdatedAt, now),
			truncate(b.Message, 40),
		})
	}
	return rows
}

func jobRows(jobs []*queue.Job, now time.Time) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			jobState(j),
			strconv.Itoa(j.Priority),
			j.Config.Collection,
			formatSpace(j.Space),
			relative(j.UpdatedAt, now),
			truncate(j.Message, 40),
		})
	}
	return rows
}

func jobFields(j *queue.Job, now time.Time) [][]string {
	rows := [][]string{
		{"ID", j.ID},
		{"Batch", j.BatchID},
		{"State", jobState(j)},
		{"Priority", strconv.Itoa(j.Priority)},
		{"Penalized", yesNo(j.Penalized)},
		{"Profile", j.Config.Profile},
		{"Collection", j.Config.Collection},
		{"Name", j.Config.Name},
		{"Source", j.Config.Source},
		{"Size", formatSpace(j.Space)},
		{"Primary ID", j.Identifiers.Primary},
		{"Local IDs", strings.Join(j.Identifiers.Local, ", ")},
		{"Attempts", strconv.Itoa(j.Attempts)},
		{"Created", formatTime(j.CreatedAt, now)},
		{"Updated", formatTime(j.UpdatedAt, now)},
	}
	if j.Message != "" {
		rows = append(rows, []string{"Message", j.Message})
	}
	return append(rows, historyRows(j.History, now)...)
}

func batchFields(b *queue.Batch, now time.Time) [][]string {
	rows := [][]string{
		{"ID", b.ID},
		{"State", string(b.State)},
		{"Priority", strconv.Itoa(b.Priority)},
		{"Profile", b.Payload.Profile},
		{"Collection", b.Payload.Collection},
		{"Submitter", b.Payload.Submitter},
		{"Items", strconv.Itoa(len(b.Payload.Items))},
		{"Jobs", strconv.Itoa(len(b.JobIDs))},
		{"Attempts", strconv.Itoa(b.Attempts)},
		{"Created", formatTime(b.CreatedAt, now)},
		{"Updated", formatTime(b.UpdatedAt, now)},
	}
	if b.Report != nil {
		rows = append(rows, []string{"Report", fmt.Sprintf("%d total, %d completed, %d failed, %d deleted",
			b.Report.Total, b.Report.Completed, b.Report.Failed, b.Report.Deleted)})
	}
	if b.Message != "" {
		rows = append(rows, []string{"Message", b.Message})
	}
	return append(rows, historyRows(b.History, now)...)
}

func historyRows(history []queue.StateChange, now time.Time) [][]string {
	rows := make([][]string, 0, len(history))
	for i, change := range history {
		label := ""
		if i == 0 {
			label = "History"
		}
		entry := fmt.Sprintf("%s %s", change.State, relative(change.At, now))
		if change.By != "" {
			entry += " by " + change.By
		}
		rows = append(rows, []string{label, entry})
	}
	return rows
}

func jobState(j *queue.Job) string {
	if j.State == queue.StateHeld && j.HeldFrom != "" {
		return fmt.Sprintf("%s (from %s)", j.State, j.HeldFrom)
	}
	return string(j.State)
}

func formatSpace(space queue.Space) string {
	switch {
	case space.Actual > 0:
		return humanize.IBytes(uint64(space.Actual))
	case space.Known:
		return humanize.IBytes(uint64(space.Estimated))
	case space.Estimated > 0:
		return "~" + humanize.IBytes(uint64(space.Estimated))
	default:
		return "unknown"
	}
}

func relative(at, now time.Time) string {
	if at.IsZero() {
		return ""
	}
	return humanize.RelTime(at, now, "ago", "from now")
}

func formatTime(at, now time.Time) string {
	if at.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s (%s)", at.Local().Format(time.RFC3339), relative(at, now))
}
