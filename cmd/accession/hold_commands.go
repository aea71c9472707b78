package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"accession/internal/queue"
	"accession/internal/queueaccess"
)

func newHoldCommand(ctx *commandContext) *cobra.Command {
	holdCmd := &cobra.Command{
		Use:   "hold",
		Short: "Pause work globally or for one collection",
	}

	var reason string
	setCmd := &cobra.Command{
		Use:   "set [collection]",
		Short: "Raise a hold (global when no collection is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection := holdTarget(args)
			return ctx.withAccess(cmd.Context(), func(access queueaccess.Access) error {
				if err := access.SetHold(cmd.Context(), collection, strings.TrimSpace(reason)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Hold set on %s\n", holdName(collection))
				return nil
			})
		},
	}
	setCmd.Flags().StringVarP(&reason, "reason", "r", "", "Why work is paused")

	clearCmd := &cobra.Command{
		Use:   "clear [collection]",
		Short: "Lower a hold (global when no collection is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection := holdTarget(args)
			return ctx.withAccess(cmd.Context(), func(access queueaccess.Access) error {
				if err := access.ClearHold(cmd.Context(), collection); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Hold cleared on %s\n", holdName(collection))
				return nil
			})
		},
	}

	var asJSON bool
	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List raised holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withAccess(cmd.Context(), func(access queueaccess.Access) error {
				holds, err := access.Holds(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					if holds == nil {
						holds = []queue.Hold{}
					}
					return writeJSON(cmd, holds)
				}
				out := cmd.OutOrStdout()
				if len(holds) == 0 {
					fmt.Fprintln(out, "No holds")
					return nil
				}
				now := time.Now()
				rows := make([][]string, 0, len(holds))
				for _, hold := range holds {
					rows = append(rows, []string{holdLabel(hold), hold.Reason, hold.SetBy, relative(hold.SetAt, now)})
				}
				fmt.Fprint(out, renderTable([]string{"Scope", "Reason", "Set by", "Since"}, rows, nil))
				return nil
			})
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")

	holdCmd.AddCommand(setCmd, clearCmd, listCmd)
	return holdCmd
}

func newLocksCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List live batch and job locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withAccess(cmd.Context(), func(access queueaccess.Access) error {
				locks, err := access.Locks(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					if locks == nil {
						locks = []queue.LockInfo{}
					}
					return writeJSON(cmd, locks)
				}
				out := cmd.OutOrStdout()
				if len(locks) == 0 {
					fmt.Fprintln(out, "No locks held")
					return nil
				}
				now := time.Now()
				rows := make([][]string, 0, len(locks))
				for _, lock := range locks {
					holder := lock.Token.Identity
					if lock.Token.Host != "" {
						holder = fmt.Sprintf("%s@%s:%d", lock.Token.Identity, lock.Token.Host, lock.Token.PID)
					}
					rows = append(rows, []string{string(lock.Kind), lock.ID, holder, lock.Owner, relative(lock.Created, now)})
				}
				fmt.Fprint(out, renderTable([]string{"Kind", "ID", "Holder", "Session", "Age"}, rows, nil))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func holdTarget(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return strings.TrimSpace(args[0])
}

func holdName(collection string) string {
	if collection == "" {
		return "all collections"
	}
	return "collection " + collection
}
