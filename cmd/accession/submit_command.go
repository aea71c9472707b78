package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"accession/internal/queue"
	"accession/internal/queueaccess"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var collection string
	var submitter string
	var priority int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "submit <file|->",
		Short: "Submit a batch from a YAML or JSON submission document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			submission, err := readSubmission(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("collection") {
				submission.Collection = strings.TrimSpace(collection)
			}
			if cmd.Flags().Changed("priority") {
				submission.Priority = priority
			}
			if cmd.Flags().Changed("submitter") {
				submission.Submitter = strings.TrimSpace(submitter)
			}
			if submission.Submitter == "" {
				submission.Submitter = currentUser()
			}
			if err := submission.Validate(); err != nil {
				return err
			}

			return ctx.withAccess(cmd.Context(), func(access queueaccess.Access) error {
				batch, err := access.Submit(cmd.Context(), submission)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, batch)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted batch %s (%d items, priority %d)\n",
					batch.ID, len(batch.Payload.Items), batch.Priority)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "Override the submission's collection")
	cmd.Flags().StringVar(&submitter, "submitter", "", "Override the submitter (defaults to the current user)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Override the submission's priority")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the stored batch as JSON")
	return cmd
}

// readSubmission decodes path, or stdin when path is "-". JSON documents are
// valid YAML and decode the same way.
func readSubmission(stdin io.Reader, path string) (queue.Submission, error) {
	var data []byte
	var err error
	if strings.TrimSpace(path) == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return queue.Submission{}, fmt.Errorf("read submission: %w", err)
	}

	var submission queue.Submission
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&submission); err != nil {
		if errors.Is(err, io.EOF) {
			return queue.Submission{}, errors.New("read submission: document is empty")
		}
		return queue.Submission{}, fmt.Errorf("parse submission: %w", err)
	}
	return submission, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
