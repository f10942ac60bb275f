package cmd

import (
	"context"
	"encoding/json"
	"io"
	"ticket-queue/models"

	"github.com/spf13/cobra"
)

type queueInspector interface {
	Snapshot(ctx context.Context) ([]models.QueueEntry, error)
	RequestStatus(ctx context.Context, clientID, resourceID string) (*models.StatusReport, error)
}

type turnInspector interface {
	Metrics(ctx context.Context) (*models.QueueMetrics, error)
}

// newQueueCommand adds read-only inspection commands, e.g.
//
//	./ticket-queue queue snapshot
//	./ticket-queue queue status <client_id> <resource_id>
func newQueueCommand(queue queueInspector, turns turnInspector) *cobra.Command {
	command := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the booking queue",
	}

	command.AddCommand(&cobra.Command{
		Use:   "snapshot",
		Short: "Print the ranked queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := queue.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snapshot)
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "status <client_id> <resource_id>",
		Short: "Print the turn and position of one entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := queue.RequestStatus(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "metrics",
		Short: "Print queue length, head and active turn",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			metrics, err := turns.Metrics(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), metrics)
		},
	})

	return command
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
