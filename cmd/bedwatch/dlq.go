package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/bedwatch/pkg/backoff"
	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

var errNoSelection = errors.New("pass entry ids or --all")

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect, replay and purge dead-lettered events",
	}
	cmd.AddCommand(newDLQListCmd(), newDLQReplayCmd(), newDLQPurgeCmd())
	return cmd
}

// withDeadLetters opens the configured stream backend for the duration of fn.
func withDeadLetters(ctx context.Context, fn func(*stream.DeadLetters) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	var cfg stream.Config
	if err := load(into(&cfg)); err != nil {
		return err
	}

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	publisher := stream.NewPublisher(be.store,
		stream.WithPublishRetry(backoff.Default(), cfg.PublishAttempts),
		stream.WithPublisherLogger(log),
	)
	return fn(stream.NewDeadLetters(be.store, publisher, log))
}

func newDLQListCmd() *cobra.Command {
	var (
		limit  int64
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered events, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeadLetters(cmd.Context(), func(d *stream.DeadLetters) error {
				recs, err := d.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeRecordsJSON(cmd.OutOrStdout(), recs)
				}
				return writeRecordsTable(cmd.OutOrStdout(), recs)
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "maximum number of entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON lines")
	return cmd
}

func newDLQReplayCmd() *cobra.Command {
	var (
		all   bool
		limit int64
	)
	cmd := &cobra.Command{
		Use:   "replay [entry-id...]",
		Short: "Republish dead-lettered events to their partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return errNoSelection
			}
			ctx := cmd.Context()
			return withDeadLetters(ctx, func(d *stream.DeadLetters) error {
				var (
					recs []stream.DeadLetterRecord
					err  error
				)
				if all {
					recs, err = d.List(ctx, limit)
				} else {
					recs, err = d.Find(ctx, args...)
				}
				if err != nil {
					return err
				}

				n, err := d.Replay(ctx, recs...)
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d of %d entries\n", n, len(recs))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "replay every entry up to --limit")
	cmd.Flags().Int64Var(&limit, "limit", 1000, "maximum number of entries replayed with --all")
	return cmd
}

func newDLQPurgeCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "purge [entry-id...]",
		Short: "Delete dead-lettered events without replaying them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return errNoSelection
			}
			if all {
				args = nil
			}
			ctx := cmd.Context()
			return withDeadLetters(ctx, func(d *stream.DeadLetters) error {
				n, err := d.Purge(ctx, args...)
				if err != nil {
					return err
				}
				slog.InfoContext(ctx, "dead letters purged", slog.Int64("count", n))
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "purge every entry")
	return cmd
}

func writeRecordsTable(w io.Writer, recs []stream.DeadLetterRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPARTITION\tORIGINAL ID\tDELIVERIES\tFAILED AT\tREASON")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.OriginalPartition, r.OriginalID, r.DeliveryCount,
			r.FailedAt.Format(time.RFC3339), r.Reason,
		)
	}
	return tw.Flush()
}

type recordView struct {
	ID                string          `json:"id"`
	OriginalPartition string          `json:"originalPartition"`
	OriginalID        string          `json:"originalId"`
	Reason            string          `json:"reason"`
	DeliveryCount     int64           `json:"deliveryCount"`
	FailedAt          time.Time       `json:"failedAt"`
	Event             json.RawMessage `json:"event,omitempty"`
	Raw               string          `json:"raw,omitempty"`
}

func writeRecordsJSON(w io.Writer, recs []stream.DeadLetterRecord) error {
	enc := json.NewEncoder(w)
	for _, r := range recs {
		v := recordView{
			ID:                r.ID,
			OriginalPartition: string(r.OriginalPartition),
			OriginalID:        r.OriginalID,
			Reason:            r.Reason,
			DeliveryCount:     r.DeliveryCount,
			FailedAt:          r.FailedAt,
		}
		if json.Valid(r.Data) {
			v.Event = r.Data
		} else {
			v.Raw = string(r.Data)
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}
