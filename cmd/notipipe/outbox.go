package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"notipipe/internal/app"
	"notipipe/internal/config"
	"notipipe/internal/outbox"
	"notipipe/internal/storage"
	logx "notipipe/pkg/logx"
)

var errNoStorage = errors.New("storage is not configured; there is no persistent outbox to inspect")

// newOutboxCmd inspects the offline engagement queue. It opens storage
// directly, so stop the running pipeline first when using sqlite.
func newOutboxCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect or purge the offline engagement queue",
	}

	withQueue := func(fn func(ctx context.Context, q *outbox.Queue, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log := logx.NewConsole("warn")
			st, ok, err := app.OpenStorage(cfg, log)
			if err != nil {
				return err
			}
			if !ok {
				return errNoStorage
			}
			defer func() { _ = st.Close() }()
			// No sink: these commands never send.
			q := outbox.New(outbox.Config{}, st, nil, log)
			return fn(cmd.Context(), q, cmd.OutOrStdout())
		}
	}

	var asJSON bool
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and age",
		Args:  cobra.NoArgs,
		RunE: withQueue(func(ctx context.Context, q *outbox.Queue, out io.Writer) error {
			s, err := q.Stats(ctx)
			if err != nil {
				return err
			}
			return printStats(out, s, time.Now(), asJSON)
		}),
	}
	stats.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	var limit int
	failures := &cobra.Command{
		Use:   "failures",
		Short: "List batches dropped after exhausting retries",
		Args:  cobra.NoArgs,
		RunE: withQueue(func(ctx context.Context, q *outbox.Queue, out io.Writer) error {
			recs, err := q.Failures(ctx, limit)
			if err != nil {
				return err
			}
			return printFailures(out, recs, time.Now())
		}),
	}
	failures.Flags().IntVarP(&limit, "limit", "n", 20, "most recent records to show")

	var yes bool
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete every queued event",
		Args:  cobra.NoArgs,
		RunE: withQueue(func(ctx context.Context, q *outbox.Queue, out io.Writer) error {
			if !yes {
				return errors.New("refusing to purge without --yes")
			}
			n, err := q.Purge(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "purged %s events\n", humanize.Comma(int64(n)))
			return nil
		}),
	}
	purge.Flags().BoolVar(&yes, "yes", false, "confirm the purge")

	cmd.AddCommand(stats, failures, purge)
	return cmd
}

func printStats(out io.Writer, s storage.OutboxStats, now time.Time, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		return enc.Encode(map[string]any{
			"len":      s.Len,
			"oldestAt": s.OldestAt,
			"bytes":    s.Bytes,
		})
	}
	fmt.Fprintf(out, "queued:  %s events\n", humanize.Comma(int64(s.Len)))
	if !s.OldestAt.IsZero() {
		fmt.Fprintf(out, "oldest:  %s\n", humanize.RelTime(s.OldestAt, now, "ago", "from now"))
	}
	if s.Bytes > 0 {
		fmt.Fprintf(out, "size:    %s\n", humanize.Bytes(uint64(s.Bytes)))
	}
	return nil
}

func printFailures(out io.Writer, recs []storage.FailureRecord, now time.Time) error {
	if len(recs) == 0 {
		fmt.Fprintln(out, "no failed batches")
		return nil
	}
	for _, r := range recs {
		kind := "retries exhausted"
		if r.Permanent {
			kind = "rejected"
		}
		fmt.Fprintf(out, "%s  %s  %s after %d attempt(s), %d event(s): %s\n",
			humanize.RelTime(r.At, now, "ago", "from now"),
			r.BatchID,
			kind,
			r.Attempts,
			len(r.CorrelationIDs),
			strings.TrimSpace(r.Error),
		)
	}
	return nil
}
