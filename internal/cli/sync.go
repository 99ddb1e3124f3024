package cli

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukafiti/dukasync/queue"
	"github.com/dukafiti/dukasync/synckit"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cached records and queued writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(rootOpts, cmd)
		},
	}
}

func runStats(opts *RootOptions, cmd *cobra.Command) error {
	store, err := opts.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := synckit.Stats(cmd.Context(), store)
	if err != nil {
		return syncExit("failed to read stats", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(stats, func(w io.Writer) error {
		resources := make([]string, 0, len(stats.Cached))
		for r := range stats.Cached {
			resources = append(resources, r)
		}
		slices.Sort(resources)
		fmt.Fprintln(w, "RESOURCE\tCACHED")
		for _, r := range resources {
			fmt.Fprintf(w, "%s\t%d\n", r, stats.Cached[r])
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "queued\thigh %d, medium %d, low %d\n", stats.Queued.High, stats.Queued.Medium, stats.Queued.Low)
		fmt.Fprintf(w, "in flight\t%d\n", stats.InFlight)
		fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
		last := "never"
		if !stats.LastSyncAt.IsZero() {
			last = stats.LastSyncAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "last sync\t%s\n", last)
		return nil
	})
}

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions
	Refresh bool
}

// DrainReport is the drain command's result.
type DrainReport struct {
	queue.Result
	Failures []DrainFailure `json:"failures,omitempty"`
}

// DrainFailure is one operation that became terminal during the drain.
type DrainFailure struct {
	OperationID string `json:"operationId"`
	Resource    string `json:"resource"`
	Error       string `json:"error"`
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Send every due queued write to the server now",
		Long: `Send every due queued write to the server once, then exit.

Operations that are backing off stay queued. With --refresh the cached
collections are pulled from the server afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Refresh, "refresh", false, "pull cached collections after draining")
	return cmd
}

func runDrain(opts *DrainOptions, cmd *cobra.Command) error {
	store, err := opts.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	rc, err := opts.newRemote(true)
	if err != nil {
		return err
	}
	orch := opts.newOrchestrator(store, rc)
	defer orch.Close()

	ctx := cmd.Context()
	res, err := orch.Queue().Drain(ctx)
	if err != nil {
		return syncExit("drain failed", err)
	}
	report := DrainReport{Result: res}
	for done := false; !done; {
		select {
		case f := <-orch.Queue().Failures():
			report.Failures = append(report.Failures, DrainFailure{
				OperationID: f.Operation.ID,
				Resource:    f.Operation.Resource,
				Error:       f.Err.Error(),
			})
		default:
			done = true
		}
	}

	if opts.Refresh {
		if err := orch.ForceSync(ctx); err != nil {
			return syncExit("refresh failed", err)
		}
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if err := out.Success(report, func(w io.Writer) error {
		fmt.Fprintf(w, "sent\t%d\n", res.Sent)
		fmt.Fprintf(w, "confirmed\t%d\n", res.Confirmed)
		fmt.Fprintf(w, "retrying\t%d\n", res.Retried)
		fmt.Fprintf(w, "deferred\t%d\n", res.Deferred+res.Skipped)
		fmt.Fprintf(w, "failed\t%d\n", res.Failed)
		for _, f := range report.Failures {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", f.OperationID, f.Resource, f.Error)
		}
		return nil
	}); err != nil {
		return err
	}
	if res.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d operation(s) failed permanently", res.Failed))
	}
	return nil
}
