package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukafiti/dukasync/synckit"
)

// QueueOptions holds flags for queue list.
type QueueOptions struct {
	*RootOptions
	Resource string
	State    string
	Limit    int
}

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the outbox of queued writes",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueDiscardCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		Long: `List queued operations in send order.

Example:
  dukasync queue list --state failed_terminal
  dukasync queue list --resource sales --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Resource, "resource", "", "only operations on this resource")
	cmd.Flags().StringVar(&opts.State, "state", "", "only operations in this state (pending|in_flight|failed_terminal)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of operations (0 = all)")
	return cmd
}

func runQueueList(opts *QueueOptions, cmd *cobra.Command) error {
	filter := synckit.QueueFilter{Resource: opts.Resource, Limit: opts.Limit}
	if opts.State != "" {
		state := synckit.OpState(opts.State)
		switch state {
		case synckit.StatePending, synckit.StateInFlight, synckit.StateFailed:
		default:
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown state %q", opts.State))
		}
		filter.States = []synckit.OpState{state}
	}

	store, err := opts.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ops, err := store.ListQueue(cmd.Context(), filter)
	if err != nil {
		return syncExit("failed to list queue", err)
	}
	if ops == nil {
		ops = []synckit.QueuedOperation{}
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(ops, func(w io.Writer) error {
		if len(ops) == 0 {
			fmt.Fprintln(w, "queue is empty")
			return nil
		}
		fmt.Fprintln(w, "ID\tTYPE\tRESOURCE\tPRIORITY\tSTATE\tRETRIES\tCREATED\tLAST ERROR")
		for _, op := range ops {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				op.ID, op.Type, op.Resource, op.Priority, op.State, op.RetryCount,
				op.CreatedAt.Local().Format(time.DateTime), op.LastError)
		}
		return nil
	})
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Give a failed operation a fresh retry budget",
		Long: `Reset a failed_terminal operation to pending. It is sent on the next drain,
or right away when the server is configured and reachable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueAction(rootOpts, cmd, args[0], true)
		},
	}
}

func newQueueDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <operation-id>",
		Short: "Drop a queued operation and undo its local effect",
		Long: `Delete an operation that is not being sent. Discarding an offline create
also removes the unsynced record and the edits queued against it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueAction(rootOpts, cmd, args[0], false)
		},
	}
}

func runQueueAction(opts *RootOptions, cmd *cobra.Command, opID string, retry bool) error {
	store, err := opts.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	rc, err := opts.newRemote(false)
	if err != nil {
		return err
	}
	orch := opts.newOrchestrator(store, rc)
	defer orch.Close()

	action, verb := "discard", "discarded"
	var op synckit.QueuedOperation
	if retry {
		action, verb = "retry", "reset"
		op, err = orch.Retry(cmd.Context(), opID)
	} else {
		op, err = orch.Discard(cmd.Context(), opID)
	}
	if err != nil {
		return syncExit(fmt.Sprintf("failed to %s operation %s", action, opID), err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(op, func(w io.Writer) error {
		fmt.Fprintf(w, "%s %s (%s %s)\n", verb, op.ID, op.Type, op.Resource)
		return nil
	})
}
