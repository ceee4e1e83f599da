package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/calderhq/gapwise/internal/store"
	"github.com/calderhq/gapwise/internal/workflow"
)

// checkpointView is one checkpoint row for history and list output.
type checkpointView struct {
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	State     string    `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type checkpointList []checkpointView

func (l checkpointList) String() string {
	if len(l) == 0 {
		return "no runs"
	}
	var b strings.Builder
	for i, cp := range l {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s  seq=%-3d %-18s %s", cp.RunID, cp.Seq, cp.State,
			cp.CreatedAt.Format(time.RFC3339))
		if cp.LastError != "" {
			fmt.Fprintf(&b, "  %s", cp.LastError)
		}
	}
	return b.String()
}

func checkpointViews(cps []store.Checkpoint) checkpointList {
	views := make(checkpointList, 0, len(cps))
	for _, cp := range cps {
		views = append(views, checkpointView{
			RunID:     cp.RunID,
			Seq:       cp.Seq,
			State:     cp.State,
			LastError: cp.LastError,
			CreatedAt: cp.CreatedAt,
		})
	}
	return views
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <run-id>",
		Short: "Show a run's full checkpoint history",
		Long: `Show every checkpoint of a run in sequence order: the complete audit
trail of its state transitions.

Example:
  gapwise history --db ./gapwise.db 0193a1b2`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, workflow.Collaborators{})
			if err != nil {
				return err
			}
			defer a.Close()

			cps, err := a.store.History(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "history failed", err)
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(checkpointViews(cps))
		},
	}
	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all runs at their latest checkpoint",
		Long: `List every run in the database with its latest state.

Example:
  gapwise list --db ./gapwise.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, workflow.Collaborators{})
			if err != nil {
				return err
			}
			defer a.Close()

			cps, err := a.store.ListRuns(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "list failed", err)
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(checkpointViews(cps))
		},
	}
	return cmd
}
