package cli

import (
	"github.com/spf13/cobra"

	"github.com/calderhq/gapwise/internal/workflow"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run at its latest checkpoint",
		Long: `Show a run's state, fit score, and merged artifact from its latest
checkpoint. Read-only: no collaborators are contacted.

Example:
  gapwise status --db ./gapwise.db 0193a1b2 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, workflow.Collaborators{})
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.engine.Status(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "status failed", err)
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(newRunView(run))
		},
	}
	return cmd
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a non-terminal run",
		Long: `Cancel a run. The run moves to failed with reason cancelled; results
from branches still in flight are discarded. Cancelling a terminal run
is a no-op.

Example:
  gapwise cancel --db ./gapwise.db 0193a1b2`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, workflow.Collaborators{})
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.engine.Cancel(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "cancel failed", err)
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(newRunView(run))
		},
	}
	return cmd
}
