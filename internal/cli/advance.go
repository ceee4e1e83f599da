package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// AdvanceOptions holds flags for the advance command.
type AdvanceOptions struct {
	*RootOptions
	Fixture string
}

// NewAdvanceCommand creates the advance command.
func NewAdvanceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdvanceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "advance <run-id>",
		Short: "Re-drive a run from its latest checkpoint",
		Long: `Re-drive a run from its latest checkpoint after a crash. The step that
was in flight runs again; external side effects already claimed are
skipped. Suspended and terminal runs are returned unchanged.

Example:
  gapwise advance --db ./gapwise.db --fixture demo.yaml 0193a1b2`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdvance(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Fixture, "fixture", "", "path to fixture YAML scripting the collaborators (required)")
	_ = cmd.MarkFlagRequired("fixture")

	return cmd
}

func runAdvance(opts *AdvanceOptions, runID string, cmd *cobra.Command) error {
	collab, err := loadCollaborators(opts.Fixture)
	if err != nil {
		return err
	}
	a, err := openApp(opts.RootOptions, collab)
	if err != nil {
		return err
	}
	defer a.Close()

	run, advErr := a.engine.Advance(cmd.Context(), runID)
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if advErr != nil && run.ID == "" {
		_ = out.Failure(advErr.Error())
		return WrapExitError(ExitCommandError, "advance failed", advErr)
	}
	if err := out.Success(newRunView(run)); err != nil {
		return err
	}
	if advErr != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("run %s failed", run.ID), advErr)
	}
	return nil
}
