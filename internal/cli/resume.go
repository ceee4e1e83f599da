package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calderhq/gapwise/internal/workflow"
)

// ResumeOptions holds flags for the resume command.
type ResumeOptions struct {
	*RootOptions
	Fixture  string
	Decision string
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResumeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Deliver an approval decision to a suspended run",
		Long: `Deliver an approval decision to a run suspended at awaiting_approval.

Approval finalizes the run: the researched sections are applied to the
document and the fit score is recalculated. Rejection ends the run
without editing anything. Replaying a decision that already took
effect is a no-op.

Examples:
  gapwise resume --fixture demo.yaml --decision approved 0193a1b2
  gapwise resume --fixture demo.yaml --decision rejected 0193a1b2`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Fixture, "fixture", "", "path to fixture YAML scripting the collaborators (required)")
	_ = cmd.MarkFlagRequired("fixture")
	cmd.Flags().StringVar(&opts.Decision, "decision", "", "approved | rejected (required)")
	_ = cmd.MarkFlagRequired("decision")

	return cmd
}

func runResume(opts *ResumeOptions, runID string, cmd *cobra.Command) error {
	decision := workflow.Decision(opts.Decision)
	if !decision.Valid() {
		return WrapExitError(ExitCommandError, "invalid --decision",
			fmt.Errorf("%q is not approved or rejected", opts.Decision))
	}

	collab, err := loadCollaborators(opts.Fixture)
	if err != nil {
		return err
	}
	a, err := openApp(opts.RootOptions, collab)
	if err != nil {
		return err
	}
	defer a.Close()

	run, resumeErr := a.engine.Resume(cmd.Context(), runID, decision)
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if resumeErr != nil && run.ID == "" {
		_ = out.Failure(resumeErr.Error())
		return WrapExitError(ExitCommandError, "resume failed", resumeErr)
	}
	if err := out.Success(newRunView(run)); err != nil {
		return err
	}
	if resumeErr != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("run %s", run.ID), resumeErr)
	}
	if run.State == workflow.StateFailed {
		// A delivered rejection resolves cleanly but the run is over.
		return WrapExitError(ExitFailure, fmt.Sprintf("run %s is %s", run.ID, run.State), nil)
	}
	return nil
}
