package cli

import (
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/calderhq/gapwise/internal/workflow"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Fixture  string
	Document string
	SpecRef  string
	SpecText string
	Boosts   []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a review run and drive it to approval or completion",
		Long: `Start a review run: ingest the document and target spec, score the
fit, research each gap, and suspend for approval.

Collaborators are served from a scripted fixture file (see
internal/harness for the format).

Examples:
  gapwise run --db ./gapwise.db --fixture demo.yaml --document doc-1 --spec-ref spec-1
  gapwise run --fixture demo.yaml --document doc-1 --spec-text "platform role" --boost "acme academy=1.5"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Fixture, "fixture", "", "path to fixture YAML scripting the collaborators (required)")
	_ = cmd.MarkFlagRequired("fixture")
	cmd.Flags().StringVar(&opts.Document, "document", "", "reference of the document to review (required)")
	_ = cmd.MarkFlagRequired("document")
	cmd.Flags().StringVar(&opts.SpecRef, "spec-ref", "", "reference of the target specification")
	cmd.Flags().StringVar(&opts.SpecText, "spec-text", "", "inline target specification text")
	cmd.Flags().StringArrayVar(&opts.Boosts, "boost", nil, "per-source ranking boost as source=multiplier (repeatable)")

	return cmd
}

func runStart(opts *RunOptions, cmd *cobra.Command) error {
	boosts, err := parseBoosts(opts.Boosts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --boost", err)
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

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, runErr := a.engine.Start(ctx, workflow.RunInput{
		DocumentRef:    opts.Document,
		TargetSpecRef:  opts.SpecRef,
		TargetSpecText: opts.SpecText,
		SourceBoosts:   boosts,
	})

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if runErr != nil && run.ID == "" {
		// Rejected before a run existed (bad input).
		_ = out.Failure(runErr.Error())
		return WrapExitError(ExitCommandError, "run not started", runErr)
	}
	if err := out.Success(newRunView(run)); err != nil {
		return err
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("run %s failed", run.ID), runErr)
	}
	return nil
}

func parseBoosts(raw []string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	boosts := make(map[string]float64, len(raw))
	for _, entry := range raw {
		source, value, ok := strings.Cut(entry, "=")
		if !ok || source == "" {
			return nil, fmt.Errorf("expected source=multiplier, got %q", entry)
		}
		mult, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("multiplier in %q: %w", entry, err)
		}
		boosts[source] = mult
	}
	return boosts, nil
}
