package main

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/jurishealth/internal/ingest"
	"github.com/sells-group/jurishealth/internal/model"
)

const (
	exitPartial = 2
	exitSkipped = 3
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest cases from the configured sources",
}

var ingestRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion and print the run summary as JSON",
	Long: "Fetches every enabled source, upserts cases and prints the run summary.\n" +
		"Exit codes: 0 success, 2 partial, 1 failed or cancelled, 3 skipped (another run holds the lock).",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		trigger, _ := cmd.Flags().GetString("trigger")
		noResume, _ := cmd.Flags().GetBool("no-resume")
		switch model.Trigger(trigger) {
		case model.TriggerManual, model.TriggerCron, model.TriggerAPI:
		default:
			return eris.Errorf("unknown trigger %q", trigger)
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		orch, err := initOrchestrator(ctx, env, cfg.Ingest.Resume && !noResume)
		if err != nil {
			return err
		}

		run, err := orch.Run(ctx, model.Trigger(trigger))
		if err != nil && !errors.Is(err, ingest.ErrRunLocked) {
			return eris.Wrap(err, "ingest run")
		}
		if err := printJSON(os.Stdout, run); err != nil {
			return err
		}
		return runExit(run)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runExit maps the run outcome onto the process exit code.
func runExit(run *model.IngestionRun) error {
	switch run.Outcome {
	case model.OutcomeSuccess:
		return nil
	case model.OutcomePartial:
		return &exitError{code: exitPartial, msg: "ingest run partial"}
	case model.OutcomeSkipped:
		return &exitError{code: exitSkipped, msg: "ingest run skipped: lock held"}
	default:
		return &exitError{code: 1, msg: "ingest run " + string(run.Outcome)}
	}
}

func init() {
	ingestRunCmd.Flags().String("trigger", string(model.TriggerManual), "what started the run (manual, cron, api)")
	ingestRunCmd.Flags().Bool("no-resume", false, "ignore saved cursors and start every source from the beginning")

	ingestCmd.AddCommand(ingestRunCmd)
	rootCmd.AddCommand(ingestCmd)
}
