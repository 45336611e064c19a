package cmd

import (
	"context"
	"os"

	"github.com/AndreyAD1/telemetry-adapter/internal/messaging"
	"github.com/AndreyAD1/telemetry-adapter/internal/services"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// enqueueCmd sends submission documents to the queue
var enqueueCmd = &cobra.Command{
	Use:   "enqueue FILE...",
	Short: "Send submission JSON files to the queue",
	Long: `Validates each file as a submission and sends it to the configured queue
with the body encoding and hash the worker expects.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sender, err := messaging.NewServiceBusSender(cfg.Queue)
	if err != nil {
		return err
	}
	defer sender.Close(context.Background())

	intake := services.NewIntake(nil)
	for _, path := range args {
		payload, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", path)
		}

		submission, err := intake.ParseSubmission(payload)
		if err != nil {
			return errors.Wrapf(err, "%s", path)
		}

		if err := sender.Send(cmd.Context(), payload); err != nil {
			return errors.Wrapf(err, "failed to enqueue %s", path)
		}

		log.Info().
			Str("file", path).
			Str("submission_id", submission.SubmissionID.String()).
			Int("events", submission.TotalEvents()).
			Msg("Submission enqueued")
	}

	return nil
}
