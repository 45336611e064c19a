package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/config"
	"github.com/AndreyAD1/telemetry-adapter/internal/messaging"
	"github.com/AndreyAD1/telemetry-adapter/internal/metrics"
	"github.com/AndreyAD1/telemetry-adapter/internal/models"
	"github.com/AndreyAD1/telemetry-adapter/internal/services"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of the worker loop
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// Classifier splits a fetched batch into valid and invalid messages
type Classifier interface {
	Classify(messages []*messaging.Message) (valid, invalid []services.QueueMessage)
}

// Processor delivers one validated submission
type Processor interface {
	Process(ctx context.Context, submission *models.Submission) (services.Result, error)
}

// Options controls batch size and pacing of the loop
type Options struct {
	MaxMessages       int
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	PollInterval      time.Duration
	FetchBackoff      time.Duration
}

// OptionsFromConfig collects loop options from the queue and worker sections
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxMessages:       cfg.Queue.MaxMessages,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		WaitTime:          cfg.Queue.WaitTime,
		PollInterval:      cfg.Worker.PollInterval,
		FetchBackoff:      cfg.Worker.FetchBackoff,
	}
}

// Worker drains the queue batch by batch
type Worker struct {
	source     messaging.QueueSource
	classifier Classifier
	processor  Processor
	opts       Options
	metrics    *metrics.Metrics
	state      atomic.Int32
}

// New creates a stopped worker
func New(source messaging.QueueSource, classifier Classifier, processor Processor, opts Options, collector *metrics.Metrics) *Worker {
	return &Worker{
		source:     source,
		classifier: classifier,
		processor:  processor,
		opts:       opts,
		metrics:    collector,
	}
}

// State returns the current lifecycle state
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Running reports whether the loop is running
func (w *Worker) Running() bool {
	return w.State() == StateRunning
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	if w.metrics != nil {
		w.metrics.SetHealth(metrics.HealthWorker, s == StateRunning)
	}
}

// Run polls the queue until ctx is cancelled. A batch already being
// processed when ctx is cancelled runs to completion.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateRunning)
	defer w.setState(StateStopped)

	log.Info().
		Int("max_messages", w.opts.MaxMessages).
		Dur("wait_time", w.opts.WaitTime).
		Dur("poll_interval", w.opts.PollInterval).
		Msg("Worker started")

	for ctx.Err() == nil {
		start := time.Now()
		messages, err := w.source.Fetch(ctx, w.opts.MaxMessages, w.opts.VisibilityTimeout, w.opts.WaitTime)
		if w.metrics != nil {
			w.metrics.ObserveSince(metrics.TimerQueueFetch, metrics.RateQueueFetch, start, err)
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Dur("backoff", w.opts.FetchBackoff).Msg("Failed to fetch messages")
			sleep(ctx, w.opts.FetchBackoff)
			continue
		}

		w.ProcessBatch(context.WithoutCancel(ctx), messages)
		sleep(ctx, w.opts.PollInterval)
	}

	log.Info().Msg("Worker stopped")
	return nil
}

// ProcessBatch classifies a batch and handles every message concurrently,
// returning once all of them are done
func (w *Worker) ProcessBatch(ctx context.Context, messages []*messaging.Message) {
	if len(messages) == 0 {
		return
	}
	if w.metrics != nil {
		w.metrics.IncrementCounterBy(metrics.CounterMessagesReceived, int64(len(messages)))
		w.metrics.SetGauge(metrics.GaugeBatchSize, int64(len(messages)))
	}

	valid, invalid := w.classifier.Classify(messages)
	log.Debug().Int("valid", len(valid)).Int("invalid", len(invalid)).Msg("Processing batch")

	var g errgroup.Group
	for _, msg := range invalid {
		msg := msg
		g.Go(func() error {
			defer w.recoverMessage(msg)
			if w.metrics != nil {
				w.metrics.IncrementCounter(metrics.CounterMessagesInvalid)
			}
			w.delete(ctx, msg)
			return nil
		})
	}
	for _, msg := range valid {
		msg := msg
		g.Go(func() error {
			defer w.recoverMessage(msg)
			w.process(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) process(ctx context.Context, msg services.QueueMessage) {
	logger := log.With().
		Str("submission_id", msg.Submission.SubmissionID.String()).
		Str("deletion_id", msg.DeletionID).
		Logger()

	result, err := w.processor.Process(ctx, msg.Submission)
	if err != nil {
		logger.Error().Err(err).Str("result", result.String()).Msg("Failed to process submission")
	}
	if !result.Acknowledge() {
		logger.Debug().Str("result", result.String()).Msg("Leaving message on the queue")
		return
	}
	w.delete(ctx, msg)
}

func (w *Worker) delete(ctx context.Context, msg services.QueueMessage) {
	err := w.source.Delete(ctx, msg.DeletionID)
	if w.metrics != nil {
		w.metrics.RecordResult(metrics.RateQueueDelete, err)
	}
	if err != nil {
		log.Error().Err(err).Str("deletion_id", msg.DeletionID).Msg("Failed to delete message")
		return
	}
	if w.metrics != nil {
		w.metrics.IncrementCounter(metrics.CounterMessagesDeleted)
	}
}

func (w *Worker) recoverMessage(msg services.QueueMessage) {
	r := recover()
	if r == nil {
		return
	}
	if w.metrics != nil {
		w.metrics.IncrementCounter(metrics.CounterPanicsRecovered)
	}
	event := log.Error().Interface("panic", r).Str("deletion_id", msg.DeletionID)
	if msg.Submission != nil {
		event = event.Str("submission_id", msg.Submission.SubmissionID.String())
	}
	event.Msg("Recovered from panic while processing message")
}

// sleep waits for d or until ctx is cancelled
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
