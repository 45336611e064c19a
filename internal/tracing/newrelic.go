package tracing

import (
	"time"

	"github.com/AndreyAD1/telemetry-adapter/config"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Tracer defines the interface for tracing
type Tracer interface {
	StartTransaction(name string) *newrelic.Transaction
	StartSegment(txn *newrelic.Transaction, name string) *newrelic.Segment
	EndTransaction(txn *newrelic.Transaction)
	RecordError(txn *newrelic.Transaction, err error)
	AddAttribute(txn *newrelic.Transaction, key string, value interface{})
	Application() *newrelic.Application
	Close()
}

// NewRelicTracer implements Tracer using New Relic. A tracer without a
// license key is disabled and every method is a no-op.
type NewRelicTracer struct {
	app     *newrelic.Application
	enabled bool
}

// NewTracer creates a new tracer
func NewTracer(cfg config.TracingConfig) (*NewRelicTracer, error) {
	if cfg.LicenseKey == "" {
		log.Warn().Msg("New Relic license key not provided, tracing will be disabled")
		return &NewRelicTracer{}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(cfg.DistribTracing),
		newrelic.ConfigAppLogForwardingEnabled(cfg.LogEnabled),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize New Relic")
	}

	return &NewRelicTracer{app: app, enabled: true}, nil
}

// Disabled returns a tracer that records nothing
func Disabled() *NewRelicTracer {
	return &NewRelicTracer{}
}

// StartTransaction starts a new transaction
func (t *NewRelicTracer) StartTransaction(name string) *newrelic.Transaction {
	if !t.enabled {
		return nil
	}
	return t.app.StartTransaction(name)
}

// StartSegment starts a segment within a transaction; End on the result is nil-safe
func (t *NewRelicTracer) StartSegment(txn *newrelic.Transaction, name string) *newrelic.Segment {
	if !t.enabled || txn == nil {
		return nil
	}
	return txn.StartSegment(name)
}

// EndTransaction ends a transaction
func (t *NewRelicTracer) EndTransaction(txn *newrelic.Transaction) {
	if !t.enabled || txn == nil {
		return
	}
	txn.End()
}

// RecordError records an error in a transaction
func (t *NewRelicTracer) RecordError(txn *newrelic.Transaction, err error) {
	if !t.enabled || txn == nil || err == nil {
		return
	}
	txn.NoticeError(err)
}

// AddAttribute adds an attribute to a transaction
func (t *NewRelicTracer) AddAttribute(txn *newrelic.Transaction, key string, value interface{}) {
	if !t.enabled || txn == nil {
		return
	}
	txn.AddAttribute(key, value)
}

// Application exposes the agent for HTTP middleware; nil when disabled
func (t *NewRelicTracer) Application() *newrelic.Application {
	return t.app
}

// Close flushes pending data to New Relic
func (t *NewRelicTracer) Close() {
	if !t.enabled {
		return
	}
	t.app.Shutdown(10 * time.Second)
	log.Info().Msg("New Relic tracer shutdown")
}
