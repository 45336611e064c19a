package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/internal/metrics"
	"github.com/AndreyAD1/telemetry-adapter/internal/models"
	"github.com/AndreyAD1/telemetry-adapter/internal/repositories"
	"github.com/AndreyAD1/telemetry-adapter/internal/streaming"
	"github.com/AndreyAD1/telemetry-adapter/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const testStream = "telemetry-events"

// sinkPut is one append observed by memorySink
type sinkPut struct {
	Stream    string
	Partition string
	Prior     *string
	Token     string
	Record    map[string]interface{}
}

// memorySink is an EventLog kept in memory. failOn is consulted with the
// zero-based call number before each append.
type memorySink struct {
	mu     sync.Mutex
	calls  int
	puts   []sinkPut
	failOn func(call int) error
}

func (s *memorySink) Put(_ context.Context, streamName string, payload []byte, partitionKey string, priorToken *string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := s.calls
	s.calls++
	if s.failOn != nil {
		if err := s.failOn(call); err != nil {
			return "", err
		}
	}

	var record map[string]interface{}
	if err := json.Unmarshal(payload, &record); err != nil {
		return "", err
	}

	var prior *string
	if priorToken != nil {
		p := *priorToken
		prior = &p
	}

	token := fmt.Sprintf("%s-%05d", partitionKey, len(s.puts))
	s.puts = append(s.puts, sinkPut{
		Stream:    streamName,
		Partition: partitionKey,
		Prior:     prior,
		Token:     token,
		Record:    record,
	})
	return token, nil
}

func (s *memorySink) Puts() []sinkPut {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkPut(nil), s.puts...)
}

// failAtCall makes the sink fail on one call with a transport error
func failAtCall(n int) func(int) error {
	return func(call int) error {
		if call == n {
			return errors.Wrap(streaming.ErrTransport, "connection reset")
		}
		return nil
	}
}

// newSubmission builds a submission with the given number of events of each kind
func newSubmission(processes, connections int) *models.Submission {
	s := &models.Submission{
		SubmissionID: uuid.New(),
		DeviceID:     uuid.New(),
		TimeCreated:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for i := 0; i < processes; i++ {
		s.NewProcesses = append(s.NewProcesses, models.NewProcess{
			Cmdl: fmt.Sprintf("/usr/bin/proc-%d", i),
			User: "root",
		})
	}
	for i := 0; i < connections; i++ {
		s.NetworkConnections = append(s.NetworkConnections, models.NetworkConnection{
			SourceIP:        netip.MustParseAddr("10.0.0.1"),
			DestinationIP:   netip.MustParseAddr("192.168.1.10"),
			DestinationPort: 8000 + i,
		})
	}
	return s
}

// newPipeline wires a submission service over the given ledger and sink
func newPipeline(repo repositories.SubmissionRepository, sink streaming.EventLog) *SubmissionService {
	collector := metrics.NewMetrics()
	return NewSubmissionService(
		NewCoordinator(repo),
		NewPublisher(repo, sink, testStream, collector),
		collector,
		tracing.Disabled(),
	)
}

func strPtr(s string) *string {
	return &s
}
