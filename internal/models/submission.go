package models

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// EventType tags an event payload on the outbound log
type EventType string

const (
	EventTypeNewProcess        EventType = "new_process"
	EventTypeNetworkConnection EventType = "network_connection"
)

// Event is a typed telemetry payload carried by a submission
type Event interface {
	Type() EventType
}

// NewProcess reports a process started on the device
type NewProcess struct {
	Cmdl string `json:"cmdl"`
	User string `json:"user"`
}

func (NewProcess) Type() EventType { return EventTypeNewProcess }

// NetworkConnection reports an outbound connection opened by the device
type NetworkConnection struct {
	SourceIP        netip.Addr `json:"source_ip"`
	DestinationIP   netip.Addr `json:"destination_ip"`
	DestinationPort int        `json:"destination_port"`
}

func (NetworkConnection) Type() EventType { return EventTypeNetworkConnection }

// Submission is a validated batch of device events parsed from a queue message
type Submission struct {
	SubmissionID       uuid.UUID
	DeviceID           uuid.UUID
	TimeCreated        time.Time
	NewProcesses       []NewProcess
	NetworkConnections []NetworkConnection
}

// Events returns the delivery order: every NewProcess, then every
// NetworkConnection, each kind in its original order. Resumption relies on
// this order being identical on every attempt.
func (s *Submission) Events() []Event {
	events := make([]Event, 0, s.TotalEvents())
	for _, e := range s.NewProcesses {
		events = append(events, e)
	}
	for _, e := range s.NetworkConnections {
		events = append(events, e)
	}
	return events
}

// TotalEvents returns the number of events in the submission
func (s *Submission) TotalEvents() int {
	return len(s.NewProcesses) + len(s.NetworkConnections)
}

// OutboundRecord is the document appended to the event log for one event
type OutboundRecord struct {
	ID                  uuid.UUID `json:"id"`
	EventType           EventType `json:"event_type"`
	DeviceID            uuid.UUID `json:"device_id"`
	ProcessingTimestamp time.Time `json:"processing_timestamp"`
	EventDetails        Event     `json:"event_details"`
}

// NewOutboundRecord wraps an event for sending with a fresh identity
func NewOutboundRecord(deviceID uuid.UUID, event Event, now time.Time) OutboundRecord {
	return OutboundRecord{
		ID:                  uuid.New(),
		EventType:           event.Type(),
		DeviceID:            deviceID,
		ProcessingTimestamp: now.UTC(),
		EventDetails:        event,
	}
}
