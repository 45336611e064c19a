package models

import (
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundRecordDocument(t *testing.T) {
	deviceID := uuid.New()
	now := time.Date(2024, 3, 1, 14, 0, 0, 0, time.FixedZone("CET", 3600))

	event := NetworkConnection{
		SourceIP:        netip.MustParseAddr("10.0.0.1"),
		DestinationIP:   netip.MustParseAddr("2001:db8::1"),
		DestinationPort: 443,
	}
	raw, err := json.Marshal(NewOutboundRecord(deviceID, event, now))
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))

	assert.Equal(t, "network_connection", doc["event_type"])
	assert.Equal(t, deviceID.String(), doc["device_id"])
	assert.Equal(t, "2024-03-01T13:00:00Z", doc["processing_timestamp"])
	_, err = uuid.Parse(doc["id"].(string))
	assert.NoError(t, err)

	details := doc["event_details"].(map[string]interface{})
	assert.Equal(t, "10.0.0.1", details["source_ip"])
	assert.Equal(t, "2001:db8::1", details["destination_ip"])
	assert.Equal(t, float64(443), details["destination_port"])
}

func TestOutboundRecordsGetDistinctIDs(t *testing.T) {
	event := NewProcess{Cmdl: "/bin/sh", User: "root"}
	a := NewOutboundRecord(uuid.New(), event, time.Now())
	b := NewOutboundRecord(uuid.New(), event, time.Now())
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, EventTypeNewProcess, a.EventType)
}

func TestEventsOrder(t *testing.T) {
	s := &Submission{
		NewProcesses: []NewProcess{{Cmdl: "a"}, {Cmdl: "b"}},
		NetworkConnections: []NetworkConnection{
			{DestinationPort: 1},
		},
	}

	events := s.Events()
	require.Len(t, events, s.TotalEvents())
	assert.Equal(t, NewProcess{Cmdl: "a"}, events[0])
	assert.Equal(t, NewProcess{Cmdl: "b"}, events[1])
	assert.Equal(t, EventTypeNetworkConnection, events[2].Type())
}
