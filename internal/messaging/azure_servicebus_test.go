package messaging

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/AndreyAD1/telemetry-adapter/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageFor(payload []byte) *Message {
	encoded := EncodePayload(payload)
	return &Message{
		ID:         "msg-1",
		LockToken:  "6b1f5a34-9d0e-4f8a-a2d5-1f0c3e5b7a90",
		Body:       encoded.Body,
		Properties: encoded.ApplicationProperties,
	}
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	payload := []byte(`{"submission_id":"0b8f4a0e-3a52-4c8a-9a43-2a3f5c0d9e11"}`)

	decoded, err := DecodePayload(messageFor(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodePayloadAcceptsUppercaseHash(t *testing.T) {
	msg := messageFor([]byte(`{}`))
	sum := md5.Sum(msg.Body)
	msg.Properties[ContentMD5Property] = strings.ToUpper(hex.EncodeToString(sum[:]))

	_, err := DecodePayload(msg)
	require.NoError(t, err)
}

func TestDecodePayloadRejectsCorruptBodies(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(msg *Message)
	}{
		{
			name: "hash mismatch",
			mutate: func(msg *Message) {
				msg.Body = append([]byte{}, msg.Body...)
				msg.Body[0] ^= 0x01
			},
		},
		{
			name: "missing hash",
			mutate: func(msg *Message) {
				delete(msg.Properties, ContentMD5Property)
			},
		},
		{
			name: "hash of wrong type",
			mutate: func(msg *Message) {
				msg.Properties[ContentMD5Property] = 42
			},
		},
		{
			name: "body not base64",
			mutate: func(msg *Message) {
				msg.Body = []byte("not base64 at all!")
				sum := md5.Sum(msg.Body)
				msg.Properties[ContentMD5Property] = hex.EncodeToString(sum[:])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := messageFor([]byte(`{"device_id":"x"}`))
			tt.mutate(msg)

			_, err := DecodePayload(msg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorruptMessage))
		})
	}
}

func TestServiceBusSourceDeletionID(t *testing.T) {
	source := &ServiceBusSource{}
	msg := messageFor([]byte(`{}`))

	assert.Equal(t, msg.LockToken, source.DeletionID(msg))
}

func TestServiceBusSourceDeleteUnknownMessage(t *testing.T) {
	source := &ServiceBusSource{inflight: map[string]*azservicebus.ReceivedMessage{}}

	err := source.Delete(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownMessage))
}

func TestNewServiceBusSourceRequiresConnectionString(t *testing.T) {
	_, err := NewServiceBusSource(config.QueueConfig{Name: "submissions"})
	require.Error(t, err)
}
