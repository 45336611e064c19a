package messaging

import (
	"context"

	"github.com/AndreyAD1/telemetry-adapter/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
)

// ServiceBusSender enqueues submissions in the format the worker consumes
type ServiceBusSender struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
}

// NewServiceBusSender creates a sender for the configured queue
func NewServiceBusSender(cfg config.QueueConfig) (*ServiceBusSender, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.Name, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &ServiceBusSender{client: client, sender: sender}, nil
}

// Send enqueues one raw submission JSON document
func (s *ServiceBusSender) Send(ctx context.Context, payload []byte) error {
	if err := s.sender.SendMessage(ctx, EncodePayload(payload), nil); err != nil {
		return errors.Wrap(err, "failed to send message")
	}
	return nil
}

// Close closes the sender and the client
func (s *ServiceBusSender) Close(ctx context.Context) error {
	if err := s.sender.Close(ctx); err != nil {
		return err
	}
	return s.client.Close(ctx)
}
