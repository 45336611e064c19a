package messaging

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ContentMD5Property is the application property carrying the hex MD5 of the body
const ContentMD5Property = "Content-MD5"

var (
	// ErrReceive means the batch could not be fetched; the caller should back off and retry
	ErrReceive = errors.New("failed to receive messages")
	// ErrCorruptMessage means the body failed its integrity check or could not be decoded
	ErrCorruptMessage = errors.New("corrupt message")
	// ErrUnknownMessage means the deletion id does not belong to a message held by this source
	ErrUnknownMessage = errors.New("unknown message")
)

// Message is a queue record held under a peek lock
type Message struct {
	ID          string
	LockToken   string
	Body        []byte
	Properties  map[string]interface{}
	LockedUntil *time.Time
}

// QueueSource is the queue the worker drains
type QueueSource interface {
	Fetch(ctx context.Context, maxCount int, visibilityTimeout, waitTime time.Duration) ([]*Message, error)
	Delete(ctx context.Context, deletionID string) error
	DeletionID(msg *Message) string
	SubmissionPayload(msg *Message) ([]byte, error)
}

// DecodePayload verifies the body against its declared MD5 and base64 decodes it
func DecodePayload(msg *Message) ([]byte, error) {
	declared, ok := msg.Properties[ContentMD5Property].(string)
	if !ok || declared == "" {
		return nil, errors.Wrap(ErrCorruptMessage, "missing body hash")
	}

	sum := md5.Sum(msg.Body)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), declared) {
		return nil, errors.Wrap(ErrCorruptMessage, "body hash mismatch")
	}

	payload, err := base64.StdEncoding.DecodeString(string(msg.Body))
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptMessage, "body is not base64: %v", err)
	}
	return payload, nil
}

// EncodePayload builds a queue message whose body passes DecodePayload
func EncodePayload(payload []byte) *azservicebus.Message {
	body := []byte(base64.StdEncoding.EncodeToString(payload))
	sum := md5.Sum(body)
	contentType := "application/json"
	return &azservicebus.Message{
		Body:        body,
		ContentType: &contentType,
		ApplicationProperties: map[string]interface{}{
			ContentMD5Property: hex.EncodeToString(sum[:]),
			"time":             time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// ServiceBusSource implements QueueSource with an Azure Service Bus peek-lock receiver
type ServiceBusSource struct {
	client    *azservicebus.Client
	receiver  *azservicebus.Receiver
	queueName string

	mu       sync.Mutex
	inflight map[string]*azservicebus.ReceivedMessage
}

// NewServiceBusSource connects a peek-lock receiver to the configured queue
func NewServiceBusSource(cfg config.QueueConfig) (*ServiceBusSource, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	receiver, err := client.NewReceiverForQueue(cfg.Name, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
	if err != nil {
		_ = client.Close(context.Background())
		return nil, errors.Wrapf(err, "failed to create receiver for queue %s", cfg.Name)
	}

	return &ServiceBusSource{
		client:    client,
		receiver:  receiver,
		queueName: cfg.Name,
		inflight:  make(map[string]*azservicebus.ReceivedMessage),
	}, nil
}

// Fetch receives up to maxCount messages, waiting at most waitTime for the
// first one. Locks shorter than visibilityTimeout are renewed once.
func (s *ServiceBusSource) Fetch(ctx context.Context, maxCount int, visibilityTimeout, waitTime time.Duration) ([]*Message, error) {
	s.pruneExpired()

	fetchCtx := ctx
	if waitTime > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, waitTime)
		defer cancel()
	}

	received, err := s.receiver.ReceiveMessages(fetchCtx, maxCount, nil)
	if err != nil {
		// an elapsed wait with nothing to deliver is an empty batch
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, errors.Wrapf(ErrReceive, "queue %s: %v", s.queueName, err)
	}

	messages := make([]*Message, 0, len(received))
	for _, rm := range received {
		if visibilityTimeout > 0 && rm.LockedUntil != nil && time.Until(*rm.LockedUntil) < visibilityTimeout {
			if err := s.receiver.RenewMessageLock(ctx, rm, nil); err != nil {
				log.Warn().Err(err).Str("message_id", rm.MessageID).Msg("Failed to renew message lock")
			}
		}

		msg := &Message{
			ID:          rm.MessageID,
			LockToken:   uuid.UUID(rm.LockToken).String(),
			Body:        rm.Body,
			Properties:  rm.ApplicationProperties,
			LockedUntil: rm.LockedUntil,
		}

		s.mu.Lock()
		s.inflight[msg.LockToken] = rm
		s.mu.Unlock()

		messages = append(messages, msg)
	}

	return messages, nil
}

// Delete completes the message held under the given lock token
func (s *ServiceBusSource) Delete(ctx context.Context, deletionID string) error {
	s.mu.Lock()
	rm, ok := s.inflight[deletionID]
	delete(s.inflight, deletionID)
	s.mu.Unlock()

	if !ok {
		return errors.Wrap(ErrUnknownMessage, deletionID)
	}

	if err := s.receiver.CompleteMessage(ctx, rm, nil); err != nil {
		return errors.Wrap(err, "failed to complete message")
	}
	return nil
}

// DeletionID returns the lock token used to complete the message
func (s *ServiceBusSource) DeletionID(msg *Message) string {
	return msg.LockToken
}

// SubmissionPayload returns the decoded submission JSON
func (s *ServiceBusSource) SubmissionPayload(msg *Message) ([]byte, error) {
	return DecodePayload(msg)
}

// pruneExpired forgets messages whose lock ran out; the broker will redeliver them
func (s *ServiceBusSource) pruneExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, rm := range s.inflight {
		if rm.LockedUntil != nil && rm.LockedUntil.Before(now) {
			delete(s.inflight, token)
		}
	}
}

// Close closes the receiver and the client
func (s *ServiceBusSource) Close(ctx context.Context) error {
	if s.receiver != nil {
		if err := s.receiver.Close(ctx); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(ctx)
	}
	return nil
}
