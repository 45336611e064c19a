package services

import (
	"bytes"
	"encoding/json"
	"math"
	"net/netip"
	"strconv"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/internal/messaging"
	"github.com/AndreyAD1/telemetry-adapter/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrInvalidSubmission means the payload decoded but does not describe a valid submission
var ErrInvalidSubmission = errors.New("invalid submission")

// PayloadReader extracts identity and content from queue messages
type PayloadReader interface {
	DeletionID(msg *messaging.Message) string
	SubmissionPayload(msg *messaging.Message) ([]byte, error)
}

// QueueMessage is a fetched message after intake. Submission is nil for invalid messages.
type QueueMessage struct {
	DeletionID string
	Submission *models.Submission
	Err        error
}

// submissionPayload is the wire shape of a submission
type submissionPayload struct {
	SubmissionID string         `json:"submission_id" validate:"required,uuidv4"`
	DeviceID     string         `json:"device_id" validate:"required,uuidv4"`
	TimeCreated  *timestamp     `json:"time_created" validate:"required"`
	Events       *eventsPayload `json:"events" validate:"required"`
}

type eventsPayload struct {
	NewProcess        []newProcessPayload        `json:"new_process" validate:"required,dive"`
	NetworkConnection []networkConnectionPayload `json:"network_connection" validate:"required,dive"`
}

type newProcessPayload struct {
	Cmdl *string `json:"cmdl" validate:"required"`
	User *string `json:"user" validate:"required"`
}

type networkConnectionPayload struct {
	SourceIP        string `json:"source_ip" validate:"required,ip"`
	DestinationIP   string `json:"destination_ip" validate:"required,ip"`
	DestinationPort int    `json:"destination_port" validate:"gt=0,lte=65535"`
}

// Intake turns raw queue messages into validated submissions
type Intake struct {
	reader   PayloadReader
	validate *validator.Validate
}

// NewIntake creates a new intake over the given reader
func NewIntake(reader PayloadReader) *Intake {
	validate := validator.New()
	// the built-in uuid4 tag rejects upper case hex
	_ = validate.RegisterValidation("uuidv4", func(fl validator.FieldLevel) bool {
		id, err := uuid.Parse(fl.Field().String())
		return err == nil && id.Version() == 4
	})

	return &Intake{
		reader:   reader,
		validate: validate,
	}
}

// Classify splits a batch into valid and invalid messages. Invalid messages
// carry only their deletion id and the reason they were rejected.
func (in *Intake) Classify(messages []*messaging.Message) (valid, invalid []QueueMessage) {
	for _, msg := range messages {
		deletionID := in.reader.DeletionID(msg)

		submission, err := in.parse(msg)
		if err != nil {
			log.Warn().Err(err).Str("deletion_id", deletionID).Str("message_id", msg.ID).Msg("Rejecting invalid message")
			invalid = append(invalid, QueueMessage{DeletionID: deletionID, Err: err})
			continue
		}

		valid = append(valid, QueueMessage{DeletionID: deletionID, Submission: submission})
	}
	return valid, invalid
}

func (in *Intake) parse(msg *messaging.Message) (*models.Submission, error) {
	payload, err := in.reader.SubmissionPayload(msg)
	if err != nil {
		return nil, err
	}
	return in.ParseSubmission(payload)
}

// ParseSubmission decodes and validates one submission JSON document
func (in *Intake) ParseSubmission(payload []byte) (*models.Submission, error) {
	var wire submissionPayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, errors.Wrapf(ErrInvalidSubmission, "decode: %v", err)
	}
	if err := in.validate.Struct(wire); err != nil {
		return nil, errors.Wrapf(ErrInvalidSubmission, "validate: %v", err)
	}

	submission := &models.Submission{
		SubmissionID:       uuid.MustParse(wire.SubmissionID),
		DeviceID:           uuid.MustParse(wire.DeviceID),
		TimeCreated:        wire.TimeCreated.Time,
		NewProcesses:       make([]models.NewProcess, 0, len(wire.Events.NewProcess)),
		NetworkConnections: make([]models.NetworkConnection, 0, len(wire.Events.NetworkConnection)),
	}

	for _, p := range wire.Events.NewProcess {
		submission.NewProcesses = append(submission.NewProcesses, models.NewProcess{Cmdl: *p.Cmdl, User: *p.User})
	}

	for _, c := range wire.Events.NetworkConnection {
		source, err := netip.ParseAddr(c.SourceIP)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidSubmission, "source_ip: %v", err)
		}
		destination, err := netip.ParseAddr(c.DestinationIP)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidSubmission, "destination_ip: %v", err)
		}
		submission.NetworkConnections = append(submission.NetworkConnections, models.NetworkConnection{
			SourceIP:        source,
			DestinationIP:   destination,
			DestinationPort: c.DestinationPort,
		})
	}

	return submission, nil
}

// timestamp accepts RFC 3339 times, times without an offset (read as UTC)
// and Unix epochs as numbers or numeric strings. Epochs above 2e10 are
// taken as milliseconds.
type timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func (t *timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '"' {
		return t.parseEpoch(string(data))
	}

	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		t.Time = parsed
		return nil
	}
	if parsed, err := time.Parse("2006-01-02 15:04:05.999999999Z07:00", value); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	if err := t.parseEpoch(value); err == nil {
		return nil
	}
	return errors.Errorf("unsupported time format %q", value)
}

func (t *timestamp) parseEpoch(value string) error {
	epoch, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(epoch) || math.IsInf(epoch, 0) {
		return errors.Errorf("unsupported time value %s", value)
	}
	if math.Abs(epoch) > 2e10 {
		epoch /= 1000
	}
	sec, frac := math.Modf(epoch)
	t.Time = time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
	return nil
}
