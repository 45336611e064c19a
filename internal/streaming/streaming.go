package streaming

import (
	"context"

	"github.com/AndreyAD1/telemetry-adapter/config"

	"github.com/pkg/errors"
)

// ErrTransport wraps every failure to append to the event log
var ErrTransport = errors.New("event log transport failure")

// EventLog is an append-only log partitioned by key. Put returns an ordering
// token for the appended record; passing the previous token on the next Put
// for the same partition chains the records of one submission.
type EventLog interface {
	Put(ctx context.Context, streamName string, payload []byte, partitionKey string, priorToken *string) (string, error)
}

// NewEventLog builds the configured sink driver
func NewEventLog(cfg config.Config) (EventLog, error) {
	switch cfg.Sink.Driver {
	case config.SinkDriverRedis:
		stream, err := NewRedisStream(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return stream, nil
	case config.SinkDriverElastic:
		elastic, err := NewElasticLog(cfg.Elastic)
		if err != nil {
			return nil, err
		}
		return elastic, nil
	default:
		return nil, errors.Errorf("unknown sink driver %q", cfg.Sink.Driver)
	}
}

func transportError(err error, format string, args ...interface{}) error {
	return errors.Wrapf(ErrTransport, format+": %v", append(args, err)...)
}
