package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/AndreyAD1/telemetry-adapter/config"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
)

// ElasticLog appends events to an Elasticsearch index, routing every
// partition key to a single shard. The shard's primary term and sequence
// number form the ordering token.
type ElasticLog struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// logDocument is the indexed form of one appended event
type logDocument struct {
	PartitionKey  string          `json:"partition_key"`
	PriorSequence *string         `json:"prior_sequence"`
	Payload       json.RawMessage `json:"payload"`
}

// indexResponse holds the fields of an index response used for the token
type indexResponse struct {
	ID          string `json:"_id"`
	Result      string `json:"result"`
	SeqNo       int64  `json:"_seq_no"`
	PrimaryTerm int64  `json:"_primary_term"`
}

// NewElasticLog creates a new Elasticsearch sink
func NewElasticLog(cfg config.ElasticConfig) (*ElasticLog, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticLog{client: client, config: cfg}, nil
}

// SequenceToken formats a shard position so tokens of one partition sort lexically
func SequenceToken(primaryTerm, seqNo int64) string {
	return fmt.Sprintf("%020d-%020d", primaryTerm, seqNo)
}

// Put indexes payload into the stream's index and returns its ordering token
func (e *ElasticLog) Put(ctx context.Context, streamName string, payload []byte, partitionKey string, priorToken *string) (string, error) {
	doc, err := json.Marshal(logDocument{
		PartitionKey:  partitionKey,
		PriorSequence: priorToken,
		Payload:       payload,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal log document")
	}

	index := config.FormatIndex(e.config, streamName)
	req := esapi.IndexRequest{
		Index:   index,
		Body:    bytes.NewReader(doc),
		Routing: partitionKey,
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return "", transportError(err, "index %s", index)
	}
	defer res.Body.Close()

	if res.IsError() {
		var body map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			return "", transportError(err, "index %s: status %d", index, res.StatusCode)
		}
		return "", errors.Wrapf(ErrTransport, "index %s: status %d: %v", index, res.StatusCode, body["error"])
	}

	var result indexResponse
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return "", transportError(err, "index %s: decode response", index)
	}

	return SequenceToken(result.PrimaryTerm, result.SeqNo), nil
}
