package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/AndreyAD1/telemetry-adapter/config"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeElastic is a minimal Elasticsearch endpoint answering index requests
type fakeElastic struct {
	mu       sync.Mutex
	seqNo    int64
	status   int
	requests []*http.Request
	bodies   []map[string]interface{}
}

func (f *fakeElastic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodGet && r.URL.Path == "/" {
		_, _ = w.Write([]byte(`{"version":{"number":"7.17.10","build_flavor":"default"},"tagline":"You Know, for Search"}`))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, body)

	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"type":"mapper_parsing_exception","reason":"failed to parse"},"status":400}`))
		return
	}

	resp := map[string]interface{}{
		"_index":        strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")[0],
		"_id":           "generated",
		"result":        "created",
		"_seq_no":       f.seqNo,
		"_primary_term": 1,
	}
	f.seqNo++
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

func newElasticLog(t *testing.T, handler http.Handler) *ElasticLog {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	sink, err := NewElasticLog(config.ElasticConfig{URL: server.URL, Prefix: "telemetry"})
	require.NoError(t, err)
	return sink
}

func TestElasticLogPutChainsTokens(t *testing.T) {
	fake := &fakeElastic{}
	sink := newElasticLog(t, fake)
	ctx := context.Background()

	first, err := sink.Put(ctx, "events", []byte(`{"n":1}`), "device-1", nil)
	require.NoError(t, err)
	second, err := sink.Put(ctx, "events", []byte(`{"n":2}`), "device-1", &first)
	require.NoError(t, err)

	assert.Equal(t, SequenceToken(1, 0), first)
	assert.Equal(t, SequenceToken(1, 1), second)
	assert.Less(t, first, second)

	require.Len(t, fake.requests, 2)
	assert.Equal(t, "/telemetry-events/_doc", fake.requests[1].URL.Path)
	assert.Equal(t, "device-1", fake.requests[1].URL.Query().Get("routing"))
	assert.Nil(t, fake.bodies[0]["prior_sequence"])
	assert.Equal(t, first, fake.bodies[1]["prior_sequence"])
	assert.Equal(t, map[string]interface{}{"n": float64(2)}, fake.bodies[1]["payload"])
}

func TestElasticLogPutMapsErrorResponses(t *testing.T) {
	sink := newElasticLog(t, &fakeElastic{status: http.StatusBadRequest})

	_, err := sink.Put(context.Background(), "events", []byte(`{}`), "device-1", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestElasticLogPutMapsConnectionErrors(t *testing.T) {
	server := httptest.NewServer(&fakeElastic{})
	server.Close()

	sink, err := NewElasticLog(config.ElasticConfig{URL: server.URL})
	require.NoError(t, err)

	_, err = sink.Put(context.Background(), "events", []byte(`{}`), "device-1", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestSequenceTokenSortsNumerically(t *testing.T) {
	assert.Less(t, SequenceToken(1, 9), SequenceToken(1, 10))
	assert.Less(t, SequenceToken(1, 999), SequenceToken(2, 0))
}

func TestRedisStreamPutMapsConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	sink := NewRedisStreamFromClient(client, 0)
	defer sink.Close()

	_, err := sink.Put(context.Background(), "events", []byte(`{}`), "device-1", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestRedisStreamPutAppendsInOrder(t *testing.T) {
	addr := os.Getenv("TELEMETRY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TELEMETRY_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	sink := NewRedisStreamFromClient(client, 1000)
	defer sink.Close()

	ctx := context.Background()
	stream := "test-events"
	partition := "device-" + strings.ReplaceAll(t.Name(), "/", "-")
	key := StreamKey(stream, partition)
	require.NoError(t, client.Del(ctx, key).Err())

	first, err := sink.Put(ctx, stream, []byte(`{"n":1}`), partition, nil)
	require.NoError(t, err)
	second, err := sink.Put(ctx, stream, []byte(`{"n":2}`), partition, &first)
	require.NoError(t, err)

	entries, err := client.XRange(ctx, key, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[0].ID)
	assert.Equal(t, second, entries[1].ID)
	assert.Equal(t, "", entries[0].Values[FieldPriorSequence])
	assert.Equal(t, first, entries[1].Values[FieldPriorSequence])
	assert.Equal(t, `{"n":2}`, entries[1].Values[FieldPayload])
}

func TestNewEventLogRejectsUnknownDriver(t *testing.T) {
	_, err := NewEventLog(config.Config{Sink: config.SinkConfig{Driver: "kafka"}})
	require.Error(t, err)
}
