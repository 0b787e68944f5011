package natsclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zserrors "github.com/c360/zonestream/errors"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Nil(t, client.Connection())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(" ")
	assert.ErrorIs(t, err, zserrors.ErrMissingConfig)

	_, err = NewClient("nats://localhost:4222", WithTimeout(0))
	assert.True(t, zserrors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithReconnectWait(-time.Second))
	assert.True(t, zserrors.IsInvalid(err))
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
	assert.False(t, client.GetStatus().LastFailureTime.IsZero())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxBackoff(3*time.Second))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 3*time.Second, client.Backoff(), "capped at max backoff")
}

func TestCircuitBreaker_HalfOpens(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.testCircuit()
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestConnect_UnreachableServer(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(500*time.Millisecond),
		WithMaxReconnects(0),
		WithCircuitBreakerThreshold(2))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, zserrors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, client.Status())

	err = client.Connect(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, client.Status())

	// fails fast while open
	assert.ErrorIs(t, client.Connect(ctx), ErrCircuitOpen)
	assert.ErrorIs(t, client.Health(ctx), ErrCircuitOpen)
}

func TestConnect_ContextCancelled(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1", WithMaxReconnects(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = client.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, int32(1), client.Failures())
}

func TestClient_OperationsRequireConnection(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, client.Publish(ctx, "zones.events.loaded", []byte("{}")), ErrNotConnected)

	_, err = client.Request(ctx, "zonestream.world.load", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, client.Subscribe(ctx, "x", nil), ErrNotConnected)

	_, err = client.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "ZONE_ADJACENCY"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.GetKeyValueBucket(ctx, "ZONE_ADJACENCY")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, client.Health(ctx), ErrNotConnected)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCredentials("user", "secret"), WithToken("tok"))
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.Empty(t, client.password)
	assert.Empty(t, client.token)

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, zserrors.ErrShuttingDown)
}

func TestBuildConnectionOptions(t *testing.T) {
	plain, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	auth, err := NewClient("nats://localhost:4222",
		WithCredentials("user", "pass"), WithToken("tok"), WithName("zonestream"))
	require.NoError(t, err)

	assert.Len(t, auth.buildConnectionOptions(), len(plain.buildConnectionOptions())+3)
}

func TestIsAlreadyExistsError(t *testing.T) {
	assert.False(t, isAlreadyExistsError(nil))
	assert.True(t, isAlreadyExistsError(jetstream.ErrBucketExists))
	assert.True(t, isAlreadyExistsError(errors.New("stream name already in use")))
	assert.False(t, isAlreadyExistsError(errors.New("timeout")))
}

// fakeKV implements the parts of jetstream.KeyValue used by KVStore
type fakeKV struct {
	jetstream.KeyValue

	mu        sync.Mutex
	data      map[string][]byte
	rev       uint64
	failPuts  int
	failGets  int
	getCalls  int
	putCalls  int
	deleteErr error
}

type fakeEntry struct {
	jetstream.KeyValueEntry
	value []byte
	rev   uint64
}

func (e fakeEntry) Value() []byte    { return e.value }
func (e fakeEntry) Revision() uint64 { return e.rev }

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (f *fakeKV) Bucket() string { return "ZONE_ADJACENCY" }

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.failGets > 0 {
		f.failGets--
		return nil, errors.New("nats: timeout")
	}
	v, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{value: v, rev: f.rev}, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.failPuts > 0 {
		f.failPuts--
		return 0, errors.New("nats: connection closed")
	}
	f.rev++
	f.data[key] = value
	return f.rev, nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.data, key)
	return nil
}

func fastKV(o *KVOptions) {
	o.RetryDelay = time.Millisecond
	o.MaxRetryDelay = 2 * time.Millisecond
}

func TestKVStore_GetPut(t *testing.T) {
	fake := newFakeKV()
	kv := NewKVStore(fake, fastKV)
	ctx := context.Background()
	assert.Equal(t, "ZONE_ADJACENCY", kv.Bucket())

	rev, err := kv.Put(ctx, "harbor", []byte(`["market"]`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	entry, err := kv.Get(ctx, "harbor")
	require.NoError(t, err)
	assert.Equal(t, "harbor", entry.Key)
	assert.Equal(t, []byte(`["market"]`), entry.Value)
	assert.Equal(t, uint64(1), entry.Revision)
}

func TestKVStore_NotFoundIsNotRetried(t *testing.T) {
	fake := newFakeKV()
	kv := NewKVStore(fake, fastKV)

	_, err := kv.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
	assert.True(t, IsKVNotFoundError(err))
	assert.Equal(t, 1, fake.getCalls)
}

func TestKVStore_RetriesTransientFailures(t *testing.T) {
	fake := newFakeKV()
	fake.failPuts = 2
	fake.failGets = 1
	kv := NewKVStore(fake, fastKV)
	ctx := context.Background()

	_, err := kv.Put(ctx, "harbor", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 3, fake.putCalls)

	_, err = kv.Get(ctx, "harbor")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.getCalls)
}

func TestKVStore_RetryBudget(t *testing.T) {
	fake := newFakeKV()
	fake.failPuts = 100
	kv := NewKVStore(fake, fastKV, func(o *KVOptions) { o.MaxRetries = 2 })

	_, err := kv.Put(context.Background(), "harbor", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, 3, fake.putCalls)
}

func TestKVStore_ValueSizeLimit(t *testing.T) {
	fake := newFakeKV()
	kv := NewKVStore(fake, func(o *KVOptions) { o.MaxValueSize = 4 })

	_, err := kv.Put(context.Background(), "k", []byte("too large"))
	assert.ErrorIs(t, err, ErrKVValueTooBig)
	assert.True(t, zserrors.IsInvalid(err))
	assert.Equal(t, 0, fake.putCalls)
}

func TestKVStore_JSON(t *testing.T) {
	fake := newFakeKV()
	kv := NewKVStore(fake, fastKV)
	ctx := context.Background()

	_, err := kv.PutJSON(ctx, "harbor", []string{"market", "lighthouse"})
	require.NoError(t, err)

	var got []string
	require.NoError(t, kv.GetJSON(ctx, "harbor", &got))
	assert.Equal(t, []string{"market", "lighthouse"}, got)

	fake.data["broken"] = []byte("{")
	err = kv.GetJSON(ctx, "broken", &got)
	assert.ErrorIs(t, err, zserrors.ErrInvalidData)
}

func TestKVStore_DeleteMissingKey(t *testing.T) {
	fake := newFakeKV()
	fake.deleteErr = jetstream.ErrKeyNotFound
	kv := NewKVStore(fake, fastKV)

	assert.NoError(t, kv.Delete(context.Background(), "missing"))
}
