package natsclient

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/pkg/retry"
)

// Well-known KV errors
var (
	ErrKVKeyNotFound = stderrors.New("kv: key not found")
	ErrKVValueTooBig = stderrors.New("kv: value exceeds maximum size")
)

// KVEntry wraps a KV entry with its revision
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operations behavior
type KVOptions struct {
	MaxRetries    int           // retries of transient failures
	RetryDelay    time.Duration // initial delay between retries
	MaxRetryDelay time.Duration
	Timeout       time.Duration // per operation, retries included
	MaxValueSize  int
}

// DefaultKVOptions returns the KV defaults
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:    3,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: time.Second,
		Timeout:       5 * time.Second,
		MaxValueSize:  1024 * 1024,
	}
}

// KVStore wraps a bucket with timeouts and retries of transient failures
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
}

// NewKVStore creates a KV store over bucket
func NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{bucket: bucket, options: options}
}

// Bucket returns the bucket name
func (kv *KVStore) Bucket() string {
	return kv.bucket.Bucket()
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

func (kv *KVStore) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  kv.options.MaxRetries + 1,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     kv.options.MaxRetryDelay,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Get retrieves a value with its revision
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	return retry.DoWithResult(ctx, kv.retryConfig(), func() (*KVEntry, error) {
		entry, err := kv.bucket.Get(ctx, key)
		if err != nil {
			if IsKVNotFoundError(err) {
				return nil, retry.Permanent(ErrKVKeyNotFound)
			}
			return nil, errors.WrapTransient(err, "KVStore", "Get", "get "+key)
		}
		return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
	})
}

// Put creates or updates a key (last writer wins)
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: %d > %d bytes", ErrKVValueTooBig, len(value), kv.options.MaxValueSize),
			"KVStore", "Put", "check value size")
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	return retry.DoWithResult(ctx, kv.retryConfig(), func() (uint64, error) {
		rev, err := kv.bucket.Put(ctx, key, value)
		if err != nil {
			return 0, errors.WrapTransient(err, "KVStore", "Put", "put "+key)
		}
		return rev, nil
	})
}

// Delete removes a key. Deleting a missing key is not an error.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	return retry.Do(ctx, kv.retryConfig(), func() error {
		if err := kv.bucket.Delete(ctx, key); err != nil && !IsKVNotFoundError(err) {
			return errors.WrapTransient(err, "KVStore", "Delete", "delete "+key)
		}
		return nil
	})
}

// GetJSON decodes the value of key into v
func (kv *KVStore) GetJSON(ctx context.Context, key string, v any) error {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(entry.Value, v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "KVStore", "GetJSON", "decode "+key)
	}
	return nil
}

// PutJSON encodes v as the value of key
func (kv *KVStore) PutJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, errors.WrapInvalid(err, "KVStore", "PutJSON", "encode "+key)
	}
	return kv.Put(ctx, key, data)
}

// IsKVNotFoundError checks if error indicates key not found
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}
