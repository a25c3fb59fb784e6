// Package natskv provides a store.Backend on top of a NATS JetStream
// key-value bucket, so state survives process restarts and can be inspected
// with the nats CLI.
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/vigil/internal/logging"
	"github.com/arloliu/vigil/internal/natsutil"
	"github.com/arloliu/vigil/store"
	"github.com/arloliu/vigil/types"
)

// DefaultBucket is the bucket name used when Config.Bucket is empty.
const DefaultBucket = "vigil-state"

// Config configures the KV bucket.
type Config struct {
	// Bucket is the KV bucket name.
	Bucket string

	// Replicas is the bucket replication factor (default 1).
	Replicas int

	// History is the number of revisions the bucket keeps per key (default 1).
	// Older revisions are diagnostic only; restore reads the latest.
	History uint8

	// Storage selects file or memory storage (default file).
	Storage jetstream.StorageType

	// CreateTimeout bounds bucket creation, retries included (default 5s).
	CreateTimeout time.Duration

	// Logger receives bucket lifecycle logs (default nop).
	Logger types.Logger
}

// Backend persists records in a JetStream KV bucket.
//
// KV keys are "<namespace>.<key>" with both parts base64url-encoded, since
// store keys may contain characters that are not valid in KV keys.
type Backend struct {
	kv jetstream.KeyValue
}

var _ store.Backend = (*Backend)(nil)

// Open creates or binds the configured bucket.
//
// Parameters:
//   - ctx: Context for bucket creation
//   - js: JetStream context
//   - cfg: Bucket configuration
//
// Returns:
//   - *Backend: Backend bound to the bucket
//   - error: Bucket creation error
//
// Example:
//
//	js, _ := jetstream.New(nc)
//	backend, err := natskv.Open(ctx, js, natskv.Config{Bucket: "robot-state"})
//	if err != nil {
//	    return err
//	}
//	st, err := store.Open(ctx, backend)
func Open(ctx context.Context, js jetstream.JetStream, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if cfg.History == 0 {
		cfg.History = 1
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 5 * time.Second
	}

	createCtx, cancel := context.WithTimeout(ctx, cfg.CreateTimeout)
	defer cancel()

	kv, err := ensureBucket(createCtx, js, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "vigil shared state",
		History:     cfg.History,
		Replicas:    cfg.Replicas,
		Storage:     cfg.Storage,
	}, logging.OrNop(cfg.Logger))
	if err != nil {
		return nil, err
	}

	return &Backend{kv: kv}, nil
}

// New wraps an existing KV bucket.
func New(kv jetstream.KeyValue) *Backend {
	return &Backend{kv: kv}
}

var keyEncoding = base64.RawURLEncoding

func encodeKey(ns, key string) string {
	return keyEncoding.EncodeToString([]byte(ns)) + "." + keyEncoding.EncodeToString([]byte(key))
}

func decodeKey(kvKey string) (ns, key string, err error) {
	nsPart, keyPart, found := strings.Cut(kvKey, ".")
	if !found {
		return "", "", fmt.Errorf("malformed key %q", kvKey)
	}

	nsRaw, err := keyEncoding.DecodeString(nsPart)
	if err != nil {
		return "", "", fmt.Errorf("malformed namespace in %q: %w", kvKey, err)
	}
	keyRaw, err := keyEncoding.DecodeString(keyPart)
	if err != nil {
		return "", "", fmt.Errorf("malformed key in %q: %w", kvKey, err)
	}

	return string(nsRaw), string(keyRaw), nil
}

// Put stores data under (ns, key). Connectivity failures wrap
// types.ErrBackendUnavailable.
func (b *Backend) Put(ctx context.Context, ns, key string, data []byte) error {
	if _, err := b.kv.Put(ctx, encodeKey(ns, key), data); err != nil {
		return natsutil.WrapUnavailable(fmt.Errorf("kv put %s/%s: %w", ns, key, err))
	}

	return nil
}

// Delete removes (ns, key).
func (b *Backend) Delete(ctx context.Context, ns, key string) error {
	err := b.kv.Delete(ctx, encodeKey(ns, key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return natsutil.WrapUnavailable(fmt.Errorf("kv delete %s/%s: %w", ns, key, err))
	}

	return nil
}

// Scan calls fn for the latest value of every live key.
//
// Keys that cannot be decoded are skipped.
func (b *Backend) Scan(ctx context.Context, fn func(ns, key string, data []byte) error) error {
	watcher, err := b.kv.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return fmt.Errorf("kv watch: %w", err)
	}
	defer func() { _ = watcher.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil
			}
			// nil marks the end of the initial values
			if entry == nil {
				return nil
			}

			ns, key, err := decodeKey(entry.Key())
			if err != nil {
				continue
			}
			if err := fn(ns, key, entry.Value()); err != nil {
				return err
			}
		}
	}
}

// Close is a no-op; the NATS connection belongs to the caller.
func (b *Backend) Close() error {
	return nil
}
