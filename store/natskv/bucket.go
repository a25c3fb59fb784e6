package natskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/vigil/internal/natsutil"
	"github.com/arloliu/vigil/types"
)

const (
	bucketBackoffMin = 50 * time.Millisecond
	bucketBackoffMax = time.Second
)

// ensureBucket binds the bucket, creating it when it does not exist yet.
//
// Connectivity failures are retried with exponential backoff until ctx is
// done; the last one is returned wrapped in types.ErrBackendUnavailable. Any
// other error (bad config, permissions) fails immediately.
func ensureBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig, logger types.Logger) (jetstream.KeyValue, error) {
	backoff := bucketBackoffMin
	for attempt := 1; ; attempt++ {
		kv, err := bindOrCreate(ctx, js, cfg, logger)
		if err == nil {
			return kv, nil
		}

		err = natsutil.WrapUnavailable(err)
		if !errors.Is(err, types.ErrBackendUnavailable) {
			return nil, err
		}

		logger.Warn("state bucket unavailable, retrying",
			"bucket", cfg.Bucket, "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("bucket %s: %w", cfg.Bucket, err)
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, bucketBackoffMax)
	}
}

func bindOrCreate(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig, logger types.Logger) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		logger.Debug("state bucket bound", "bucket", cfg.Bucket)
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("bind bucket %s: %w", cfg.Bucket, err)
	}

	kv, err = js.CreateKeyValue(ctx, cfg)
	switch {
	case err == nil:
		logger.Info("state bucket created",
			"bucket", cfg.Bucket, "history", cfg.History, "replicas", cfg.Replicas, "storage", cfg.Storage)

		return kv, nil
	case errors.Is(err, jetstream.ErrBucketExists):
		// created by someone else between the lookup and the create
		return js.KeyValue(ctx, cfg.Bucket)
	default:
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}
}
