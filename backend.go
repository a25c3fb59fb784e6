package vigil

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/vigil/store"
	"github.com/arloliu/vigil/store/badgerdb"
	"github.com/arloliu/vigil/store/natskv"
)

// openBackend builds the backend selected by cfg. The returned connection is
// non-nil for the nats backend and must be drained after the store closes.
func openBackend(ctx context.Context, cfg BackendConfig, logger Logger) (store.Backend, *nats.Conn, error) {
	switch cfg.Type {
	case BackendBadger:
		backend, err := badgerdb.Open(cfg.Badger.Dir, logger)
		if err != nil {
			return nil, nil, err
		}

		return backend, nil, nil

	case BackendNATS:
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("vigil"),
			nats.Timeout(cfg.NATS.ConnectTimeout),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats at %s: %w", cfg.NATS.URL, err)
		}

		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("create jetstream context: %w", err)
		}

		storage := jetstream.FileStorage
		if cfg.NATS.MemoryStorage {
			storage = jetstream.MemoryStorage
		}
		backend, err := natskv.Open(ctx, js, natskv.Config{
			Bucket:        cfg.NATS.Bucket,
			Replicas:      cfg.NATS.Replicas,
			History:       cfg.NATS.History,
			Storage:       storage,
			CreateTimeout: cfg.NATS.ConnectTimeout,
			Logger:        logger,
		})
		if err != nil {
			nc.Close()
			return nil, nil, err
		}

		return backend, nc, nil

	default:
		return nil, nil, nil
	}
}
