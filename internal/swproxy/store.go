package swproxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrEntryTooLarge is returned by Put when a single entry exceeds the store bound.
var ErrEntryTooLarge = errors.New("swproxy: entry exceeds store capacity")

// Store holds named cache generations of request key -> Snapshot.
//
// Implementations must be safe for concurrent use. Concurrent writes to the
// same key are not coordinated; the last write wins.
type Store interface {
	// Open creates the generation if it does not exist yet.
	Open(ctx context.Context, generation string) error

	// Generations lists every generation name present in the store.
	Generations(ctx context.Context) ([]string, error)

	// DeleteGeneration removes a generation and all of its entries.
	DeleteGeneration(ctx context.Context, generation string) error

	// Match returns the stored snapshot for key. ok is false on a miss.
	Match(ctx context.Context, generation, key string) (snap Snapshot, ok bool, err error)

	// Put stores snap under key, replacing any previous entry.
	Put(ctx context.Context, generation, key string, snap Snapshot) error

	// Keys lists the keys of a generation.
	Keys(ctx context.Context, generation string) ([]string, error)

	Close() error
}

// OpenStore builds the store selected by cfg.Type.
func OpenStore(cfg StorageConfig, log *logrus.Logger) (Store, error) {
	if log == nil {
		log = logrus.New()
	}
	switch cfg.Type {
	case StorageMemory, "":
		return newMemoryStore(cfg.maxBytes), nil
	case StorageLevelDB:
		return newLevelDBStore(cfg.Path, cfg.maxBytes, newCodec(cfg.Compression), log)
	case StorageRedis:
		return newRedisStore(cfg.Redis, newCodec(cfg.Compression), log)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (valid: memory, leveldb, redis)", cfg.Type)
	}
}
