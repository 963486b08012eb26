package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"
)

// BadgerConfig holds the shared tier's BadgerDB configuration.
type BadgerConfig struct {
	// Path to the database directory. Empty means in-memory.
	Path string

	// DefaultTTL applies to Set calls that pass no TTL.
	DefaultTTL time.Duration

	// MaxMemoryMB bounds BadgerDB memory use (0 picks a conservative
	// default suitable for running next to the serving process).
	MaxMemoryMB int64
}

// Badger is the durable shared tier. Several serving processes can point
// at replicas warmed from the same catalog; TTLs are enforced by badger
// itself at one-second granularity.
type Badger struct {
	db         *badger.DB
	defaultTTL time.Duration
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}

// NewBadger opens the shared tier. Badger's defaults assume a dedicated
// database host; the overrides here keep it to tens of megabytes so the
// tier can live inside the serving process.
func NewBadger(cfg BadgerConfig, logger *zap.SugaredLogger) (*Badger, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open shared cache: %w", err)
	}
	return &Badger{db: db, defaultTTL: cfg.DefaultTTL}, nil
}

func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("shared cache get: %w", err)
	}
	return value, nil
}

func (b *Badger) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("shared cache set: %w", err)
	}
	return nil
}

func (b *Badger) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("shared cache delete: %w", err)
	}
	return nil
}

// DeletePattern scans the prefix and drops every matching key. The scan
// and the deletes share one transaction, with a context check every
// thousand keys so a shutdown is not held up by a large purge.
func (b *Badger) DeletePattern(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	go func() {
		var n int
		err := b.db.Update(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.PrefetchValues = false
			iterOpts.Prefix = []byte(prefix)

			it := txn.NewIterator(iterOpts)
			defer it.Close()

			var keys [][]byte
			var seen int
			for it.Rewind(); it.Valid(); it.Next() {
				seen++
				if seen%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}
				keys = append(keys, it.Item().KeyCopy(nil))
			}

			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			n = len(keys)
			return nil
		})
		done <- result{n: n, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return 0, fmt.Errorf("shared cache delete pattern: %w", res.err)
		}
		return res.n, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("delete pattern cancelled: %w", ctx.Err())
	}
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// RunGC runs one round of badger's value log garbage collection,
// reclaiming space from expired and overwritten entries. Returns
// badger.ErrNoRewrite when there was nothing worth collecting.
func (b *Badger) RunGC(discardRatio float64) error {
	return b.db.RunValueLogGC(discardRatio)
}

// SizeBytes reports the on-disk footprint (LSM plus value log).
func (b *Badger) SizeBytes() int64 {
	lsm, vlog := b.db.Size()
	return lsm + vlog
}
