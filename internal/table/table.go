// Package table is the merge-on-read sink. It keeps the latest entry per key in memory, sharded
// by key, and writes every accepted change to storage before it becomes part of the table.
//
// Changes applied under a barrier are staged in an overlay. They are only visible to readers once
// the barrier is published, which the checkpoint coordinator does after the durable commit. An
// aborted barrier discards its overlay and rolls its writes back in storage.
//
// Deletes are kept as tombstones so that a stale write arriving after the delete is still
// rejected by the merge rule.
package table

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/litetable/litetable-stream/internal/cdc_emitter"
	"github.com/litetable/litetable-stream/internal/record"
	"github.com/litetable/litetable-stream/internal/storage"
	"github.com/rs/zerolog/log"
)

//go:generate mockgen -destination=table_mock.go -package=table -source=table.go

const defaultShardCount = 16

var (
	errBarrierInFlight = errors.New("another barrier is in flight")
	errUnknownBarrier  = errors.New("barrier is not in flight")
)

// Storage is the durable side of the table.
type Storage interface {
	// DurableWrite stores one entry; it must be crash safe once it returns.
	DurableWrite(ctx context.Context, partition, key string, e storage.Entry) error
	// Load streams every committed entry.
	Load(ctx context.Context, fn func(storage.Entry) error) error
	// Rollback removes the writes of a barrier that will never commit.
	Rollback(ctx context.Context, barrier uint64) error
}

type compactor interface {
	Compact(ctx context.Context) error
}

// shard holds the published entries of the keys hashed to it.
type shard struct {
	entries map[string]storage.Entry
	mutex   sync.RWMutex
}

type Table struct {
	name    string
	storage Storage
	cdc     cdc_emitter.Sink
	shards  []*shard

	// write path, owned by the single writer
	mutex   sync.Mutex
	barrier uint64
	writes  uint64 // writes accepted under barrier
	overlay map[string]staged
	staged  []string // overlay keys in first-staged order
}

type staged struct {
	entry storage.Entry
	op    record.Operation
}

type Config struct {
	Name    string
	Storage Storage
	// CDC receives every published change. Optional.
	CDC cdc_emitter.Sink
	// Shards defaults to 16.
	Shards int
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Name == "" {
		errGrp = append(errGrp, errors.New("table name is required"))
	}
	if c.Storage == nil {
		errGrp = append(errGrp, errors.New("storage is required"))
	}
	if c.Shards < 0 {
		errGrp = append(errGrp, fmt.Errorf("invalid shard count: %d", c.Shards))
	}
	return errors.Join(errGrp...)
}

func New(cfg *Config) (*Table, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	count := cfg.Shards
	if count == 0 {
		count = defaultShardCount
	}
	shards := make([]*shard, count)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]storage.Entry)}
	}

	return &Table{
		name:    cfg.Name,
		storage: cfg.Storage,
		cdc:     cfg.CDC,
		shards:  shards,
		overlay: make(map[string]staged),
	}, nil
}

// Start rebuilds the table from committed storage. Base files and delta logs are reconciled here,
// at read time, with the same merge rule the write path uses.
func (t *Table) Start() error {
	start := time.Now()
	loaded := 0
	err := t.storage.Load(context.Background(), func(e storage.Entry) error {
		loaded++
		s := t.shardFor(e.Key)
		s.mutex.Lock()
		defer s.mutex.Unlock()
		if cur, ok := s.entries[e.Key]; ok && !e.Supersedes(cur) {
			return nil
		}
		s.entries[e.Key] = e
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load table %s: %w", t.name, err)
	}

	log.Info().
		Str("table", t.name).
		Int("entries", loaded).
		Int("live", t.Len()).
		Str("duration", time.Since(start).String()).
		Msg("table loaded")
	return nil
}

// Stop compacts the table when the storage supports it.
func (t *Table) Stop() error {
	c, ok := t.storage.(compactor)
	if !ok {
		return nil
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.barrier != 0 {
		log.Warn().Uint64("barrier", t.barrier).Msg("barrier still in flight, skipping compaction")
		return nil
	}
	return c.Compact(context.Background())
}

func (t *Table) Name() string {
	return "Merge-on-Read Table"
}

// TableName returns the configured table identifier.
func (t *Table) TableName() string {
	return t.name
}

// getShardIndex uses FNV-1a so a key always lands on the same shard.
func (t *Table) getShardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(t.shards)))
}

func (t *Table) shardFor(key string) *shard {
	return t.shards[t.getShardIndex(key)]
}

// published returns the visible entry for key, tombstones included.
func (t *Table) published(key string) (storage.Entry, bool) {
	s := t.shardFor(key)
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}
