// Package generator produces the change feed: timed batches of keyed rows that mix fresh inserts
// with updates of two fixed keys, ending with a single delete.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/litetable/litetable-stream/internal/record"
	"github.com/rs/zerolog/log"
)

const (
	// FixedKeyC and FixedKeyD are updated by every batch; FixedKeyC is deleted by the terminal batch.
	FixedKeyC = "334e26e9-8355-45cc-97c6-c31daf0df330"
	FixedKeyD = "7fd3fd07-cf04-4a1d-9511-142736932983"
)

// Generator hands out batches in sequence order. It is safe for concurrent use.
type Generator struct {
	interval   time.Duration
	maxBatches uint64
	keys       KeySource
	clock      clock.Clock
	fields     record.Fields

	mu   sync.Mutex
	rnd  *rand.Rand
	seq  uint64
	done bool
}

type Config struct {
	// Interval between two batches.
	Interval time.Duration
	// MaxBatches is the number of regular batches before the terminal delete batch.
	MaxBatches int
	// Keys defaults to UUIDKeys.
	Keys KeySource
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Seed for fares; zero seeds from the clock.
	Seed int64
	// Fields names the key, order and partition columns of the generated rows.
	Fields record.Fields
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Interval <= 0 {
		errGrp = append(errGrp, errors.New("interval must be positive"))
	}
	if c.MaxBatches < 1 {
		errGrp = append(errGrp, errors.New("max batches must be at least 1"))
	}
	if c.Fields.Key == "" || c.Fields.Order == "" || c.Fields.Partition == "" {
		errGrp = append(errGrp, errors.New("key, order and partition field names are required"))
	}
	return errors.Join(errGrp...)
}

func New(cfg *Config) (*Generator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	keys := cfg.Keys
	if keys == nil {
		keys = UUIDKeys{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = clk.Now().UnixNano()
	}

	return &Generator{
		interval:   cfg.Interval,
		maxBatches: uint64(cfg.MaxBatches),
		keys:       keys,
		clock:      clk,
		fields:     cfg.Fields,
		rnd:        rand.New(rand.NewSource(seed)),
	}, nil
}

// Resume continues numbering after lastSeq, the highest batch already handed to the coordinator
// in an earlier run. The fixed keys are updated, not inserted, once batch 1 is behind.
func (g *Generator) Resume(lastSeq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = lastSeq
	g.done = lastSeq > g.maxBatches
}

// NextBatch builds the next batch. It returns false once the terminal batch has been produced.
func (g *Generator) NextBatch() (record.Batch, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done {
		return record.Batch{}, false
	}

	seq := g.seq + 1
	now := g.clock.Now().UTC()

	var (
		rows []row
		ops  []record.Operation
	)
	if seq > g.maxBatches {
		rows = []row{g.fixedC(now)}
		ops = []record.Operation{record.OperationDelete}
		g.done = true
	} else {
		fixedOp := record.OperationUpdate
		if seq == 1 {
			fixedOp = record.OperationInsert
		}
		rows = []row{
			{key: g.keys.NextKey(), rider: "rider-A", driver: "driver-K", fare: g.fare(), city: "san_francisco", ts: now},
			{key: g.keys.NextKey(), rider: "rider-B", driver: "driver-M", fare: g.fare(), city: "brazil", ts: now},
			g.fixedC(now),
			{key: FixedKeyD, rider: "rider-D", driver: "driver-N", fare: g.fare(), city: "london", ts: now},
		}
		ops = []record.Operation{record.OperationInsert, record.OperationInsert, fixedOp, fixedOp}
	}

	batch := record.Batch{Seq: seq, Created: now, Records: make([]record.ChangeRecord, 0, len(rows))}
	for i, r := range rows {
		rec, err := record.FromJSON(ops[i], r.json(g.fields), g.fields)
		if err != nil {
			// generated rows always carry a key; nothing to emit for this one
			log.Error().Err(err).Uint64("batch", seq).Msg("generator built an invalid record")
			continue
		}
		batch.Records = append(batch.Records, rec)
	}

	g.seq = seq
	return batch, true
}

// Run sends the first batch right away and one more every interval until the terminal batch has
// been sent. It then waits one interval and closes out. Cancelling ctx stops production and
// closes out; a batch is either sent whole or not at all.
func (g *Generator) Run(ctx context.Context, out chan<- record.Batch) error {
	defer close(out)

	for {
		batch, ok := g.NextBatch()
		if !ok {
			break
		}

		select {
		case out <- batch:
			log.Debug().
				Uint64("batch", batch.Seq).
				Int("records", batch.Len()).
				Msg("batch emitted")
		case <-ctx.Done():
			log.Info().Uint64("batch", batch.Seq).Msg("generator stopped before batch was taken")
			return nil
		}

		select {
		case <-g.clock.After(g.interval):
		case <-ctx.Done():
			log.Info().Msg("generator stopped")
			return nil
		}
	}

	log.Info().Uint64("batches", g.Seq()).Msg("generator reached end of stream")
	return nil
}

// Seq returns the sequence of the last batch produced.
func (g *Generator) Seq() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

func (g *Generator) fixedC(now time.Time) row {
	return row{key: FixedKeyC, rider: "rider-C", driver: "driver-L", fare: 15.4, city: "chennai", ts: now}
}

// fare is uniformly distributed in [1, 91), rounded to cents.
func (g *Generator) fare() float64 {
	return math.Round((1.0+g.rnd.Float64()*90)*100) / 100
}

type row struct {
	key    string
	rider  string
	driver string
	fare   float64
	city   string
	ts     time.Time
}

// json renders the row the way an upstream source would, with the configured column names.
func (r row) json(f record.Fields) []byte {
	data, err := json.Marshal(map[string]interface{}{
		f.Order:     r.ts.UnixMilli(),
		f.Key:       r.key,
		"rider":     r.rider,
		"driver":    r.driver,
		"fare":      r.fare,
		f.Partition: r.city,
	})
	if err != nil {
		// a map of primitives always marshals
		panic(fmt.Sprintf("marshal generated row: %v", err))
	}
	return data
}
