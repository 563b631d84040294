// Package checkpoint draws barriers across the batch stream and commits each window exactly once.
//
// Every incoming batch is appended to the write-ahead log before it is buffered. A checkpoint
// applies the buffered window to the table sink under a new barrier, durably records the commit
// point and only then publishes the window and truncates the log. A failed or timed out barrier is
// aborted and the whole window is retried under a new barrier. After a crash, Recover replays the
// log from the last commit point; the sink's merge rule makes the redelivery idempotent.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/litetable/litetable-stream/internal/record"
	"github.com/litetable/litetable-stream/internal/storage"
	"github.com/rs/zerolog/log"
)

const (
	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = time.Minute
	defaultHistory       = 100
)

// Sink applies the records of one barrier.
type Sink interface {
	Begin(barrierID uint64) error
	Apply(ctx context.Context, barrierID uint64, rec record.ChangeRecord) error
	Publish(barrierID uint64) (int, error)
	Abort(ctx context.Context, barrierID uint64) error
}

// Log keeps batches until their barrier commits.
type Log interface {
	Append(b record.Batch) error
	Replay(after uint64, fn func(record.Batch) error) error
	Truncate(upTo uint64) error
	LastSeq() uint64
}

// Committer durably records commit points.
type Committer interface {
	DurableCommit(ctx context.Context, c storage.CommitPoint) error
	LastCommit(ctx context.Context) (storage.CommitPoint, error)
}

type Config struct {
	Sink      Sink
	Log       Log
	Committer Committer

	// Interval between barriers.
	Interval time.Duration
	// Timeout for a barrier to commit.
	Timeout time.Duration
	// MinPause is the minimum time between two successful commits.
	MinPause time.Duration
	// IgnoreFailed skips records whose apply fails instead of stopping the pipeline.
	IgnoreFailed bool

	// Clock defaults to the wall clock.
	Clock clock.Clock
	// RetryDelay is the first delay between attempts of a failed checkpoint; it doubles up to
	// MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// History is the number of barriers kept for inspection.
	History int
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Sink == nil {
		errGrp = append(errGrp, errors.New("sink is required"))
	}
	if c.Log == nil {
		errGrp = append(errGrp, errors.New("log is required"))
	}
	if c.Committer == nil {
		errGrp = append(errGrp, errors.New("committer is required"))
	}
	if c.Interval <= 0 {
		errGrp = append(errGrp, errors.New("checkpoint interval must be positive"))
	}
	if c.Timeout <= 0 {
		errGrp = append(errGrp, errors.New("checkpoint timeout must be positive"))
	}
	if c.MinPause < 0 {
		errGrp = append(errGrp, errors.New("min pause cannot be negative"))
	}
	if c.RetryDelay < 0 || c.MaxRetryDelay < 0 {
		errGrp = append(errGrp, errors.New("retry delays cannot be negative"))
	}
	return errors.Join(errGrp...)
}

type Coordinator struct {
	sink         Sink
	log          Log
	committer    Committer
	interval     time.Duration
	timeout      time.Duration
	minPause     time.Duration
	ignoreFailed bool
	clock        clock.Clock
	retryDelay   time.Duration
	maxDelay     time.Duration
	historySize  int

	// owned by the Run goroutine
	buffer []record.Batch
	nextID uint64

	mutex        sync.RWMutex
	lastCommit   storage.CommitPoint
	lastCommitAt time.Time
	history      []Barrier
}

func New(cfg *Config) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		sink:         cfg.Sink,
		log:          cfg.Log,
		committer:    cfg.Committer,
		interval:     cfg.Interval,
		timeout:      cfg.Timeout,
		minPause:     cfg.MinPause,
		ignoreFailed: cfg.IgnoreFailed,
		clock:        cfg.Clock,
		retryDelay:   cfg.RetryDelay,
		maxDelay:     cfg.MaxRetryDelay,
		historySize:  cfg.History,
		nextID:       1,
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	if c.retryDelay == 0 {
		c.retryDelay = defaultRetryDelay
	}
	if c.maxDelay == 0 {
		c.maxDelay = defaultMaxRetryDelay
	}
	if c.historySize <= 0 {
		c.historySize = defaultHistory
	}
	return c, nil
}

// Recover resumes from the last committed barrier: the next barrier id follows it and every batch
// logged after its sequence is buffered again. It returns the highest batch sequence seen so the
// generator can continue numbering after it.
func (c *Coordinator) Recover(ctx context.Context) (uint64, error) {
	last, err := c.committer.LastCommit(ctx)
	if err != nil && !errors.Is(err, storage.ErrNoCommit) {
		return 0, fmt.Errorf("failed to read last commit: %w", err)
	}

	c.nextID = last.Barrier + 1
	c.buffer = c.buffer[:0]
	c.mutex.Lock()
	c.lastCommit = last
	c.mutex.Unlock()

	lastSeq := last.Seq
	records := 0
	err = c.log.Replay(last.Seq, func(b record.Batch) error {
		c.buffer = append(c.buffer, b)
		records += b.Len()
		if b.Seq > lastSeq {
			lastSeq = b.Seq
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to replay log: %w", err)
	}
	if s := c.log.LastSeq(); s > lastSeq {
		lastSeq = s
	}

	log.Info().
		Uint64("barrier", last.Barrier).
		Uint64("seq", last.Seq).
		Int("batches", len(c.buffer)).
		Int("records", records).
		Msg("recovered from last commit point")
	return lastSeq, nil
}

// Run buffers batches from in and checkpoints them every interval. It returns after a final
// checkpoint once in is closed or ctx is cancelled, or with the error that stopped the pipeline.
func (c *Coordinator) Run(ctx context.Context, in <-chan record.Batch) error {
	timer := c.clock.NewTimer(c.interval)
	defer timer.Stop()

	for {
		select {
		case b, ok := <-in:
			if !ok {
				return c.final(ctx)
			}
			if err := c.enqueue(b); err != nil {
				return err
			}

		case <-timer.Chan():
			timer.Reset(c.interval)
			if len(c.buffer) == 0 {
				continue
			}
			if pause := c.sinceLastCommit(); pause < c.minPause {
				log.Debug().
					Str("sinceLastCommit", pause.String()).
					Msg("minimum pause not reached, deferring checkpoint")
				continue
			}
			if err := c.checkpoint(ctx); err != nil {
				if ctx.Err() != nil {
					return c.final(ctx)
				}
				return err
			}

		case <-ctx.Done():
			// take whatever the producer already handed over
			for drained := false; !drained; {
				select {
				case b, ok := <-in:
					if !ok {
						drained = true
						break
					}
					if err := c.enqueue(b); err != nil {
						return err
					}
				default:
					drained = true
				}
			}
			return c.final(ctx)
		}
	}
}

// Barriers returns the most recent barriers, oldest first.
func (c *Coordinator) Barriers() []Barrier {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return append([]Barrier(nil), c.history...)
}

// LastCommitted returns the last commit point.
func (c *Coordinator) LastCommitted() storage.CommitPoint {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.lastCommit
}

func (c *Coordinator) enqueue(b record.Batch) error {
	if err := c.log.Append(b); err != nil {
		return fmt.Errorf("failed to log batch %d: %w", b.Seq, err)
	}
	c.buffer = append(c.buffer, b)
	return nil
}

func (c *Coordinator) sinceLastCommit() time.Duration {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.lastCommitAt.IsZero() {
		return c.minPause
	}
	return c.clock.Now().Sub(c.lastCommitAt)
}

// final checkpoints what is left in the buffer. With ctx already cancelled there is one attempt.
func (c *Coordinator) final(ctx context.Context) error {
	if len(c.buffer) == 0 {
		return nil
	}
	log.Info().Int("batches", len(c.buffer)).Msg("final checkpoint of buffered batches")

	if ctx.Err() == nil {
		return c.checkpoint(ctx)
	}
	err := c.attempt(context.WithoutCancel(ctx))
	var fatal *fatalError
	if errors.As(err, &fatal) {
		return fatal.err
	}
	return err
}
