package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/retry"
	"github.com/litetable/litetable-stream/internal/record"
	"github.com/litetable/litetable-stream/internal/storage"
	"github.com/litetable/litetable-stream/internal/table"
	"github.com/rs/zerolog/log"
)

// checkpoint commits the buffered window, retrying under a fresh barrier until it commits, a
// fatal error occurs or ctx is cancelled.
func (c *Coordinator) checkpoint(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(stop)
		case <-done:
		}
	}()

	var (
		lastErr error
		fatal   *fatalError
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			err := c.attempt(ctx)
			errors.As(err, &fatal)
			return err
		},
		IsFatalError: func(error) bool {
			return fatal != nil
		},
		NotifyFunc: func(err error, attempt int) {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("checkpoint aborted, retrying window")
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       c.retryDelay,
		MaxDelay:    c.maxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.clock,
		Stop:        stop,
	})
	switch {
	case err == nil:
		return nil
	case fatal != nil:
		return fatal.err
	case retry.IsRetryStopped(err):
		return fmt.Errorf("checkpoint retries stopped: %w", lastErr)
	}
	return err
}

// attempt runs one barrier over the whole buffered window.
func (c *Coordinator) attempt(ctx context.Context) error {
	start := time.Now()
	id := c.nextID
	c.nextID++

	b := Barrier{ID: id, Timestamp: c.clock.Now(), State: StatePending}
	if len(c.buffer) > 0 {
		b.FirstSeq = c.buffer[0].Seq
		b.LastSeq = c.buffer[len(c.buffer)-1].Seq
	}
	c.record(b)

	if err := c.sink.Begin(id); err != nil {
		return c.abort(ctx, &b, err)
	}
	b.State = StateInFlight
	c.record(b)

	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	for _, batch := range c.buffer {
		for _, rec := range batch.Records {
			if actx.Err() != nil {
				return c.abort(ctx, &b, c.windowErr(ctx, actx, id, actx.Err()))
			}

			err := c.sink.Apply(actx, id, rec)
			if err == nil {
				b.Records++
				continue
			}

			var (
				invalid  *record.InvalidRecordError
				applyErr *table.ApplyError
			)
			switch {
			case errors.As(err, &invalid):
				log.Warn().Err(err).Uint64("barrier", id).Msg("dropping invalid record")
				b.Skipped++
			case actx.Err() != nil:
				return c.abort(ctx, &b, c.windowErr(ctx, actx, id, err))
			case errors.As(err, &applyErr) && c.ignoreFailed:
				log.Warn().
					Err(err).
					Uint64("barrier", id).
					Str("key", applyErr.Key).
					Str("partition", applyErr.Partition).
					Msg("ignoring failed record")
				b.Skipped++
			case errors.As(err, &applyErr):
				return c.abort(ctx, &b, &fatalError{err: err})
			default:
				return c.abort(ctx, &b, err)
			}
		}
	}

	commit := storage.CommitPoint{
		Barrier:   id,
		Seq:       b.LastSeq,
		Records:   b.Records,
		Timestamp: c.clock.Now().UTC(),
	}
	if err := c.committer.DurableCommit(actx, commit); err != nil {
		return c.abort(ctx, &b, c.windowErr(ctx, actx, id, err))
	}

	// durable from here on: publishing cannot be undone
	published, err := c.sink.Publish(id)
	if err != nil {
		log.Error().Err(err).Uint64("barrier", id).Msg("failed to publish committed barrier")
	}

	b.State = StateCommitted
	c.record(b)
	c.mutex.Lock()
	c.lastCommit = commit
	c.lastCommitAt = c.clock.Now()
	c.mutex.Unlock()
	c.buffer = c.buffer[:0]

	if err = c.log.Truncate(commit.Seq); err != nil {
		log.Warn().Err(err).Uint64("seq", commit.Seq).Msg("failed to truncate log after commit")
	}

	log.Info().
		Uint64("barrier", id).
		Uint64("firstSeq", b.FirstSeq).
		Uint64("lastSeq", b.LastSeq).
		Int("records", b.Records).
		Int("skipped", b.Skipped).
		Int("published", published).
		Str("duration", time.Since(start).String()).
		Msg("checkpoint committed")
	return nil
}

// windowErr turns an error seen while the window context is done into a timeout when the window
// deadline, not the caller, ended it.
func (c *Coordinator) windowErr(ctx, actx context.Context, id uint64, err error) error {
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return &CheckpointTimeoutError{Barrier: id, Timeout: c.timeout, Err: err}
	}
	return err
}

// abort marks the barrier ABORTED and rolls its writes back. The returned error is cause.
func (c *Coordinator) abort(ctx context.Context, b *Barrier, cause error) error {
	b.State = StateAborted
	b.Error = cause.Error()
	c.record(*b)

	if err := c.sink.Abort(context.WithoutCancel(ctx), b.ID); err != nil {
		log.Error().Err(err).Uint64("barrier", b.ID).Msg("failed to roll back aborted barrier")
	}
	log.Warn().Err(cause).Uint64("barrier", b.ID).Msg("barrier aborted")
	return cause
}

// record stores the latest state of a barrier in the history.
func (c *Coordinator) record(b Barrier) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if n := len(c.history); n > 0 && c.history[n-1].ID == b.ID {
		c.history[n-1] = b
		return
	}
	c.history = append(c.history, b)
	if len(c.history) > c.historySize {
		c.history = c.history[len(c.history)-c.historySize:]
	}
}
