// Package pipeline runs the change feed end to end: the generator feeds the checkpoint
// coordinator, which commits each window into the table.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/litetable/litetable-stream/internal/record"
	"github.com/rs/zerolog/log"
)

//go:generate mockgen -destination=pipeline_mock.go -package=pipeline -source=pipeline.go

const (
	defaultBuffer       = 16
	defaultDrainTimeout = 30 * time.Second
)

// Source produces the batches.
type Source interface {
	Run(ctx context.Context, out chan<- record.Batch) error
	Resume(lastSeq uint64)
}

// Coordinator checkpoints the batches it receives.
type Coordinator interface {
	Recover(ctx context.Context) (uint64, error)
	Run(ctx context.Context, in <-chan record.Batch) error
}

// Table is loaded before recovery and stopped after the last checkpoint.
type Table interface {
	Start() error
	Stop() error
}

type Pipeline struct {
	source       Source
	coordinator  Coordinator
	table        Table
	buffer       int
	drainTimeout time.Duration
	closers      []io.Closer

	cancelSource      context.CancelFunc
	cancelCoordinator context.CancelFunc
	sourceDone        chan struct{}
	done              chan struct{}
	err               error
	stopOnce          sync.Once
	stopErr           error
}

type Config struct {
	Source      Source
	Coordinator Coordinator
	Table       Table
	// Buffer is the number of batches that can wait for the coordinator.
	Buffer int
	// DrainTimeout bounds the final checkpoint on Stop. When it passes, the coordinator is
	// cancelled and gets one last attempt.
	DrainTimeout time.Duration
	// Closers release what the pipeline writes into, such as the batch log and the storage
	// backend. They are closed in order after the table is stopped.
	Closers []io.Closer
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Source == nil {
		errGrp = append(errGrp, errors.New("source is required"))
	}
	if c.Coordinator == nil {
		errGrp = append(errGrp, errors.New("coordinator is required"))
	}
	if c.Table == nil {
		errGrp = append(errGrp, errors.New("table is required"))
	}
	if c.Buffer < 0 {
		errGrp = append(errGrp, fmt.Errorf("invalid buffer size: %d", c.Buffer))
	}
	if c.DrainTimeout < 0 {
		errGrp = append(errGrp, errors.New("drain timeout cannot be negative"))
	}
	return errors.Join(errGrp...)
}

func New(cfg *Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		source:       cfg.Source,
		coordinator:  cfg.Coordinator,
		table:        cfg.Table,
		buffer:       cfg.Buffer,
		drainTimeout: cfg.DrainTimeout,
		closers:      cfg.Closers,
		sourceDone:   make(chan struct{}),
		done:         make(chan struct{}),
	}
	if p.buffer == 0 {
		p.buffer = defaultBuffer
	}
	if p.drainTimeout == 0 {
		p.drainTimeout = defaultDrainTimeout
	}
	return p, nil
}

// Start loads the table, recovers the coordinator from the last commit point and starts the
// source after the last batch that was logged. It does not block.
func (p *Pipeline) Start() error {
	start := time.Now()
	if err := p.table.Start(); err != nil {
		return err
	}

	lastSeq, err := p.coordinator.Recover(context.Background())
	if err != nil {
		return fmt.Errorf("failed to recover: %w", err)
	}
	p.source.Resume(lastSeq)

	sourceCtx, cancelSource := context.WithCancel(context.Background())
	coordCtx, cancelCoordinator := context.WithCancel(context.Background())
	p.cancelSource = cancelSource
	p.cancelCoordinator = cancelCoordinator

	batches := make(chan record.Batch, p.buffer)
	go func() {
		defer close(p.sourceDone)
		if err := p.source.Run(sourceCtx, batches); err != nil {
			log.Error().Err(err).Msg("source stopped with error")
		}
	}()
	go func() {
		defer close(p.done)
		p.err = p.coordinator.Run(coordCtx, batches)
		if p.err != nil {
			// nothing reads the channel anymore
			cancelSource()
			log.Error().Err(p.err).Msg("pipeline stopped")
			return
		}
		log.Info().Msg("pipeline drained")
	}()

	log.Info().
		Uint64("resumeAfter", lastSeq).
		Str("duration", time.Since(start).String()).
		Msg("pipeline started")
	return nil
}

// Stop stops the source, waits for the final checkpoint, stops the table and closes the closers.
// It is safe to call more than once.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.drain()
		for _, c := range p.closers {
			if err := c.Close(); err != nil {
				p.stopErr = errors.Join(p.stopErr, err)
			}
		}
	})
	return p.stopErr
}

func (p *Pipeline) drain() error {
	if p.cancelSource == nil {
		return nil
	}
	p.cancelSource()
	<-p.sourceDone

	select {
	case <-p.done:
	case <-time.After(p.drainTimeout):
		log.Warn().
			Str("timeout", p.drainTimeout.String()).
			Msg("final checkpoint did not finish in time, cancelling")
		p.cancelCoordinator()
		<-p.done
	}
	p.cancelCoordinator()

	return p.table.Stop()
}

func (p *Pipeline) Name() string {
	return "Change Pipeline"
}

// Done is closed once the coordinator has returned, either because the source ended and the last
// window committed or because an error stopped it.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that stopped the coordinator. It is only meaningful after Done is closed.
func (p *Pipeline) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}
