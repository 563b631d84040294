package generator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/litetable/litetable-stream/internal/record"
	"github.com/stretchr/testify/require"
)

var testFields = record.Fields{Key: "uuid", Order: "ts", Partition: "city"}

func newTestGenerator(t *testing.T, maxBatches int, clk *testclock.Clock) *Generator {
	t.Helper()
	g, err := New(&Config{
		Interval:   10 * time.Second,
		MaxBatches: maxBatches,
		Keys:       &SequenceKeys{Prefix: "key-"},
		Clock:      clk,
		Seed:       42,
		Fields:     testFields,
	})
	require.NoError(t, err)
	return g
}

func TestNew(t *testing.T) {
	tests := map[string]struct {
		cfg     *Config
		wantErr bool
	}{
		"zero interval": {
			cfg:     &Config{MaxBatches: 1, Fields: testFields},
			wantErr: true,
		},
		"no batches": {
			cfg:     &Config{Interval: time.Second, Fields: testFields},
			wantErr: true,
		},
		"missing fields": {
			cfg:     &Config{Interval: time.Second, MaxBatches: 1},
			wantErr: true,
		},
		"defaults": {
			cfg: &Config{Interval: time.Second, MaxBatches: 1, Fields: testFields},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			got, err := New(tc.cfg)
			if tc.wantErr {
				req.Error(err)
				req.Nil(got)
				return
			}
			req.NoError(err)
			req.IsType(UUIDKeys{}, got.keys)
		})
	}
}

func TestUUIDKeys(t *testing.T) {
	k := UUIDKeys{}.NextKey()
	_, err := uuid.Parse(k)
	require.NoError(t, err)
	require.NotEqual(t, k, UUIDKeys{}.NextKey())
}

func TestGenerator_NextBatch(t *testing.T) {
	req := require.New(t)
	clk := testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	g := newTestGenerator(t, 10, clk)

	live := make(map[string]struct{})
	for n := uint64(1); n <= 10; n++ {
		b, ok := g.NextBatch()
		req.True(ok)
		req.Equal(n, b.Seq)
		req.Equal(4, b.Len())

		for i, r := range b.Records {
			switch i {
			case 0, 1:
				req.Equal(record.OperationInsert, r.Operation())
			default:
				if n == 1 {
					req.Equal(record.OperationInsert, r.Operation())
				} else {
					req.Equal(record.OperationUpdate, r.Operation())
				}
			}
			live[r.Key()] = struct{}{}
		}
		req.Equal(FixedKeyC, b.Records[2].Key())
		req.Equal("chennai", b.Records[2].Partition())
		req.Equal(FixedKeyD, b.Records[3].Key())
		req.Equal("london", b.Records[3].Partition())

		fare, ok := b.Records[2].Field("fare")
		req.True(ok)
		req.Equal(15.4, fare.Float())

		clk.Advance(10 * time.Second)
	}
	req.Len(live, 22)

	terminal, ok := g.NextBatch()
	req.True(ok)
	req.Equal(uint64(11), terminal.Seq)
	req.Equal(1, terminal.Len())
	req.Equal(record.OperationDelete, terminal.Records[0].Operation())
	req.Equal(FixedKeyC, terminal.Records[0].Key())

	_, ok = g.NextBatch()
	req.False(ok, "end of stream")
}

func TestGenerator_Deterministic(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestGenerator(t, 3, testclock.NewClock(start))
	b := newTestGenerator(t, 3, testclock.NewClock(start))

	for {
		ba, okA := a.NextBatch()
		bb, okB := b.NextBatch()
		require.Equal(t, okA, okB)
		if !okA {
			return
		}
		require.Equal(t, ba.Len(), bb.Len())
		for i := range ba.Records {
			require.True(t, ba.Records[i].Equal(bb.Records[i]), "batch %d record %d", ba.Seq, i)
		}
	}
}

func TestGenerator_Resume(t *testing.T) {
	req := require.New(t)
	g := newTestGenerator(t, 3, testclock.NewClock(time.Now()))

	g.Resume(2)
	b, ok := g.NextBatch()
	req.True(ok)
	req.Equal(uint64(3), b.Seq)
	req.Equal(record.OperationUpdate, b.Records[2].Operation())

	g.Resume(4)
	_, ok = g.NextBatch()
	req.False(ok, "the terminal batch was already produced")
}

func TestGenerator_Run(t *testing.T) {
	req := require.New(t)
	clk := testclock.NewClock(time.Now())
	g := newTestGenerator(t, 2, clk)

	out := make(chan record.Batch, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background(), out) }()

	recv := func() record.Batch {
		select {
		case b, ok := <-out:
			req.True(ok)
			return b
		case <-time.After(5 * time.Second):
			req.FailNow("timed out waiting for batch")
		}
		return record.Batch{}
	}

	req.Equal(uint64(1), recv().Seq)
	req.NoError(clk.WaitAdvance(10*time.Second, time.Second, 1))
	req.Equal(uint64(2), recv().Seq)
	req.NoError(clk.WaitAdvance(10*time.Second, time.Second, 1))
	terminal := recv()
	req.Equal(uint64(3), terminal.Seq)
	req.Equal(record.OperationDelete, terminal.Records[0].Operation())

	// terminal wait, then end of stream
	req.NoError(clk.WaitAdvance(10*time.Second, time.Second, 1))
	select {
	case _, ok := <-out:
		req.False(ok)
	case <-time.After(5 * time.Second):
		req.FailNow("out was not closed")
	}
	req.NoError(<-errCh)
}

func TestGenerator_RunCancel(t *testing.T) {
	req := require.New(t)
	clk := testclock.NewClock(time.Now())
	g := newTestGenerator(t, 10, clk)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan record.Batch)
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx, out) }()

	b := <-out
	req.Equal(uint64(1), b.Seq)

	cancel()
	req.NoError(<-errCh)

	// nothing half-sent: the channel is closed and drained
	_, ok := <-out
	req.False(ok)
}
