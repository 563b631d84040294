package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/litetable/litetable-stream/internal/record"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDisk(t *testing.T) *Disk {
	t.Helper()
	d, err := NewDisk(&DiskConfig{
		BasePath: t.TempDir(),
		Table:    "trips",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func entry(barrier uint64, key string, offset time.Duration, rider string) Entry {
	return Entry{
		Barrier: barrier,
		Key:     key,
		Order:   t0.Add(offset),
		Payload: map[string]record.Value{"rider": record.String(rider)},
	}
}

// loadAll folds Load's output with the merge rule.
func loadAll(t *testing.T, load func(context.Context, func(Entry) error) error) map[string]Entry {
	t.Helper()
	state := make(map[string]Entry)
	err := load(context.Background(), func(e Entry) error {
		if cur, ok := state[e.Key]; ok && !e.Supersedes(cur) {
			return nil
		}
		state[e.Key] = e
		return nil
	})
	require.NoError(t, err)
	return state
}

func TestNewDisk(t *testing.T) {
	tests := map[string]struct {
		cfg     *DiskConfig
		wantErr bool
	}{
		"missing base path": {
			cfg:     &DiskConfig{Table: "trips"},
			wantErr: true,
		},
		"missing table": {
			cfg:     &DiskConfig{BasePath: t.TempDir()},
			wantErr: true,
		},
		"too many base files": {
			cfg:     &DiskConfig{BasePath: t.TempDir(), Table: "trips", MaxBaseFiles: 51},
			wantErr: true,
		},
		"valid": {
			cfg: &DiskConfig{BasePath: t.TempDir(), Table: "trips"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			got, err := NewDisk(tc.cfg)
			if tc.wantErr {
				req.Error(err)
				req.Nil(got)
				return
			}
			req.NoError(err)
			req.DirExists(filepath.Join(got.Root(), timelineDir))
			req.Equal(defaultMaxBaseFiles, got.maxBaseFiles)
		})
	}
}

func TestDisk_CommitVisibility(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	d := newTestDisk(t)

	_, err := d.LastCommit(ctx)
	req.ErrorIs(err, ErrNoCommit)

	req.NoError(d.DurableWrite(ctx, "chennai", "c", entry(1, "c", 0, "rider-C")))
	req.NoError(d.DurableWrite(ctx, "london", "d", entry(1, "d", 0, "rider-D")))
	req.NoError(d.DurableCommit(ctx, CommitPoint{Barrier: 1, Seq: 1, Records: 2, Timestamp: t0}))

	// barrier 2 never commits
	req.NoError(d.DurableWrite(ctx, "chennai", "c", entry(2, "c", time.Second, "rider-X")))

	last, err := d.LastCommit(ctx)
	req.NoError(err)
	req.Equal(uint64(1), last.Barrier)
	req.Equal(uint64(1), last.Seq)

	state := loadAll(t, d.Load)
	req.Len(state, 2)
	req.Equal("rider-C", state["c"].Payload["rider"].Str())
	req.Equal("chennai", state["c"].Partition)

	// the uncommitted line was rolled back by Load
	lines, _, err := d.readLog(partitionDir("chennai"))
	req.NoError(err)
	req.Len(lines, 1)
	req.Equal(uint64(1), lines[0].Barrier)
}

func TestDisk_Rollback(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	d := newTestDisk(t)

	req.NoError(d.DurableWrite(ctx, "chennai", "c", entry(1, "c", 0, "rider-C")))
	req.NoError(d.DurableCommit(ctx, CommitPoint{Barrier: 1, Seq: 1}))
	req.NoError(d.DurableWrite(ctx, "chennai", "c", entry(2, "c", time.Second, "rider-X")))
	req.NoError(d.DurableWrite(ctx, "london", "d", entry(2, "d", time.Second, "rider-D")))

	req.NoError(d.Rollback(ctx, 2))

	chennai, _, err := d.readLog(partitionDir("chennai"))
	req.NoError(err)
	req.Len(chennai, 1)

	london, _, err := d.readLog(partitionDir("london"))
	req.NoError(err)
	req.Empty(london)

	// writes after a rollback go to a fresh handle
	req.NoError(d.DurableWrite(ctx, "london", "d", entry(3, "d", 2*time.Second, "rider-D")))
	req.NoError(d.DurableCommit(ctx, CommitPoint{Barrier: 3, Seq: 2}))
	state := loadAll(t, d.Load)
	req.Len(state, 2)
}

func TestDisk_TornLine(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	d := newTestDisk(t)

	req.NoError(d.DurableWrite(ctx, "chennai", "c", entry(1, "c", 0, "rider-C")))
	req.NoError(d.DurableCommit(ctx, CommitPoint{Barrier: 1, Seq: 1}))

	f, err := os.OpenFile(filepath.Join(d.Root(), partitionDir("chennai"), deltaLogName), os.O_APPEND|os.O_WRONLY, 0640)
	req.NoError(err)
	_, err = f.WriteString(`{"barrier":1,"key":"tor`)
	req.NoError(err)
	req.NoError(f.Close())

	state := loadAll(t, d.Load)
	req.Len(state, 1)

	// the torn tail is gone, so the next append parses
	req.NoError(d.DurableWrite(ctx, "chennai", "f", entry(2, "f", 0, "rider-F")))
	req.NoError(d.DurableCommit(ctx, CommitPoint{Barrier: 2, Seq: 2}))
	state = loadAll(t, d.Load)
	req.Len(state, 2)
}

func TestDisk_Compact(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	d := newTestDisk(t)

	req.NoError(d.DurableWrite(ctx, "chennai", "c", entry(1, "c", 0, "rider-C")))
	req.NoError(d.DurableWrite(ctx, "chennai", "e", entry(1, "e", 0, "rider-E")))
	req.NoError(d.DurableCommit(ctx, CommitPoint{Barrier: 1, Seq: 1}))

	update := entry(2, "c", time.Second, "rider-C2")
	del := Entry{Barrier: 2, Key: "e", Order: t0.Add(time.Second), Tombstone: true}
	req.NoError(d.DurableWrite(ctx, "chennai", "c", update))
	req.NoError(d.DurableWrite(ctx, "chennai", "e", del))
	req.NoError(d.DurableCommit(ctx, CommitPoint{Barrier: 2, Seq: 2}))

	before := loadAll(t, d.Load)
	req.NoError(d.Compact(ctx))

	base, barrier, err := d.latestBase(partitionDir("chennai"))
	req.NoError(err)
	req.NotEmpty(base)
	req.Equal(uint64(2), barrier)

	lines, _, err := d.readLog(partitionDir("chennai"))
	req.NoError(err)
	req.Empty(lines, "compacted lines leave the delta log")

	after := loadAll(t, d.Load)
	req.Equal(len(before), len(after))
	req.Equal("rider-C2", after["c"].Payload["rider"].Str())
	req.True(after["e"].Tombstone, "tombstones survive compaction")

	// compacting twice keeps a single base per barrier and respects the limit
	req.NoError(d.DurableWrite(ctx, "chennai", "c", entry(3, "c", 2*time.Second, "rider-C3")))
	req.NoError(d.DurableCommit(ctx, CommitPoint{Barrier: 3, Seq: 3}))
	req.NoError(d.Compact(ctx))
	req.NoError(d.DurableWrite(ctx, "chennai", "c", entry(4, "c", 3*time.Second, "rider-C4")))
	req.NoError(d.DurableCommit(ctx, CommitPoint{Barrier: 4, Seq: 4}))
	req.NoError(d.Compact(ctx))

	files, err := filepath.Glob(filepath.Join(d.Root(), partitionDir("chennai"), baseFilePrefix+"*"))
	req.NoError(err)
	req.Len(files, defaultMaxBaseFiles)

	final := loadAll(t, d.Load)
	req.Equal("rider-C4", final["c"].Payload["rider"].Str())
}

func TestEntry_Supersedes(t *testing.T) {
	cur := Entry{Order: t0}

	tests := map[string]struct {
		order time.Time
		want  bool
	}{
		"older": {order: t0.Add(-time.Millisecond), want: false},
		"equal": {order: t0, want: true},
		"newer": {order: t0.Add(time.Millisecond), want: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, Entry{Order: tc.order}.Supersedes(cur))
		})
	}
}

func TestEntry_SupersedesTie(t *testing.T) {
	cur := Entry{Order: t0, Barrier: 2, Write: 3}

	tests := map[string]struct {
		incoming Entry
		want     bool
	}{
		"later barrier":          {incoming: Entry{Order: t0, Barrier: 3, Write: 1}, want: true},
		"earlier barrier":        {incoming: Entry{Order: t0, Barrier: 1, Write: 9}, want: false},
		"later write":            {incoming: Entry{Order: t0, Barrier: 2, Write: 4}, want: true},
		"earlier write":          {incoming: Entry{Order: t0, Barrier: 2, Write: 2}, want: false},
		"same write":             {incoming: Entry{Order: t0, Barrier: 2, Write: 3}, want: true},
		"newer order wins first": {incoming: Entry{Order: t0.Add(time.Millisecond), Barrier: 1}, want: true},
		"older order loses":      {incoming: Entry{Order: t0.Add(-time.Millisecond), Barrier: 9}, want: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.incoming.Supersedes(cur))
		})
	}
}

func TestDisk_LoadEqualOrderAcrossPartitions(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	d := newTestDisk(t)

	old := entry(1, "k", 0, "old")
	old.Write = 1
	newer := entry(2, "k", 0, "new")
	newer.Write = 1
	req.NoError(d.DurableWrite(ctx, "zurich", "k", old))
	req.NoError(d.DurableCommit(ctx, CommitPoint{Barrier: 1, Seq: 1}))
	req.NoError(d.DurableWrite(ctx, "amsterdam", "k", newer))
	req.NoError(d.DurableCommit(ctx, CommitPoint{Barrier: 2, Seq: 2}))

	state := loadAll(t, d.Load)
	req.Equal("amsterdam", state["k"].Partition)
	req.Equal("new", state["k"].Payload["rider"].Str())
}

func TestPartitionDir(t *testing.T) {
	require.Equal(t, defaultPartition, partitionDir(""))
	require.Equal(t, "san_francisco", partitionDir("san_francisco"))
	require.Equal(t, "_etc_passwd", partitionDir("/etc/passwd"))
	require.Equal(t, "__", partitionDir("../"))
}
