package table

import (
	"context"
	"fmt"

	"github.com/litetable/litetable-stream/internal/cdc_emitter"
	"github.com/litetable/litetable-stream/internal/record"
	"github.com/litetable/litetable-stream/internal/storage"
	"github.com/rs/zerolog/log"
)

// ApplyError is returned when the durable write of an accepted record fails.
type ApplyError struct {
	Key       string
	Partition string
	Err       error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s (partition %q): %v", e.Key, e.Partition, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// Begin opens the overlay for a barrier. Only one barrier can be in flight.
func (t *Table) Begin(barrierID uint64) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if barrierID == 0 {
		return fmt.Errorf("%w: 0", errUnknownBarrier)
	}
	if t.barrier != 0 {
		return fmt.Errorf("%w: %d", errBarrierInFlight, t.barrier)
	}
	t.barrier = barrierID
	t.writes = 0
	clear(t.overlay)
	t.staged = t.staged[:0]
	return nil
}

// Apply merges one record into the barrier's overlay.
//
// The record replaces the current entry for its key, staged or published, only when its order is
// newer or equal. Older records are stale and ignored. A DELETE stages a tombstone under the same
// rule. Accepted records are written to storage first; a failed write returns an *ApplyError and
// leaves the overlay unchanged.
func (t *Table) Apply(ctx context.Context, barrierID uint64, rec record.ChangeRecord) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.barrier == 0 || t.barrier != barrierID {
		return fmt.Errorf("%w: %d", errUnknownBarrier, barrierID)
	}
	if !rec.Operation().IsValid() {
		return fmt.Errorf("record %s: unknown operation %d", rec.Key(), rec.Operation())
	}

	incoming := storage.Entry{
		Barrier:   barrierID,
		Partition: rec.Partition(),
		Key:       rec.Key(),
		Order:     rec.Order(),
		Write:     t.writes + 1,
		Tombstone: rec.Operation() == record.OperationDelete,
	}
	if !incoming.Tombstone {
		incoming.Payload = rec.Payload()
	}

	if cur, ok := t.current(rec.Key()); ok && !incoming.Supersedes(cur) {
		log.Debug().
			Str("key", rec.Key()).
			Str("operation", rec.Operation().String()).
			Time("order", rec.Order()).
			Time("current", cur.Order).
			Msg("ignoring stale record")
		return nil
	}

	// a failed write may still have reached storage, so its position is never reused
	t.writes++
	if err := t.storage.DurableWrite(ctx, incoming.Partition, incoming.Key, incoming); err != nil {
		return &ApplyError{Key: rec.Key(), Partition: rec.Partition(), Err: err}
	}

	if _, ok := t.overlay[incoming.Key]; !ok {
		t.staged = append(t.staged, incoming.Key)
	}
	t.overlay[incoming.Key] = staged{entry: incoming, op: rec.Operation()}
	return nil
}

// Publish makes the barrier's overlay visible and emits the changes. It is called once the
// barrier is durably committed.
func (t *Table) Publish(barrierID uint64) (int, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.barrier == 0 || t.barrier != barrierID {
		return 0, fmt.Errorf("%w: %d", errUnknownBarrier, barrierID)
	}

	for _, key := range t.staged {
		st := t.overlay[key]
		s := t.shardFor(key)
		s.mutex.Lock()
		s.entries[key] = st.entry
		s.mutex.Unlock()

		if t.cdc != nil {
			t.cdc.Emit(&cdc_emitter.Change{
				Table:     t.name,
				Barrier:   barrierID,
				Operation: st.op,
				Key:       key,
				Partition: st.entry.Partition,
				Order:     st.entry.Order,
				Tombstone: st.entry.Tombstone,
				Payload:   st.entry.Payload,
			})
		}
	}

	published := len(t.staged)
	t.barrier = 0
	clear(t.overlay)
	t.staged = t.staged[:0]
	return published, nil
}

// Abort discards the overlay and rolls the barrier's writes back in storage.
func (t *Table) Abort(ctx context.Context, barrierID uint64) error {
	t.mutex.Lock()
	if t.barrier == barrierID {
		t.barrier = 0
		clear(t.overlay)
		t.staged = t.staged[:0]
	}
	t.mutex.Unlock()

	if err := t.storage.Rollback(ctx, barrierID); err != nil {
		return fmt.Errorf("failed to roll back barrier %d: %w", barrierID, err)
	}
	return nil
}

// current returns the staged entry for key, else the published one. Callers hold t.mutex.
func (t *Table) current(key string) (storage.Entry, bool) {
	if st, ok := t.overlay[key]; ok {
		return st.entry, true
	}
	return t.published(key)
}
