// Package storage is the durable side of the merge-on-read table.
//
// Writes are appended as change logs per partition and are only visible once the barrier that
// wrote them has a commit instant on the table's timeline. Reconciliation of base files and
// delta logs happens when the table is loaded, not when it is written.
//
// Two backends share the layout: Disk for a local base path and Bucket for S3.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/litetable/litetable-stream/internal/record"
)

const (
	timelineDir    = ".timeline"
	commitSuffix   = ".commit"
	deltaLogName   = "delta.log"
	baseFilePrefix = "base-"
	baseFileSuffix = ".db.lz4"

	// defaultPartition holds records that carry no partition value.
	defaultPartition = "__default__"
)

var (
	// ErrNoCommit is returned by LastCommit when the timeline is empty.
	ErrNoCommit = errors.New("no committed barrier")
)

// Entry is one durable write: either a payload or a tombstone for a key, tagged with the barrier
// that wrote it.
type Entry struct {
	Barrier   uint64                  `json:"barrier"`
	Partition string                  `json:"partition"`
	Key       string                  `json:"key"`
	Order     time.Time               `json:"order"`
	// Write is the entry's position among the writes of its barrier, starting at 1.
	Write     uint64                  `json:"write,omitempty"`
	Tombstone bool                    `json:"tombstone,omitempty"`
	Payload   map[string]record.Value `json:"payload,omitempty"`
}

// Supersedes is the merge rule shared by the table, loading and compaction: the newer order
// wins. Equal orders go to the later write, by barrier and then by position in the barrier, so
// the result does not depend on the order entries are read back in. Re-applying the same entry
// is a no-op.
func (e Entry) Supersedes(current Entry) bool {
	if !e.Order.Equal(current.Order) {
		return e.Order.After(current.Order)
	}
	if e.Barrier != current.Barrier {
		return e.Barrier > current.Barrier
	}
	return e.Write >= current.Write
}

// CommitPoint is the durable record of a committed barrier.
type CommitPoint struct {
	Barrier   uint64    `json:"barrier"`
	Seq       uint64    `json:"seq"`
	Records   int       `json:"records"`
	Timestamp time.Time `json:"timestamp"`
}

// partitionDir maps a partition value to a path segment.
func partitionDir(partition string) string {
	if partition == "" {
		return defaultPartition
	}
	// keep partitions inside the table directory
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(partition)
}

func commitName(barrier uint64) string {
	return fmt.Sprintf("%020d%s", barrier, commitSuffix)
}

func parseCommitName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, commitSuffix) {
		return 0, false
	}
	var barrier uint64
	if _, err := fmt.Sscanf(strings.TrimSuffix(name, commitSuffix), "%d", &barrier); err != nil {
		return 0, false
	}
	return barrier, true
}

// committedSet turns a list of commit points into a lookup keyed by barrier, returning the
// latest as well.
func committedSet(points []CommitPoint) (map[uint64]struct{}, CommitPoint) {
	set := make(map[uint64]struct{}, len(points))
	var latest CommitPoint
	for _, p := range points {
		set[p.Barrier] = struct{}{}
		if p.Barrier > latest.Barrier {
			latest = p
		}
	}
	return set, latest
}
