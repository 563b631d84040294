package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	defaultMaxBaseFiles = 2
	maxLineSize         = 4 * 1024 * 1024
)

// Disk stores a table under <BasePath>/<Table>: one directory per partition holding an
// append-only delta log and compacted base files, and a timeline directory of commit instants.
type Disk struct {
	root         string
	maxBaseFiles int

	mutex sync.Mutex
	logs  map[string]*os.File // partition directory -> open delta log
}

type DiskConfig struct {
	BasePath string
	Table    string
	// MaxBaseFiles is the number of compacted base files kept per partition.
	MaxBaseFiles int
}

func (c *DiskConfig) validate() error {
	var errGrp []error
	if c.BasePath == "" {
		errGrp = append(errGrp, errors.New("base path is required"))
	}
	if c.Table == "" {
		errGrp = append(errGrp, errors.New("table name is required"))
	}
	if c.MaxBaseFiles < 0 || c.MaxBaseFiles > 50 {
		errGrp = append(errGrp, errors.New("max base files must be between 1 and 50"))
	}
	return errors.Join(errGrp...)
}

// NewDisk creates the table directories and returns a Disk store.
func NewDisk(cfg *DiskConfig) (*Disk, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	root := filepath.Join(cfg.BasePath, cfg.Table)
	if err := os.MkdirAll(filepath.Join(root, timelineDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create table directory: %w", err)
	}

	maxBase := cfg.MaxBaseFiles
	if maxBase == 0 {
		maxBase = defaultMaxBaseFiles
	}

	return &Disk{
		root:         root,
		maxBaseFiles: maxBase,
		logs:         make(map[string]*os.File),
	}, nil
}

// Root returns the table directory.
func (d *Disk) Root() string {
	return d.root
}

// DurableWrite appends the entry to the partition's delta log and syncs it before returning.
func (d *Disk) DurableWrite(ctx context.Context, partition, key string, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.Partition = partition
	e.Key = key

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	file, err := d.openLog(partitionDir(partition))
	if err != nil {
		return err
	}
	if _, err = file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to delta log: %w", err)
	}
	if err = file.Sync(); err != nil {
		return fmt.Errorf("failed to sync delta log: %w", err)
	}
	return nil
}

// DurableCommit writes the commit instant for a barrier. The file is written to a temporary name
// and renamed so a crash never leaves a half-written instant on the timeline.
func (d *Disk) DurableCommit(ctx context.Context, c CommitPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal commit: %w", err)
	}

	dir := filepath.Join(d.root, timelineDir)
	return writeFileAtomic(dir, commitName(c.Barrier), data)
}

// LastCommit returns the newest commit instant, or ErrNoCommit.
func (d *Disk) LastCommit(ctx context.Context) (CommitPoint, error) {
	points, err := d.commits()
	if err != nil {
		return CommitPoint{}, err
	}
	if len(points) == 0 {
		return CommitPoint{}, ErrNoCommit
	}
	_, latest := committedSet(points)
	return latest, nil
}

// Load streams every committed entry to fn: the newest base file of each partition first, then
// the committed lines of its delta log in append order. Lines written by barriers that never
// committed are rolled back.
func (d *Disk) Load(ctx context.Context, fn func(Entry) error) error {
	points, err := d.commits()
	if err != nil {
		return err
	}
	committed, _ := committedSet(points)

	partitions, err := d.partitions()
	if err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, p := range partitions {
		if err = ctx.Err(); err != nil {
			return err
		}

		base, _, err := d.latestBase(p)
		if err != nil {
			return err
		}
		if base != "" {
			if err = readBase(base, fn); err != nil {
				return err
			}
		}

		lines, malformed, err := d.readLog(p)
		if err != nil {
			return err
		}

		var kept []Entry
		rolledBack := 0
		for _, e := range lines {
			if _, ok := committed[e.Barrier]; !ok {
				rolledBack++
				continue
			}
			kept = append(kept, e)
			if err = fn(e); err != nil {
				return err
			}
		}

		// a torn tail must go before the next append lands behind it
		if rolledBack > 0 || malformed > 0 {
			log.Info().
				Str("partition", p).
				Int("entries", rolledBack).
				Msg("rolling back uncommitted delta log entries")
			if err = d.rewriteLog(p, kept); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rollback removes every delta log entry written by barrier.
func (d *Disk) Rollback(ctx context.Context, barrier uint64) error {
	partitions, err := d.partitions()
	if err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, p := range partitions {
		if err = ctx.Err(); err != nil {
			return err
		}
		lines, malformed, err := d.readLog(p)
		if err != nil {
			return err
		}

		kept := lines[:0]
		for _, e := range lines {
			if e.Barrier != barrier {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(lines) && malformed == 0 {
			continue
		}
		if err = d.rewriteLog(p, kept); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the open delta logs.
func (d *Disk) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var errs []error
	for p, f := range d.logs {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close delta log %s: %w", p, err))
		}
		delete(d.logs, p)
	}
	return errors.Join(errs...)
}

func (d *Disk) commits() ([]CommitPoint, error) {
	dir := filepath.Join(d.root, timelineDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read timeline: %w", err)
	}

	var points []CommitPoint
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := parseCommitName(entry.Name()); !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read commit %s: %w", entry.Name(), err)
		}
		var c CommitPoint
		if err = json.Unmarshal(data, &c); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping malformed commit instant")
			continue
		}
		points = append(points, c)
	}
	return points, nil
}

// partitions lists the partition directories, sorted.
func (d *Disk) partitions() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read table directory: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == timelineDir {
			continue
		}
		out = append(out, entry.Name())
	}
	sort.Strings(out)
	return out, nil
}

// openLog returns the cached append handle for a partition. Callers hold d.mutex.
func (d *Disk) openLog(p string) (*os.File, error) {
	if f, ok := d.logs[p]; ok {
		return f, nil
	}
	dir := filepath.Join(d.root, p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, deltaLogName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open delta log: %w", err)
	}
	d.logs[p] = f
	return f, nil
}

// readLog parses a partition's delta log and reports how many lines could not be parsed.
// Callers hold d.mutex.
func (d *Disk) readLog(p string) ([]Entry, int, error) {
	file, err := os.Open(filepath.Join(d.root, p, deltaLogName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open delta log: %w", err)
	}
	defer file.Close()

	var entries []Entry
	malformed := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err = json.Unmarshal(line, &e); err != nil {
			// a torn final line from a crash mid-append
			log.Warn().Err(err).Str("partition", p).Msg("skipping malformed delta log entry")
			malformed++
			continue
		}
		entries = append(entries, e)
	}
	if err = scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read delta log: %w", err)
	}
	return entries, malformed, nil
}

// rewriteLog replaces a partition's delta log with entries. Callers hold d.mutex.
func (d *Disk) rewriteLog(p string, entries []Entry) error {
	if f, ok := d.logs[p]; ok {
		_ = f.Close()
		delete(d.logs, p)
	}

	var buf []byte
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	return writeFileAtomic(filepath.Join(d.root, p), deltaLogName, buf)
}

// writeFileAtomic writes data to dir/name through a synced temporary file and a rename.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once renamed
		_ = os.Remove(tmpName)
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err = os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}
