package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog/log"
)

// Compact folds every committed entry of each partition into a new lz4 compressed base file named
// after the latest committed barrier, then drops the folded lines from the delta log and prunes
// old base files. Tombstones are kept in the base so a stale write can never resurrect a key.
//
// Compaction is only run when no barrier is in flight.
func (d *Disk) Compact(ctx context.Context) error {
	start := time.Now()

	points, err := d.commits()
	if err != nil {
		return err
	}
	if len(points) == 0 {
		log.Debug().Msg("nothing committed, skipping compaction")
		return nil
	}
	committed, latest := committedSet(points)

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

		resolved := make(map[string]Entry)
		merge := func(e Entry) error {
			if cur, ok := resolved[e.Key]; ok && !e.Supersedes(cur) {
				return nil
			}
			resolved[e.Key] = e
			return nil
		}

		base, baseBarrier, err := d.latestBase(p)
		if err != nil {
			return err
		}
		if base != "" {
			if err = readBase(base, merge); err != nil {
				return err
			}
		}

		lines, _, err := d.readLog(p)
		if err != nil {
			return err
		}
		var remaining []Entry
		folded := 0
		for _, e := range lines {
			_, ok := committed[e.Barrier]
			switch {
			case ok && e.Barrier <= latest.Barrier:
				_ = merge(e)
				folded++
			case e.Barrier > latest.Barrier:
				remaining = append(remaining, e)
			}
		}
		if folded == 0 && baseBarrier == latest.Barrier {
			continue
		}

		if err = writeBase(filepath.Join(d.root, p), latest.Barrier, resolved); err != nil {
			return err
		}
		if err = d.rewriteLog(p, remaining); err != nil {
			return err
		}
		d.pruneBases(p)

		log.Debug().
			Str("partition", p).
			Int("keys", len(resolved)).
			Int("folded", folded).
			Msg("partition compacted")
	}

	log.Info().
		Str("duration", time.Since(start).String()).
		Uint64("barrier", latest.Barrier).
		Msg("compaction complete")
	return nil
}

func baseName(barrier uint64) string {
	return fmt.Sprintf("%s%020d%s", baseFilePrefix, barrier, baseFileSuffix)
}

// latestBase returns the newest base file of a partition and the barrier it was compacted at.
func (d *Disk) latestBase(p string) (string, uint64, error) {
	files, err := filepath.Glob(filepath.Join(d.root, p, baseFilePrefix+"*"+baseFileSuffix))
	if err != nil {
		return "", 0, err
	}
	if len(files) == 0 {
		return "", 0, nil
	}

	// zero padded names sort chronologically
	sort.Strings(files)
	latest := files[len(files)-1]

	var barrier uint64
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(latest), baseFilePrefix), baseFileSuffix)
	if _, err = fmt.Sscanf(name, "%d", &barrier); err != nil {
		return "", 0, fmt.Errorf("malformed base file name %s: %w", latest, err)
	}
	return latest, barrier, nil
}

// pruneBases deletes the oldest base files beyond the configured limit.
func (d *Disk) pruneBases(p string) {
	files, err := filepath.Glob(filepath.Join(d.root, p, baseFilePrefix+"*"+baseFileSuffix))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list base files")
		return
	}
	if len(files) <= d.maxBaseFiles {
		return
	}

	sort.Strings(files)
	for i := 0; i < len(files)-d.maxBaseFiles; i++ {
		if err = os.Remove(files[i]); err != nil {
			log.Error().Err(err).Msgf("Failed to remove old base file %s", files[i])
		} else {
			log.Debug().Msgf("Pruned old base file: %s", files[i])
		}
	}
}

// writeBase stores the resolved entries as lz4 compressed JSON lines, sorted by key.
func writeBase(dir string, barrier uint64, resolved map[string]Entry) error {
	keys := make([]string, 0, len(resolved))
	for k := range resolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	for _, k := range keys {
		data, err := json.Marshal(resolved[k])
		if err != nil {
			return fmt.Errorf("failed to marshal base entry: %w", err)
		}
		if _, err = zw.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to compress base entry: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish base file: %w", err)
	}

	return writeFileAtomic(dir, baseName(barrier), buf.Bytes())
}

// readBase decompresses a base file and streams its entries to fn.
func readBase(path string, fn func(Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open base file %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(lz4.NewReader(file))
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		var e Entry
		if err = json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("failed to parse base file %s: %w", path, err)
		}
		if err = fn(e); err != nil {
			return err
		}
	}
	if err = scanner.Err(); err != nil {
		return fmt.Errorf("failed to read base file %s: %w", path, err)
	}
	return nil
}
