package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/litetable/litetable-stream/internal/record"
	"github.com/rs/zerolog/log"
)

const (
	defaultWalDirectory = "wal"
	defaultWALFile      = "wal.log"
	maxLineSize         = 16 * 1024 * 1024
)

var errOutOfOrder = errors.New("batch sequence must increase")

// Entry is one generator batch as it sits in the log.
type Entry struct {
	Seq       uint64                `json:"seq"`
	Timestamp time.Time             `json:"timestamp"`
	Records   []record.ChangeRecord `json:"records"`
}

// Manager is the source log the checkpoint coordinator writes every batch into before it is
// buffered. Batches stay in the log until the barrier that applied them is committed, so a restart
// can redeliver everything after the last commit point.
type Manager struct {
	mu      sync.RWMutex
	walFile *os.File
	path    string
	lastSeq uint64
}

type Config struct {
	// Path where the WAL directory will be saved
	Path string
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Path == "" {
		errGrp = append(errGrp, errors.New("wal path cannot be empty"))
	}
	return errors.Join(errGrp...)
}

// New opens (or creates) <Path>/wal/wal.log and reads the last batch sequence it holds.
func New(cfg *Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	walPath := filepath.Join(cfg.Path, defaultWalDirectory, defaultWALFile)
	if err := os.MkdirAll(filepath.Dir(walPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	m := &Manager{path: walPath}
	if err := m.scan(func(e Entry) error {
		m.lastSeq = e.Seq
		return nil
	}); err != nil {
		return nil, err
	}

	if err := m.open(); err != nil {
		return nil, err
	}
	if err := m.terminateTornTail(); err != nil {
		return nil, err
	}
	return m, nil
}

// Append writes the batch to the log and syncs the file. A batch is either fully in the log or,
// after a torn write, skipped on replay.
func (m *Manager) Append(b record.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.Seq <= m.lastSeq {
		return fmt.Errorf("%w: got %d after %d", errOutOfOrder, b.Seq, m.lastSeq)
	}

	jsonData, err := json.Marshal(&Entry{
		Seq:       b.Seq,
		Timestamp: b.Created,
		Records:   b.Records,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err = m.walFile.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err = m.walFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	m.lastSeq = b.Seq
	return nil
}

// Replay calls fn, in log order, for every batch with a sequence greater than after.
func (m *Manager) Replay(after uint64, fn func(record.Batch) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.scan(func(e Entry) error {
		if e.Seq <= after {
			return nil
		}
		return fn(record.Batch{Seq: e.Seq, Created: e.Timestamp, Records: e.Records})
	})
}

// Truncate drops every batch with a sequence up to and including upTo. The remaining entries are
// written to a new file that replaces the log.
func (m *Manager) Truncate(upTo uint64) error {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []Entry
	dropped := 0
	if err := m.scan(func(e Entry) error {
		if e.Seq <= upTo {
			dropped++
			return nil
		}
		kept = append(kept, e)
		return nil
	}); err != nil {
		return err
	}
	if dropped == 0 {
		return nil
	}

	tmpPath := m.path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("failed to create temp WAL file: %w", err)
	}

	writer := bufio.NewWriter(tmpFile)
	for _, e := range kept {
		data, err := json.Marshal(&e)
		if err != nil {
			_ = tmpFile.Close()
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if _, err = writer.Write(append(data, '\n')); err != nil {
			_ = tmpFile.Close()
			return fmt.Errorf("failed to write temp WAL file: %w", err)
		}
	}
	if err = writer.Flush(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to flush temp WAL file: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync temp WAL file: %w", err)
	}
	if err = tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp WAL file: %w", err)
	}

	if err = m.walFile.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close WAL before truncation")
	}
	if err = os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("failed to replace WAL file: %w", err)
	}
	if err = m.open(); err != nil {
		return err
	}

	log.Debug().
		Uint64("upTo", upTo).
		Int("dropped", dropped).
		Int("kept", len(kept)).
		Str("duration", time.Since(start).String()).
		Msg("WAL truncated")
	return nil
}

// LastSeq returns the highest batch sequence ever appended, including truncated ones.
func (m *Manager) LastSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeq
}

// Close closes the log file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walFile.Close()
}

func (m *Manager) open() error {
	file, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	m.walFile = file
	return nil
}

// terminateTornTail ends a half-written last line with a newline so the next append starts on a
// line of its own and the torn line is skipped on replay.
func (m *Manager) terminateTornTail() error {
	stat, err := m.walFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}
	if stat.Size() == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err = m.walFile.ReadAt(last, stat.Size()-1); err != nil {
		return fmt.Errorf("failed to read WAL tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	log.Warn().Str("file", m.path).Msg("WAL ends with a torn entry")
	if _, err = m.walFile.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("failed to terminate WAL tail: %w", err)
	}
	return m.walFile.Sync()
}

// scan reads the log file from the start. Malformed lines are skipped.
func (m *Manager) scan(fn func(Entry) error) error {
	file, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			// No WAL file exists yet, not an error
			return nil
		}
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry Entry
		if err = json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.Warn().Err(err).Msg("Skipping malformed WAL entry")
			continue
		}
		if err = fn(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}
