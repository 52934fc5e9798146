package bus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parley-project/parley/pkg/event"
)

// journalFilePattern matches events-YYYYMMDD-HHMMSS-<startseq>.jsonl.
// Lexical name order equals seq order because the start seq is zero-padded.
const journalFileFormat = "events-%s-%020d.jsonl"

// JournalConfig controls durability and rotation of the JSONL sink.
type JournalConfig struct {
	Dir              string
	RotateBytes      int64
	FsyncEveryEvents int
	FsyncEvery       time.Duration
}

// Journal is the append-only JSONL sink. One event per line, UTF-8,
// LF-terminated. Files rotate by size; readers concatenating files in name
// order see the global seq order.
//
// Not safe for concurrent use; the bus serializes all access.
type Journal struct {
	cfg JournalConfig

	file      *os.File
	w         *bufio.Writer
	size      int64
	sinceSync int
	lastSync  time.Time
}

// OpenJournal scans dir for existing journal files, recovers the last valid
// seq and watermark (tolerating a truncated final line), and opens a fresh
// file for this process lifetime.
func OpenJournal(cfg JournalConfig, nextSeq uint64) (*Journal, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	j := &Journal{cfg: cfg, lastSync: time.Now()}
	if err := j.openFile(nextSeq); err != nil {
		return nil, err
	}
	return j, nil
}

// RecoverState scans the newest journal file in dir and returns the last
// valid seq and watermark. A truncated final line is dropped. Returns zeros
// when no journal exists yet.
func RecoverState(dir string) (lastSeq uint64, lastWatermark int64, err error) {
	files, err := listJournalFiles(dir)
	if err != nil || len(files) == 0 {
		return 0, 0, err
	}
	last := files[len(files)-1]
	events, err := readJournalFile(last)
	if err != nil {
		return 0, 0, err
	}
	if len(events) == 0 {
		// The newest file holds nothing valid; fall back to the one before.
		if len(files) >= 2 {
			prev, perr := readJournalFile(files[len(files)-2])
			if perr == nil && len(prev) > 0 {
				tail := prev[len(prev)-1]
				return tail.Seq, tail.WatermarkMS, nil
			}
		}
		return 0, 0, nil
	}
	tail := events[len(events)-1]
	return tail.Seq, tail.WatermarkMS, nil
}

// Append writes one event as a JSONL line, then applies the fsync cadence
// (every K events or T ms, whichever first) and size-based rotation.
func (j *Journal) Append(e event.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event %d: %w", e.Seq, err)
	}

	if j.size+int64(len(line))+1 > j.cfg.RotateBytes && j.size > 0 {
		if err := j.rotate(e.Seq); err != nil {
			return err
		}
	}

	if _, err := j.w.Write(line); err != nil {
		return fmt.Errorf("journal write failed: %w", err)
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("journal write failed: %w", err)
	}
	j.size += int64(len(line)) + 1
	j.sinceSync++

	if j.sinceSync >= j.cfg.FsyncEveryEvents || time.Since(j.lastSync) >= j.cfg.FsyncEvery {
		return j.Sync()
	}
	return nil
}

// Sync flushes buffered lines and fsyncs the current file.
func (j *Journal) Sync() error {
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("journal flush failed: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal fsync failed: %w", err)
	}
	j.sinceSync = 0
	j.lastSync = time.Now()
	return nil
}

// Pending reports how many appended events have not been fsynced yet.
func (j *Journal) Pending() int {
	return j.sinceSync
}

// Close flushes and closes the current file.
func (j *Journal) Close() error {
	if err := j.Sync(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

// ReadFrom replays all persisted events with seq >= fromSeq, concatenating
// journal files in name order. A truncated final line in the newest file is
// skipped, matching startup recovery.
func (j *Journal) ReadFrom(fromSeq uint64) ([]event.Event, error) {
	// Flush so the replay sees everything appended so far.
	if err := j.w.Flush(); err != nil {
		return nil, fmt.Errorf("journal flush before replay failed: %w", err)
	}
	files, err := listJournalFiles(j.cfg.Dir)
	if err != nil {
		return nil, err
	}

	var out []event.Event
	for _, path := range files {
		events, err := readJournalFile(path)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 || events[len(events)-1].Seq < fromSeq {
			continue
		}
		for _, e := range events {
			if e.Seq >= fromSeq {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// rotate closes the current file and opens a new one starting at nextSeq.
func (j *Journal) rotate(nextSeq uint64) error {
	if err := j.Sync(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close rotated journal file: %w", err)
	}
	slog.Info("Rotating journal file", "size_bytes", j.size, "next_seq", nextSeq)
	return j.openFile(nextSeq)
}

func (j *Journal) openFile(startSeq uint64) error {
	name := fmt.Sprintf(journalFileFormat, time.Now().UTC().Format("20060102-150405"), startSeq)
	path := filepath.Join(j.cfg.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal file %s: %w", path, err)
	}
	j.file = f
	j.w = bufio.NewWriter(f)
	j.size = 0
	return nil
}

// listJournalFiles returns journal file paths in name order.
func listJournalFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list journal dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// readJournalFile decodes every valid line of one file. A final line that
// fails to decode is dropped (torn write on crash); a bad line anywhere else
// is an error.
func readJournalFile(path string) ([]event.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal file %s: %w", path, err)
	}
	lines := bytes.Split(data, []byte{'\n'})
	var out []event.Event
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e event.Event
		if err := json.Unmarshal(line, &e); err != nil {
			if i >= len(lines)-2 {
				slog.Warn("Dropping truncated final journal line", "file", path)
				break
			}
			return nil, fmt.Errorf("corrupt journal line %d in %s: %w", i+1, path, err)
		}
		out = append(out, e)
	}
	return out, nil
}
