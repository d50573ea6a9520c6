package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// maxLineSize bounds a single JSONL record.
const maxLineSize = 4 << 20

// Log is an append-only JSONL audit log with SHA-256 hash chaining.
// Each entry's prev_hash is the hash of the previous entry's JSON line,
// forming a tamper-evident chain.
type Log struct {
	path     string
	file     *os.File
	prevHash string
	lastSeq  int64
	firstSeq int64
	count    int
	seqByID  map[string]int64
	mu       sync.Mutex
}

var _ Store = (*Log)(nil)

// Open opens (or creates) an audit log file for appending.
// If the file already exists, it is scanned to recover the chain tail,
// the sequence counter and the id index.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	l := &Log{path: path, prevHash: GenesisHash, seqByID: make(map[string]int64)}

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		err := scanLines(path, func(line []byte) error {
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("audit: parse existing log: %w", err)
			}
			l.track(e)
			l.prevHash = HashLine(line)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	l.file = file
	return l, nil
}

func (l *Log) track(e Entry) {
	if l.count == 0 {
		l.firstSeq = e.Seq
	}
	l.count++
	l.lastSeq = e.Seq
	l.seqByID[e.ID] = e.Seq
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append writes e with hash chaining and syncs to disk.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq, ok := l.seqByID[e.ID]; ok && e.ID != "" {
		existing, found, err := l.at(seq)
		if err != nil {
			return Entry{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}

	e = e.stamp(l.lastSeq+1, l.prevHash)

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, false, fmt.Errorf("audit: marshal entry: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, false, fmt.Errorf("audit: write entry: %w", err)
	}

	if err := l.file.Sync(); err != nil {
		return Entry{}, false, fmt.Errorf("audit: sync: %w", err)
	}

	l.prevHash = HashLine(line)
	l.track(e)
	return e, true, nil
}

// Query scans the log and returns matching entries in append order.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	err := scanLines(l.path, func(line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("audit: parse entry: %w", err)
		}
		if f.match(e) {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applyLimit(out, f.Limit), nil
}

// At returns the entry with seq.
func (l *Log) At(ctx context.Context, seq int64) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.at(seq)
}

func (l *Log) at(seq int64) (Entry, bool, error) {
	var found Entry
	ok := false
	err := scanLines(l.path, func(line []byte) error {
		if ok {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("audit: parse entry: %w", err)
		}
		if e.Seq == seq {
			found, ok = e, true
		}
		return nil
	})
	return found, ok, err
}

// Stats returns the stored range.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Count: l.count, FirstSeq: l.firstSeq, LastSeq: l.lastSeq, LastHash: l.prevHash}, nil
}

// Prune rewrites the log without entries below beforeSeq. Kept lines are
// copied byte for byte so their hashes, and the chain, are unchanged.
func (l *Log) Prune(ctx context.Context, beforeSeq int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var kept bytes.Buffer
	pruned := 0
	var keptEntries []Entry
	err := scanLines(l.path, func(line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("audit: parse entry: %w", err)
		}
		if e.Seq < beforeSeq {
			pruned++
			return nil
		}
		kept.Write(line)
		kept.WriteByte('\n')
		keptEntries = append(keptEntries, e)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pruned == 0 {
		return 0, nil
	}

	// The replacement handle is opened on the staged file before the rename,
	// so the current handle stays usable until the swap has succeeded.
	tmpName, err := stageTemp(l.path, kept.Bytes())
	if err != nil {
		return 0, err
	}
	file, err := os.OpenFile(tmpName, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("audit: open pruned log: %w", err)
	}
	if err := renameFile(tmpName, l.path); err != nil {
		file.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("audit: rename: %w", err)
	}
	old := l.file
	l.file = file
	old.Close()

	l.count = 0
	l.seqByID = make(map[string]int64, len(keptEntries))
	for _, e := range keptEntries {
		l.track(e)
	}
	return pruned, nil
}

// Lines returns the raw lines in order.
func (l *Log) Lines(ctx context.Context) ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out [][]byte
	err := scanLines(l.path, func(line []byte) error {
		out = append(out, line)
		return nil
	})
	return out, err
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// scanLines calls fn with a private copy of each non-empty line.
func scanLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: scan log: %w", err)
	}
	return nil
}

// renameFile is swapped out in tests to simulate a failed swap.
var renameFile = os.Rename

// stageTemp writes data to a synced temp file next to path and returns its
// name. The caller renames or removes it.
func stageTemp(path string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".audit-*.tmp")
	if err != nil {
		return "", fmt.Errorf("audit: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("audit: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("audit: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("audit: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("audit: chmod temp: %w", err)
	}
	return tmpName, nil
}
