package generator

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrResultsClosed indicates an append after Close.
var ErrResultsClosed = errors.New("results log closed")

// ResultsLog is the append-only results file. Each record is one JSON line
// written with a single write under an exclusive flock, then fsynced, so
// several processes may share one file.
type ResultsLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenResultsLog opens or creates the results log for appending.
func OpenResultsLog(path string) (*ResultsLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open results log %s: %w", path, err)
	}
	return &ResultsLog{f: f}, nil
}

// Append writes rec as one line and syncs it to disk.
func (l *ResultsLog) Append(rec FailureRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return ErrResultsClosed
	}

	fd := int(l.f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock results log: %w", err)
	}
	defer func() { _ = unix.Flock(fd, unix.LOCK_UN) }()

	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("write results log: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync results log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *ResultsLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadResults decodes every record from a results log stream.
func ReadResults(r io.Reader) ([]FailureRecord, error) {
	var recs []FailureRecord

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec FailureRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return recs, fmt.Errorf("results line %d: %w", n, err)
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return recs, fmt.Errorf("read results: %w", err)
	}
	return recs, nil
}
