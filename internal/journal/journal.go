// Package journal appends consumed call records to a JSONL file in which
// every line carries the hash of the line before it.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/value"
)

// GenesisHash is the prev_hash of the first entry of a new journal.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

const timeFormat = "2006-01-02T15:04:05.000Z"

// Entry is one journal line. Values are pre-formatted strings so the
// marshalled line is deterministic.
type Entry struct {
	Timestamp string   `json:"ts"`
	RecordID  string   `json:"record_id"`
	Endpoint  string   `json:"endpoint"`
	Class     string   `json:"class"`
	Method    string   `json:"method"`
	Direction string   `json:"direction"`
	Args      []string `json:"args"`
	Returns   []string `json:"returns,omitempty"`
	Blocked   bool     `json:"blocked,omitempty"`
	Spoofed   bool     `json:"spoofed,omitempty"`
	Error     string   `json:"error,omitempty"`
	Context   string   `json:"context,omitempty"`
	Caller    string   `json:"caller,omitempty"`
	PrevHash  string   `json:"prev_hash"`
}

// Journal is an append-only hash-chained record log. It implements the log
// queue's consumer.
type Journal struct {
	path     string
	file     *os.File
	prevHash string
	logger   *zap.Logger
	mu       sync.Mutex
}

// Open opens or creates the journal at path and recovers the chain tail
// from its last line.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}

	prevHash := GenesisHash
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		last, err := lastLine(path)
		if err != nil {
			return nil, err
		}
		if len(last) > 0 {
			prevHash = HashLine(last)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("journal: open file: %w", err)
	}
	return &Journal{path: path, file: file, prevHash: prevHash, logger: logger}, nil
}

func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: read existing: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var last []byte
	for scanner.Scan() {
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan existing: %w", err)
	}
	return last, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Consume appends rec. Write failures are logged and returned; the queue
// counts them without retrying.
func (j *Journal) Consume(rec *record.Call) error {
	if rec == nil {
		return fmt.Errorf("journal: nil record")
	}
	if err := j.Append(EntryFor(rec)); err != nil {
		j.logger.Warn("journal append failed", zap.String("record", rec.ID), zap.Error(err))
		return err
	}
	return nil
}

// Append writes e with the current chain tail as its prev_hash.
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(timeFormat)
	}
	e.PrevHash = j.prevHash

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	j.prevHash = HashLine(line)
	return nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// EntryFor flattens rec into a journal entry.
func EntryFor(rec *record.Call) Entry {
	e := Entry{
		RecordID:  rec.ID,
		Endpoint:  rec.Path,
		Class:     rec.Class,
		Method:    rec.Method,
		Direction: string(rec.Direction),
		Args:      formatAll(rec.Args),
		Blocked:   rec.Blocked,
		Spoofed:   rec.Spoofed,
		Error:     rec.Error,
		Context:   rec.Context,
	}
	if !rec.Timestamp.IsZero() {
		e.Timestamp = rec.Timestamp.UTC().Format(timeFormat)
	}
	if rec.Returned {
		e.Returns = formatAll(rec.Returns)
	}
	if rec.Caller != nil {
		e.Caller = rec.Caller.Script + ":" + rec.Caller.Function
	}
	return e
}

func formatAll(vals []any) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = value.Format(v)
	}
	return out
}

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
