// Package journal keeps an append-only JSONL audit trail of finished checks
// and user decisions, one directory per UTC day.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry types.
const (
	TypeCheck    = "check"
	TypeDecision = "decision"
)

// Entry is one journal line. Frames are never journaled, only their digest.
type Entry struct {
	Time         time.Time          `json:"time"`
	Type         string             `json:"type"`
	TabID        string             `json:"tab_id"`
	CheckID      string             `json:"check_id,omitempty"`
	Location     string             `json:"location,omitempty"`
	Outcome      string             `json:"outcome,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	ErrorKind    string             `json:"error_kind,omitempty"`
	Message      string             `json:"message,omitempty"`
	Trigger      string             `json:"trigger,omitempty"`
	Scores       map[string]float64 `json:"scores,omitempty"`
	FrameDigest  string             `json:"frame_digest,omitempty"`
	DurationMS   int64              `json:"duration_ms,omitempty"`
	Choice       string             `json:"choice,omitempty"`
	BlockedCount int                `json:"blocked_count,omitempty"`
}

const fileName = "checks.jsonl"

var errClosed = errors.New("journal is closed")

// Writer writes entries asynchronously to <dir>/<yyyy-mm-dd>/checks.jsonl
// with size-based rotation.
type Writer struct {
	dir       string
	maxSizeMB int
	writeCh   chan Entry
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

// NewWriter starts a writer. bufferSize bounds queued entries; when full,
// entries are dropped rather than blocking the caller.
func NewWriter(dir string, bufferSize, maxSizeMB int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	w := &Writer{
		dir:       dir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan Entry, bufferSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Record queues an entry. It never blocks.
func (w *Writer) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case <-w.done:
		slog.Debug("journal record after close dropped", "tab_id", e.TabID, "error", errClosed)
		return
	default:
	}
	select {
	case w.writeCh <- e:
	default:
		slog.Warn("journal buffer full, dropping entry", "tab_id", e.TabID, "check_id", e.CheckID)
	}
}

// Close stops the writer and flushes queued entries.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		return w.logger.Close()
	}
	return nil
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case e := <-w.writeCh:
			w.write(e)
		case <-w.done:
			for {
				select {
				case e := <-w.writeCh:
					w.write(e)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("journal marshal failed", "error", err, "tab_id", e.TabID)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := e.Time.UTC().Format("2006-01-02")
	if date != w.currentDate || w.logger == nil {
		if err := w.rotateForDate(date); err != nil {
			slog.Error("journal rotate failed", "error", err, "date", date)
			return
		}
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err, "tab_id", e.TabID)
	}
}

func (w *Writer) rotateForDate(date string) error {
	if w.logger != nil {
		_ = w.logger.Close()
		w.logger = nil
	}
	dir := filepath.Join(w.dir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	w.logger = &lumberjack.Logger{
		Filename:   filepath.Join(dir, fileName),
		MaxSize:    w.maxSizeMB,
		MaxBackups: 30,
		MaxAge:     90,
	}
	w.currentDate = date
	slog.Info("journal file opened", "file", w.logger.Filename)
	return nil
}

// Path returns the journal file for a UTC day.
func (w *Writer) Path(day time.Time) string {
	return filepath.Join(w.dir, day.UTC().Format("2006-01-02"), fileName)
}
