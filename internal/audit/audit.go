// Package audit implements the append-only Audit Log.
//
// Events are appended as newline-delimited JSON to a single active file.
// Rotation: when the active file exceeds a configured size (default 64
// MiB), it is renamed with a timestamp suffix and a new file is opened; no
// compaction. Writes are serialized by a single writer goroutine consuming
// a buffered channel of events; producers never block longer than the
// channel's capacity times write latency. Sequence numbers are assigned
// inside the writer under its own lock, so seq is globally monotonic.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRotateSize is the default active-file size threshold, in bytes.
const DefaultRotateSize = 64 * 1024 * 1024

// Kind enumerates the AuditEvent payload categories.
type Kind string

const (
	KindProcessState    Kind = "process_state"
	KindJobFire         Kind = "job_fire"
	KindJobFinish       Kind = "job_finish"
	KindVerdict         Kind = "verdict"
	KindCommand         Kind = "command"
	KindThresholdChange Kind = "threshold_change"
	KindError           Kind = "error"
)

// Event is an append-only audit record. CorrelationID lets a single
// logical operation (e.g. one control-socket request) be traced across
// every event it produced, even though each event gets its own seq.
type Event struct {
	Seq           uint64          `json:"seq"`
	Timestamp     time.Time       `json:"timestamp"`
	Kind          Kind            `json:"kind"`
	Actor         string          `json:"actor"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// Writer owns the active audit file and the monotonic sequence counter.
// Exactly one Writer instance should be live per state directory.
type Writer struct {
	log *zap.Logger

	mu         sync.Mutex // Guards seq and file-level state below.
	dir        string
	activeName string
	file       *os.File
	bw         *bufio.Writer
	size       int64
	rotateSize int64
	seq        uint64

	events chan Event
	done   chan struct{}
	closed chan struct{}

	onWrite func(Event) // Optional: invoked synchronously after seq assignment, e.g. to keep an Index live.
}

// NewWriter opens (or creates) the active audit file under dir and starts
// the single writer goroutine. queueDepth bounds how many events may be
// in flight before producers block.
func NewWriter(dir string, rotateSize int64, queueDepth int, log *zap.Logger) (*Writer, error) {
	if rotateSize <= 0 {
		rotateSize = DefaultRotateSize
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit.NewWriter: mkdir %q: %w", dir, err)
	}

	w := &Writer{
		log:        log,
		dir:        dir,
		activeName: filepath.Join(dir, "current.jsonl"),
		rotateSize: rotateSize,
		events:     make(chan Event, queueDepth),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	if err := w.openActive(); err != nil {
		return nil, err
	}
	go w.run()
	return w, nil
}

// SetOnWrite installs a callback invoked synchronously, from the writer
// goroutine, immediately after each event is assigned its sequence number
// and flushed to disk. Used to keep a bbolt Index live without a separate
// tailing goroutine.
func (w *Writer) SetOnWrite(fn func(Event)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onWrite = fn
}

func (w *Writer) openActive() error {
	f, err := os.OpenFile(w.activeName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("audit: open active file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("audit: stat active file: %w", err)
	}
	w.file = f
	w.bw = bufio.NewWriter(f)
	w.size = info.Size()
	return nil
}

// Append enqueues an event for writing. kind/actor/payload are combined
// with a fresh sequence number, timestamp, and correlation ID inside the
// writer goroutine; Append itself never blocks longer than the queue
// would otherwise allow.
func (w *Writer) Append(kind Kind, actor string, payload any) error {
	return w.AppendCorrelated(kind, actor, uuid.New().String(), payload)
}

// AppendCorrelated is Append with an explicit correlation ID, so that
// every event produced by one logical operation (e.g. a single
// control-socket request) can be tied together after the fact even
// though each still gets its own monotonic seq.
func (w *Writer) AppendCorrelated(kind Kind, actor, correlationID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit.AppendCorrelated: marshal payload: %w", err)
	}
	select {
	case w.events <- Event{Kind: kind, Actor: actor, CorrelationID: correlationID, Payload: raw, Timestamp: time.Now().UTC()}:
		return nil
	case <-w.done:
		return fmt.Errorf("audit.AppendCorrelated: writer is shutting down")
	}
}

// run is the single writer goroutine. It assigns sequence numbers,
// serializes writes, and rotates the active file when it grows past
// rotateSize.
func (w *Writer) run() {
	defer close(w.closed)
	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				w.flushAndClose()
				return
			}
			w.writeOne(ev)
		case <-w.done:
			w.drainRemaining()
			w.flushAndClose()
			return
		}
	}
}

func (w *Writer) drainRemaining() {
	for {
		select {
		case ev := <-w.events:
			w.writeOne(ev)
		default:
			return
		}
	}
}

func (w *Writer) writeOne(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	ev.Seq = w.seq

	line, err := json.Marshal(ev)
	if err != nil {
		w.log.Error("audit: failed to marshal event, dropping", zap.Error(err))
		return
	}
	line = append(line, '\n')

	if _, err := w.bw.Write(line); err != nil {
		w.log.Error("audit: write failed", zap.Error(err))
		return
	}
	if err := w.bw.Flush(); err != nil {
		w.log.Error("audit: flush failed", zap.Error(err))
		return
	}
	w.size += int64(len(line))

	if w.size >= w.rotateSize {
		w.rotate()
	}
	if w.onWrite != nil {
		w.onWrite(ev)
	}
}

func (w *Writer) rotate() {
	if err := w.file.Close(); err != nil {
		w.log.Error("audit: close before rotate failed", zap.Error(err))
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	rotated := filepath.Join(w.dir, stamp+".jsonl")
	for n := 1; ; n++ {
		if _, err := os.Stat(rotated); os.IsNotExist(err) {
			break
		}
		rotated = filepath.Join(w.dir, fmt.Sprintf("%s_%03d.jsonl", stamp, n))
	}
	if err := os.Rename(w.activeName, rotated); err != nil {
		w.log.Error("audit: rotate rename failed", zap.Error(err))
	}
	if err := w.openActive(); err != nil {
		w.log.Error("audit: reopen after rotate failed", zap.Error(err))
	}
}

func (w *Writer) flushAndClose() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.bw.Flush()
	_ = w.file.Sync()
	_ = w.file.Close()
}

// Close signals the writer to drain its queue and stop. Blocks until the
// writer goroutine has exited.
func (w *Writer) Close() {
	close(w.done)
	<-w.closed
}
