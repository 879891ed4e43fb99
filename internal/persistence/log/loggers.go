package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"wayside.ai/internal/sim/wayside"
)

// JSONLZstdWriter appends JSON lines to zstd-compressed files rotated by
// wall-clock hour: <dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour || w.w == nil {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Flush the encoder so a crash loses at most the current frame.
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// CycleLogger writes one entry per signal cycle.
type CycleLogger struct{ w *JSONLZstdWriter }

func NewCycleLogger(ctrlDir string) *CycleLogger {
	return &CycleLogger{w: NewJSONLZstdWriter(filepath.Join(ctrlDir, "cycles"), "cycles")}
}

func (l *CycleLogger) WriteCycle(v wayside.CycleLogEntry) error { return l.w.Write(v) }
func (l *CycleLogger) Close() error                             { return l.w.Close() }

// RejectionLogger writes vital rejections from both the evaluator and manual
// requests.
type RejectionLogger struct{ w *JSONLZstdWriter }

func NewRejectionLogger(ctrlDir string) *RejectionLogger {
	return &RejectionLogger{w: NewJSONLZstdWriter(filepath.Join(ctrlDir, "rejections"), "rejections")}
}

func (l *RejectionLogger) WriteRejection(v wayside.RejectionEntry) error { return l.w.Write(v) }
func (l *RejectionLogger) Close() error                                 { return l.w.Close() }

type HandoffLogger struct{ w *JSONLZstdWriter }

func NewHandoffLogger(ctrlDir string) *HandoffLogger {
	return &HandoffLogger{w: NewJSONLZstdWriter(filepath.Join(ctrlDir, "handoffs"), "handoffs")}
}

func (l *HandoffLogger) WriteHandoff(v wayside.HandoffEntry) error { return l.w.Write(v) }
func (l *HandoffLogger) Close() error                             { return l.w.Close() }

type LegLogger struct{ w *JSONLZstdWriter }

func NewLegLogger(ctrlDir string) *LegLogger {
	return &LegLogger{w: NewJSONLZstdWriter(filepath.Join(ctrlDir, "legs"), "legs")}
}

func (l *LegLogger) WriteLeg(v wayside.LegEntry) error { return l.w.Write(v) }
func (l *LegLogger) Close() error                     { return l.w.Close() }
