package history

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const writeBuffer = 256

// FileRecorder appends tab-separated audit records to a per-run log file.
// Records are handed to a background writer through a buffered channel; when
// the buffer is full the record is dropped rather than blocking the caller.
type FileRecorder struct {
	pending chan Record
	done    chan struct{}
	close   sync.Once

	writer *csv.Writer
	file   *os.File
	now    func() time.Time
}

// NewFileRecorder creates the history directory if needed and opens a new
// log file named after the current UTC time.
func NewFileRecorder(dir string) (*FileRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	name := time.Now().UTC().Format("02-01-2006 15-04-05") + ".log"
	file, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("create history file: %w", err)
	}

	writer := csv.NewWriter(file)
	writer.Comma = '\t'

	r := &FileRecorder{
		pending: make(chan Record, writeBuffer),
		done:    make(chan struct{}),
		writer:  writer,
		file:    file,
		now:     time.Now,
	}

	header := []string{
		"id", "channel", "user_id", "tablet_id",
		"user_message", "assistant_output", "timestamp", "processing_time",
	}
	if err := writer.Write(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("write history header: %w", err)
	}

	go r.drain()
	return r, nil
}

func (r *FileRecorder) Record(rec Record) {
	select {
	case r.pending <- rec:
	default:
		// Auditing must never block or fail a turn.
	}
}

// Close stops the writer, flushes buffered records, and closes the file.
func (r *FileRecorder) Close() error {
	r.close.Do(func() {
		close(r.pending)
	})
	<-r.done
	return r.file.Close()
}

func (r *FileRecorder) drain() {
	defer close(r.done)

	for rec := range r.pending {
		now := r.now().UTC()
		started := rec.StartedAt
		if started.IsZero() {
			started = now
		}

		row := []string{
			uuid.Must(uuid.NewV7()).String(),
			rec.Channel,
			rec.UserID,
			rec.DeviceID,
			rec.Inbound,
			rec.Outbound,
			now.Format(time.RFC3339),
			now.Sub(started).String(),
		}
		// Write errors are swallowed: losing an audit row must not take
		// down the drain loop.
		_ = r.writer.Write(row)
		r.writer.Flush()
	}
}
