package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits output records. Implementations are safe for concurrent use.
type Writer interface {
	WriteEntry(ctx context.Context, e *EntryRecord) error
	WriteTransfer(ctx context.Context, t *TransferRecord) error
	WriteError(ctx context.Context, e *ErrorRecord) error
	WriteSummary(ctx context.Context, s *SummaryRecord) error
	Close() error
}

// JSONLWriter writes one JSON envelope per line to an io.Writer.
type JSONLWriter struct {
	w          io.Writer
	runID      string
	providerID int64
	now        func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter returns a writer tagging every record with runID and
// providerID.
func NewJSONLWriter(w io.Writer, runID string, providerID int64) *JSONLWriter {
	return &JSONLWriter{w: w, runID: runID, providerID: providerID, now: time.Now}
}

func (jw *JSONLWriter) WriteEntry(ctx context.Context, e *EntryRecord) error {
	return jw.writeRecord(ctx, TypeEntry, e)
}

func (jw *JSONLWriter) WriteTransfer(ctx context.Context, t *TransferRecord) error {
	return jw.writeRecord(ctx, TypeTransfer, t)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, e *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, e)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, s *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, s)
}

// Close stops further writes. The underlying writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:       recordType,
		TS:         jw.now().UTC(),
		RunID:      jw.runID,
		ProviderID: jw.providerID,
		Data:       payload,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	// A short write with a nil error would truncate the line.
	if err := writeAll(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
