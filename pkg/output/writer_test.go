package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r), sc.Text())
		out = append(out, r)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestJSONLWriter_Envelope(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1", 7)
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	w.now = func() time.Time { return fixed }

	ctx := context.Background()
	require.NoError(t, w.WriteEntry(ctx, &EntryRecord{Path: "in", Name: "a.txt", Size: 3}))
	require.NoError(t, w.WriteTransfer(ctx, &TransferRecord{LocalPath: "/tmp/a", RemotePath: "in/a", Bytes: 3}))
	require.NoError(t, w.WriteError(ctx, &ErrorRecord{Kind: "WRITE_ERROR", Message: "boom", RemotePath: "in/b"}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{FilesTotal: 2, FilesSucceeded: 1, FilesFailed: 1}))

	recs := readRecords(t, &buf)
	require.Len(t, recs, 4)
	assert.Equal(t, []string{TypeEntry, TypeTransfer, TypeError, TypeSummary},
		[]string{recs[0].Type, recs[1].Type, recs[2].Type, recs[3].Type})
	for _, r := range recs {
		assert.Equal(t, "run-1", r.RunID)
		assert.Equal(t, int64(7), r.ProviderID)
		assert.True(t, fixed.Equal(r.TS))
		assert.Equal(t, time.UTC, r.TS.Location())
	}

	var sum SummaryRecord
	require.NoError(t, json.Unmarshal(recs[3].Data, &sum))
	assert.Equal(t, 1, sum.FilesFailed)
}

func TestJSONLWriter_Closed(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "", 1)
	require.NoError(t, w.Close())
	err := w.WriteEntry(context.Background(), &EntryRecord{Name: "x"})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Zero(t, buf.Len())
}

func TestJSONLWriter_CancelledContext(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.WriteEntry(ctx, &EntryRecord{}), context.Canceled)
	assert.Zero(t, buf.Len())
}

func TestJSONLWriter_ConcurrentLinesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", 1)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.WriteTransfer(context.Background(), &TransferRecord{RemotePath: strings.Repeat("k", i+1), Bytes: int64(i)})
		}(i)
	}
	wg.Wait()

	assert.Len(t, readRecords(t, &buf), 50)
}

type shortWriter struct {
	buf bytes.Buffer
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > 4 {
		p = p[:4]
	}
	return s.buf.Write(p)
}

type zeroWriter struct{}

func (zeroWriter) Write(p []byte) (int, error) { return 0, nil }

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestJSONLWriter_ShortWrites(t *testing.T) {
	sw := &shortWriter{}
	w := NewJSONLWriter(sw, "run", 1)
	require.NoError(t, w.WriteEntry(context.Background(), &EntryRecord{Name: "a"}))
	assert.Len(t, readRecords(t, &sw.buf), 1)

	err := NewJSONLWriter(zeroWriter{}, "", 1).WriteEntry(context.Background(), &EntryRecord{})
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "write", we.Op)

	err = NewJSONLWriter(failWriter{}, "", 1).WriteEntry(context.Background(), &EntryRecord{})
	assert.ErrorContains(t, err, "disk full")
}

func TestJSONLWriter_MarshalError(t *testing.T) {
	w := NewJSONLWriter(&bytes.Buffer{}, "", 1)
	err := w.writeRecord(context.Background(), TypeEntry, map[string]any{"bad": make(chan int)})
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "marshal_data", we.Op)
}
