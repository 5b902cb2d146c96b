package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"dexPricing/internal/model"
)

// JsonlWriter writes one JSON value per line. It is safe for concurrent use.
type JsonlWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewJsonlWriter opens path, creating parent directories. appendMode keeps
// existing lines; otherwise the file is truncated.
func NewJsonlWriter(path string, appendMode bool) (*JsonlWriter, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &JsonlWriter{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (w *JsonlWriter) Write(value interface{}) error {
	line, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}

func (w *JsonlWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.Flush()
}

func (w *JsonlWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// JsonlQuoteSink appends one JSON line per finished block.
type JsonlQuoteSink struct {
	w *JsonlWriter
}

func NewJsonlQuoteSink(path string) (*JsonlQuoteSink, error) {
	w, err := NewJsonlWriter(path, true)
	if err != nil {
		return nil, fmt.Errorf("open quote output: %w", err)
	}
	return &JsonlQuoteSink{w: w}, nil
}

// PutQuotes writes and flushes, so a crash loses at most the block in flight.
func (s *JsonlQuoteSink) PutQuotes(_ context.Context, quotes *model.DexQuotes) error {
	if quotes == nil {
		return nil
	}
	if err := s.w.Write(quotes); err != nil {
		return fmt.Errorf("write quotes for block %d: %w", quotes.Block, err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush quotes: %w", err)
	}
	return nil
}

func (s *JsonlQuoteSink) Close() error {
	return s.w.Close()
}

// ReadMessages streams PriceMsg JSON lines from r onto out, in file order.
// It returns when r is exhausted, a line fails to parse, or ctx is done. out is
// not closed.
func ReadMessages(ctx context.Context, r io.Reader, out chan<- model.PriceMsg) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg model.PriceMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("parse message line %d: %w", lineNo, err)
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read messages: %w", err)
	}
	return nil
}
