package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"dexPricing/internal/dex"
	"dexPricing/internal/model"
)

// MessageWriter receives decoded messages.
type MessageWriter interface {
	Write(value interface{}) error
}

// DecodeStream reads LogRecord JSON lines from r and writes the decoded
// messages in input order. Undecodable lines go to errs and are counted, not
// returned. Input must already be in chain order.
func DecodeStream(ctx context.Context, decoder *dex.Decoder, r io.Reader, out MessageWriter, errs ErrorWriter, logger *zap.Logger) (Stats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var stats Stats

	fail := func(record model.LogRecord, err error) {
		stats.Failed++
		if errs != nil {
			if werr := errs.Write(model.NewDecodeError(record, err)); werr != nil {
				logger.Warn("write decode error failed", zap.Error(werr))
			}
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var last *model.LogRecord
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		stats.Logs++

		var record model.LogRecord
		if err := json.Unmarshal(line, &record); err != nil {
			fail(model.LogRecord{}, fmt.Errorf("parse log line %d: %w", stats.Logs, err))
			continue
		}
		if last != nil && record.Less(*last) {
			fail(record, fmt.Errorf("log out of order after block %d index %d", last.BlockNumber, last.LogIndex))
			continue
		}
		last = &record

		msgs, err := decoder.Decode(ctx, record)
		if err != nil {
			fail(record, err)
			continue
		}
		for _, msg := range msgs {
			if err := out.Write(msg); err != nil {
				return stats, fmt.Errorf("write message: %w", err)
			}
		}
		stats.Messages += len(msgs)
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("scan input: %w", err)
	}
	return stats, nil
}
