// Package ingest streams a delimited dataset into the store in bounded
// batches.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tobyfield/feedbridge/internal/batch"
	"github.com/tobyfield/feedbridge/internal/record"
)

// Sink persists one accumulated batch. The store's duplicate-tolerant bulk
// insert satisfies this; tests substitute failing sinks.
type Sink interface {
	BulkInsert(ctx context.Context, recs []record.Record) (int, error)
}

// Options configures one ingestion run.
type Options struct {
	NameColumn string
	SexColumn  string
	BatchSize  int // accumulator threshold
	LimitRows  int // 0 = no limit
}

func (o Options) withDefaults() Options {
	if o.NameColumn == "" {
		o.NameColumn = "Name"
	}
	if o.SexColumn == "" {
		o.SexColumn = "Sex"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	return o
}

// FailedBatch is a batch the sink rejected. The records are kept so the
// caller can reprocess them instead of losing them with the error.
type FailedBatch struct {
	Records []record.Record
	Err     error
}

// Result reports what one run did. Every row read is accounted for:
// RowsRead = RowsSkipped + Inserted + Duplicates + records in Failed.
type Result struct {
	RowsRead    int
	RowsSkipped int
	Inserted    int
	Duplicates  int
	Failed      []FailedBatch
	Duration    time.Duration
}

// FailedRecords returns the number of records lost to sink failures.
func (r Result) FailedRecords() int {
	n := 0
	for _, fb := range r.Failed {
		n += len(fb.Records)
	}
	return n
}

// Run streams CSV rows from r into the sink. The loop is deliberately
// synchronous: one row is validated and accumulated at a time, and the next
// row is not read until a pending flush has completed, so memory stays
// bounded by the batch size regardless of input size.
//
// Malformed or invalid rows are counted and skipped. An I/O failure on the
// reader is fatal; whatever the accumulator holds at that point is lost.
// A sink failure does not stop the run: the batch is captured in
// Result.Failed and reading continues.
func Run(ctx context.Context, sink Sink, r io.Reader, opts Options, log zerolog.Logger) (Result, error) {
	start := time.Now()
	opts = opts.withDefaults()
	var out Result

	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			out.Duration = time.Since(start)
			return out, nil
		}
		return out, fmt.Errorf("failed to read header: %w", err)
	}

	nameIdx, sexIdx := -1, -1
	for i, col := range header {
		switch col {
		case opts.NameColumn:
			nameIdx = i
		case opts.SexColumn:
			sexIdx = i
		}
	}
	if nameIdx < 0 || sexIdx < 0 {
		return out, fmt.Errorf("header missing required columns %q, %q", opts.NameColumn, opts.SexColumn)
	}

	acc := batch.NewAccumulator[record.Record](opts.BatchSize)

	flush := func() {
		recs := acc.Drain()
		if len(recs) == 0 {
			return
		}
		inserted, err := sink.BulkInsert(ctx, recs)
		if err != nil {
			log.Error().Err(err).Int("batch_size", len(recs)).Msg("batch write failed")
			out.Failed = append(out.Failed, FailedBatch{Records: recs, Err: err})
			return
		}
		out.Inserted += inserted
		out.Duplicates += len(recs) - inserted
	}

	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				out.RowsRead++
				out.RowsSkipped++
				log.Debug().Err(err).Int("row", out.RowsRead).Msg("skipping malformed row")
				continue
			}
			// Unrecoverable read fault: abort. The unflushed batch is lost.
			return out, fmt.Errorf("failed reading input: %w", err)
		}

		out.RowsRead++

		raw := make(map[string]string, 2)
		if nameIdx < len(row) {
			raw[opts.NameColumn] = row[nameIdx]
		}
		if sexIdx < len(row) {
			raw[opts.SexColumn] = row[sexIdx]
		}

		rec, err := record.ParseRow(raw, opts.NameColumn, opts.SexColumn)
		if err != nil {
			out.RowsSkipped++
			log.Debug().Err(err).Int("row", out.RowsRead).Msg("skipping invalid row")
			continue
		}

		if acc.Push(rec) {
			flush()
		}

		if opts.LimitRows > 0 && out.RowsRead >= opts.LimitRows {
			break
		}
	}

	// Final partial batch.
	flush()

	out.Duration = time.Since(start)
	return out, nil
}

// RunFile is Run over a file on disk.
func RunFile(ctx context.Context, sink Sink, path string, opts Options, log zerolog.Logger) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()
	return Run(ctx, sink, f, opts, log)
}
