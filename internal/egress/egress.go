// Package egress re-reads committed records in pages and republishes them to
// the CRM endpoint in provider-sized batches.
package egress

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/tobyfield/feedbridge/internal/batch"
	"github.com/tobyfield/feedbridge/internal/crm"
	"github.com/tobyfield/feedbridge/internal/record"
)

// Pager reads committed records in stable insertion order.
type Pager interface {
	Page(ctx context.Context, limit, offset int) ([]record.Record, error)
}

// Sender delivers one outgoing batch. crm.Client satisfies this.
type Sender interface {
	BatchUpsert(ctx context.Context, entries []crm.Entry) error
}

// Delivery state machine states and events.
const (
	StateAccumulating = "accumulating"
	StateSending      = "sending"
	StateDelivered    = "delivered"
	StateFailed       = "failed"

	eventBatchReady = "batch-ready"
	eventDelivered  = "batch-delivered"
	eventFail       = "batch-failed"
	eventResume     = "resume"
)

// Cursor tracks the paging position of one run. Offset advances by PageSize
// after every fetch no matter how many rows the page actually delivered,
// which keeps the bookkeeping trivial; the requested page size is what
// shrinks as the cap approaches.
type Cursor struct {
	Offset    int
	PageSize  int
	Cap       int
	Delivered int
}

// Options configures one egress run.
type Options struct {
	PageSize  int
	Cap       int
	BatchSize int // outgoing batch size, clamped to the provider limit
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 1000
	}
	if o.Cap <= 0 {
		o.Cap = 10000
	}
	if o.BatchSize <= 0 || o.BatchSize > crm.MaxBatchSize {
		o.BatchSize = crm.MaxBatchSize
	}
	return o
}

// Result reports what one run delivered.
type Result struct {
	Delivered int
	Batches   int
	Pages     int
	Duration  time.Duration
}

// Runner drives one egress run. Purely sequential: one page fetch, then the
// outgoing sends for it, then the next fetch, so request order and cap
// accounting stay simple and the endpoint's burst limits are respected.
type Runner struct {
	pager      Pager
	sender     Sender
	opts       Options
	log        zerolog.Logger
	machine    *fsm.FSM
	onProgress func(Result)
}

// NewRunner creates a Runner over a pager and a sender.
func NewRunner(pager Pager, sender Sender, opts Options, log zerolog.Logger) *Runner {
	r := &Runner{
		pager:  pager,
		sender: sender,
		opts:   opts.withDefaults(),
		log:    log,
	}

	r.machine = fsm.NewFSM(
		StateAccumulating,
		fsm.Events{
			{Name: eventBatchReady, Src: []string{StateAccumulating}, Dst: StateSending},
			{Name: eventDelivered, Src: []string{StateSending}, Dst: StateDelivered},
			{Name: eventFail, Src: []string{StateSending}, Dst: StateFailed},
			{Name: eventResume, Src: []string{StateDelivered}, Dst: StateAccumulating},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				r.log.Debug().
					Str("from", e.Src).
					Str("to", e.Dst).
					Str("event", e.Event).
					Msg("delivery state transition")
			},
		},
	)

	return r
}

// SetProgressFunc registers a callback invoked after every delivered batch,
// used to persist run progress.
func (r *Runner) SetProgressFunc(fn func(Result)) {
	r.onProgress = fn
}

// State returns the delivery machine's current state.
func (r *Runner) State() string {
	return r.machine.Current()
}

// Run pages through the store and delivers everything up to the cap. It
// stops when the cap is reached or a page comes back empty, flushing a
// final partial batch first. The first fatal send error (auth, validation,
// transport, retries exhausted) aborts the run.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var out Result

	cursor := Cursor{PageSize: r.opts.PageSize, Cap: r.opts.Cap}
	acc := batch.NewAccumulator[crm.Entry](r.opts.BatchSize)

	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		// Shrink the request so fetched-but-unsent rows can never push the
		// run past the cap.
		remaining := cursor.Cap - cursor.Delivered - acc.Len()
		if remaining <= 0 {
			break
		}
		limit := cursor.PageSize
		if limit > remaining {
			limit = remaining
		}

		page, err := r.pager.Page(ctx, limit, cursor.Offset)
		if err != nil {
			return out, fmt.Errorf("failed to read page at offset %d: %w", cursor.Offset, err)
		}
		cursor.Offset += cursor.PageSize
		if len(page) == 0 {
			break
		}
		out.Pages++

		for _, rec := range page {
			if acc.Push(toEntry(rec)) {
				if err := r.send(ctx, acc.Drain(), &out, &cursor); err != nil {
					return out, err
				}
			}
		}
	}

	// Final partial batch.
	if acc.Len() > 0 {
		if err := r.send(ctx, acc.Drain(), &out, &cursor); err != nil {
			return out, err
		}
	}

	out.Duration = time.Since(start)
	return out, nil
}

func (r *Runner) send(ctx context.Context, entries []crm.Entry, out *Result, cursor *Cursor) error {
	if err := r.machine.Event(ctx, eventBatchReady); err != nil {
		return fmt.Errorf("delivery state error: %w", err)
	}

	if err := r.sender.BatchUpsert(ctx, entries); err != nil {
		_ = r.machine.Event(ctx, eventFail)
		return fmt.Errorf("batch %d failed: %w", out.Batches+1, err)
	}

	if err := r.machine.Event(ctx, eventDelivered); err != nil {
		return fmt.Errorf("delivery state error: %w", err)
	}

	out.Delivered += len(entries)
	out.Batches++
	cursor.Delivered += len(entries)

	r.log.Info().
		Int("batch", out.Batches).
		Int("batch_size", len(entries)).
		Int("delivered", out.Delivered).
		Msg("batch delivered")

	if r.onProgress != nil {
		r.onProgress(*out)
	}

	return r.machine.Event(ctx, eventResume)
}

// toEntry maps a stored record to its destination representation. The
// derived key, not the surrogate store id, is the upsert identity.
func toEntry(rec record.Record) crm.Entry {
	key := rec.Key()
	return crm.Entry{
		IDProperty: "email",
		ID:         key,
		Properties: map[string]string{
			"email":     key,
			"firstname": rec.Name,
			"gender":    string(rec.Sex),
		},
	}
}
