package egress

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tobyfield/feedbridge/internal/crm"
	"github.com/tobyfield/feedbridge/internal/logging"
	"github.com/tobyfield/feedbridge/internal/record"
)

// memPager serves pages out of a slice the way the store serves them out of
// the people table.
type memPager struct {
	recs  []record.Record
	pages int
}

func newMemPager(n int) *memPager {
	p := &memPager{}
	for i := 0; i < n; i++ {
		p.recs = append(p.recs, record.Record{
			ID:   int64(i + 1),
			Name: fmt.Sprintf("Person%d", i),
			Sex:  record.SexFemale,
		})
	}
	return p
}

func (p *memPager) Page(_ context.Context, limit, offset int) ([]record.Record, error) {
	p.pages++
	if offset >= len(p.recs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(p.recs) {
		end = len(p.recs)
	}
	return p.recs[offset:end], nil
}

// memSender records every batch it is asked to deliver.
type memSender struct {
	batches [][]crm.Entry
	err     error
}

func (s *memSender) BatchUpsert(_ context.Context, entries []crm.Entry) error {
	if s.err != nil {
		return s.err
	}
	cp := make([]crm.Entry, len(entries))
	copy(cp, entries)
	s.batches = append(s.batches, cp)
	return nil
}

func TestRun_CapEnforcement(t *testing.T) {
	pager := newMemPager(10000)
	sender := &memSender{}

	r := NewRunner(pager, sender, Options{PageSize: 5000, Cap: 150, BatchSize: 100}, logging.Nop())
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// cap=150 with batch size 100 is exactly two outgoing calls: 100, then 50.
	if res.Delivered != 150 {
		t.Fatalf("delivered %d, want 150", res.Delivered)
	}
	if len(sender.batches) != 2 {
		t.Fatalf("sender saw %d batches, want 2", len(sender.batches))
	}
	if len(sender.batches[0]) != 100 || len(sender.batches[1]) != 50 {
		t.Fatalf("batch sizes = %d, %d; want 100, 50", len(sender.batches[0]), len(sender.batches[1]))
	}
}

func TestRun_BatchSizeContract(t *testing.T) {
	pager := newMemPager(730)
	sender := &memSender{}

	r := NewRunner(pager, sender, Options{PageSize: 250, Cap: 100000}, logging.Nop())
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Delivered != 730 {
		t.Fatalf("delivered %d, want 730", res.Delivered)
	}
	total := 0
	for i, b := range sender.batches {
		if len(b) > crm.MaxBatchSize {
			t.Fatalf("batch %d has %d entries, limit is %d", i, len(b), crm.MaxBatchSize)
		}
		total += len(b)
	}
	if total != 730 {
		t.Fatalf("batches sum to %d, want 730", total)
	}
	// Final partial batch (30) flushed before stopping.
	if last := sender.batches[len(sender.batches)-1]; len(last) != 30 {
		t.Fatalf("final batch has %d entries, want 30", len(last))
	}
}

func TestRun_SourceExhaustion(t *testing.T) {
	pager := newMemPager(42)
	sender := &memSender{}

	r := NewRunner(pager, sender, Options{PageSize: 10, Cap: 1000}, logging.Nop())
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Delivered != 42 {
		t.Fatalf("delivered %d, want 42", res.Delivered)
	}
	if res.Pages != 5 {
		t.Fatalf("counted %d non-empty pages, want 5", res.Pages)
	}
}

func TestRun_FatalSendStopsRun(t *testing.T) {
	pager := newMemPager(500)
	authErr := &crm.AuthError{StatusCode: 401, Message: "invalid token"}
	sender := &memSender{err: authErr}

	r := NewRunner(pager, sender, Options{PageSize: 200, Cap: 1000}, logging.Nop())
	res, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected run to fail")
	}
	var got *crm.AuthError
	if !errors.As(err, &got) {
		t.Fatalf("error = %v, want AuthError", err)
	}
	if res.Delivered != 0 {
		t.Fatalf("delivered %d before auth failure, want 0", res.Delivered)
	}
	if r.State() != StateFailed {
		t.Fatalf("machine in %q, want %q", r.State(), StateFailed)
	}
}

func TestRun_TransformUsesDerivedKey(t *testing.T) {
	pager := newMemPager(1)
	sender := &memSender{}

	r := NewRunner(pager, sender, Options{PageSize: 10, Cap: 10}, logging.Nop())
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entry := sender.batches[0][0]
	want := (record.Record{Name: "Person0", Sex: record.SexFemale}).Key()
	if entry.ID != want {
		t.Fatalf("entry id = %q, want derived key %q", entry.ID, want)
	}
	if entry.IDProperty != "email" {
		t.Fatalf("id property = %q, want email", entry.IDProperty)
	}
	if entry.Properties["firstname"] != "Person0" {
		t.Fatalf("properties = %v", entry.Properties)
	}
}

func TestRun_ProgressCallback(t *testing.T) {
	pager := newMemPager(250)
	sender := &memSender{}

	r := NewRunner(pager, sender, Options{PageSize: 100, Cap: 1000}, logging.Nop())
	var updates []int
	r.SetProgressFunc(func(res Result) {
		updates = append(updates, res.Delivered)
	})

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("progress called %d times, want 3", len(updates))
	}
	if updates[len(updates)-1] != 250 {
		t.Fatalf("final progress = %d, want 250", updates[len(updates)-1])
	}
}
