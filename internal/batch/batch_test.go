package batch

import "testing"

func TestAccumulatorThreshold(t *testing.T) {
	acc := NewAccumulator[int](3)

	if acc.Push(1) {
		t.Fatal("not full after 1 item")
	}
	if acc.Push(2) {
		t.Fatal("not full after 2 items")
	}
	if !acc.Push(3) {
		t.Fatal("expected full signal at threshold")
	}

	got := acc.Drain()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("drain returned %v, want [1 2 3]", got)
	}
	if acc.Len() != 0 {
		t.Fatalf("accumulator not empty after drain: %d", acc.Len())
	}
}

func TestAccumulatorPartialDrain(t *testing.T) {
	acc := NewAccumulator[string](10)
	acc.Push("a")
	acc.Push("b")

	got := acc.Drain()
	if len(got) != 2 {
		t.Fatalf("partial drain returned %d items, want 2", len(got))
	}
	if len(acc.Drain()) != 0 {
		t.Fatal("second drain must be empty")
	}
}

func TestAccumulatorBadThreshold(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for threshold 0")
		}
	}()
	NewAccumulator[int](0)
}
