package replay

import (
	"errors"
	"sync"
	"testing"
)

func tr(id int) Transition {
	return Transition{Reward: float64(id)}
}

func ids(items []Transition) []int {
	out := make([]int, len(items))
	for i, t := range items {
		out[i] = int(t.Reward)
	}
	return out
}

func TestBufferEvictsOldestFirst(t *testing.T) {
	buf, err := New(3, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 1; i <= 5; i++ {
		buf.Push(tr(i))
	}
	if buf.Len() != 3 {
		t.Fatalf("expected len 3, got %d", buf.Len())
	}
	got := ids(buf.Snapshot())
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestBufferEvictionOrderIgnoresSampling(t *testing.T) {
	buf, err := New(4, 7)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 1; i <= 4; i++ {
		buf.Push(tr(i))
	}
	before := buf.Snapshot()
	for i := 0; i < 20; i++ {
		if _, err := buf.Sample(3); err != nil {
			t.Fatalf("sample: %v", err)
		}
	}
	after := buf.Snapshot()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("sampling mutated buffer: %v vs %v", ids(before), ids(after))
		}
	}

	buf.Push(tr(5))
	buf.Push(tr(6))
	got := ids(buf.Snapshot())
	want := []int{3, 4, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestBufferSampleHasNoDuplicateIndices(t *testing.T) {
	buf, err := New(16, 3)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 16; i++ {
		buf.Push(tr(i))
	}
	for round := 0; round < 50; round++ {
		batch, err := buf.Sample(16)
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		seen := map[int]bool{}
		for _, id := range ids(batch) {
			if seen[id] {
				t.Fatalf("round %d: duplicate id %d in %v", round, id, ids(batch))
			}
			seen[id] = true
		}
	}
}

func TestBufferSmallSampleFromLargeBuffer(t *testing.T) {
	const capacity = 50000
	buf, err := New(capacity, 5)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < capacity+100; i++ {
		buf.Push(tr(i))
	}
	for round := 0; round < 20; round++ {
		batch, err := buf.Sample(32)
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		if len(buf.swapped) > 32 {
			t.Fatalf("round %d: sampling touched %d positions for 32 draws", round, len(buf.swapped))
		}
		seen := map[int]bool{}
		for _, id := range ids(batch) {
			if id < 100 || id >= capacity+100 {
				t.Fatalf("round %d: sampled evicted id %d", round, id)
			}
			if seen[id] {
				t.Fatalf("round %d: duplicate id %d", round, id)
			}
			seen[id] = true
		}
	}
}

func TestBufferSampleInsufficientData(t *testing.T) {
	buf, err := New(8, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	buf.Push(tr(1))
	buf.Push(tr(2))

	_, err = buf.Sample(3)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected insufficient data, got %v", err)
	}
	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) || insufficient.Requested != 3 || insufficient.Available != 2 {
		t.Fatalf("unexpected error detail: %#v", err)
	}
	if _, err := buf.Sample(0); !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("expected invalid sample error, got %v", err)
	}
}

func TestBufferSampleDeterministicForSeed(t *testing.T) {
	fill := func() *Buffer {
		buf, err := New(10, 99)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		for i := 0; i < 10; i++ {
			buf.Push(tr(i))
		}
		return buf
	}
	a, b := fill(), fill()
	for round := 0; round < 5; round++ {
		x, _ := a.Sample(4)
		y, _ := b.Sample(4)
		for i := range x {
			if x[i] != y[i] {
				t.Fatalf("round %d: samples differ %v vs %v", round, ids(x), ids(y))
			}
		}
	}
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	if _, err := New(0, 1); !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("expected invalid capacity, got %v", err)
	}
}

func TestSyncedConcurrentPush(t *testing.T) {
	buf, err := New(64, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	shared := NewSynced(buf)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				shared.Push(tr(worker*1000 + i))
				if shared.Len() >= 8 {
					if _, err := shared.Sample(8); err != nil {
						t.Errorf("sample: %v", err)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	if shared.Len() != 64 {
		t.Fatalf("expected full buffer, got %d", shared.Len())
	}
}
