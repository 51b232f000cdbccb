package boundedlist

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAddPopLIFO(t *testing.T) {
	l := New[int](4)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := l.Add(ctx, i); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	for i := 0; i < 4; i++ {
		got, err := l.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		// Add links at the head and Pop removes the head: newest first.
		if want := 3 - i; got != want {
			t.Fatalf("Pop order: got %d, want %d", got, want)
		}
	}
}

func TestPopTailOldestFirst(t *testing.T) {
	l := New[string](3)
	ctx := context.Background()
	l.Add(ctx, "first")
	l.Add(ctx, "second")
	l.Add(ctx, "third")

	got, err := l.PopTail(ctx)
	if err != nil || got != "first" {
		t.Fatalf("PopTail = %q, %v; want first, nil", got, err)
	}
	got, _ = l.PopTail(ctx)
	if got != "second" {
		t.Fatalf("PopTail = %q; want second", got)
	}
}

func TestTryAddFullReturnsErrFull(t *testing.T) {
	l := New[int](1)
	if _, err := l.TryAdd(1); err != nil {
		t.Fatalf("first TryAdd: %v", err)
	}
	if _, err := l.TryAdd(2); err != ErrFull {
		t.Fatalf("second TryAdd = %v, want ErrFull", err)
	}
}

func TestAddBlocksUntilCapacityFreed(t *testing.T) {
	l := New[int](1)
	ctx := context.Background()
	if _, err := l.Add(ctx, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan struct{})
	go func() {
		if _, err := l.Add(ctx, 2); err != nil {
			t.Errorf("blocked Add: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Add returned before capacity was freed")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := l.Pop(ctx); err != nil {
		t.Fatalf("Pop: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked Add never unblocked after Pop freed capacity")
	}
}

func TestPopBlocksUntilAdd(t *testing.T) {
	l := New[int](2)
	ctx := context.Background()

	type result struct {
		v   int
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := l.Pop(ctx)
		resCh <- result{v, err}
	}()

	select {
	case <-resCh:
		t.Fatal("Pop returned before any Add")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := l.Add(ctx, 42); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case r := <-resCh:
		if r.err != nil || r.v != 42 {
			t.Fatalf("Pop = %d, %v; want 42, nil", r.v, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never unblocked after Add")
	}
}

func TestRemoveMatch(t *testing.T) {
	l := New[int](4)
	ctx := context.Background()
	l.Add(ctx, 10)
	l.Add(ctx, 20)
	l.Add(ctx, 30)

	equal := func(a, b int) bool { return a == b }
	if !l.RemoveMatch(20, equal) {
		t.Fatal("RemoveMatch(20) = false, want true")
	}
	if l.RemoveMatch(20, equal) {
		t.Fatal("RemoveMatch(20) matched again after removal")
	}
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	// Capacity must have been returned: three more adds should now fit.
	if _, err := l.Add(ctx, 40); err != nil {
		t.Fatalf("Add after RemoveMatch: %v", err)
	}
	if _, err := l.Add(ctx, 50); err != nil {
		t.Fatalf("Add after RemoveMatch: %v", err)
	}
}

func TestRemoveByHandle(t *testing.T) {
	l := New[int](4)
	ctx := context.Background()
	h, _ := l.Add(ctx, 1)
	l.Add(ctx, 2)

	if !l.Remove(h) {
		t.Fatal("Remove(h) = false, want true")
	}
	if l.Remove(h) {
		t.Fatal("double Remove of same handle succeeded")
	}
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	l := New[int](1)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Pop(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Fatalf("Pop after Close = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never woke up after Close")
	}

	if _, err := l.Add(ctx, 1); err != ErrClosed {
		t.Fatalf("Add after Close = %v, want ErrClosed", err)
	}
}

func TestCloseDrainsPendingElement(t *testing.T) {
	l := New[int](1)
	ctx := context.Background()
	l.Add(ctx, 99)
	l.Close()

	v, err := l.Pop(ctx)
	if err != nil || v != 99 {
		t.Fatalf("Pop after Close with pending element = %d, %v; want 99, nil", v, err)
	}
}

func TestAddContextCancellation(t *testing.T) {
	l := New[int](1)
	ctx := context.Background()
	l.Add(ctx, 1) // fill capacity

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Add(cctx, 2); err != context.DeadlineExceeded {
		t.Fatalf("Add with expired ctx = %v, want DeadlineExceeded", err)
	}
}

func TestPopContextCancellation(t *testing.T) {
	l := New[int](1)
	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Pop(cctx); err != context.DeadlineExceeded {
		t.Fatalf("Pop on empty list with expired ctx = %v, want DeadlineExceeded", err)
	}
}

func TestSnapshotOrderAndIsolation(t *testing.T) {
	l := New[int](3)
	ctx := context.Background()
	l.Add(ctx, 1)
	l.Add(ctx, 2)
	l.Add(ctx, 3)

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d, want 3", len(snap))
	}
	// head-to-tail order is most-recently-added first.
	want := []int{3, 2, 1}
	for i, v := range want {
		if snap[i] != v {
			t.Fatalf("Snapshot[%d] = %d, want %d", i, snap[i], v)
		}
	}

	l.Pop(ctx)
	if len(snap) != 3 {
		t.Fatal("Snapshot slice mutated by subsequent Pop")
	}
}

func TestPeekAndPeekTail(t *testing.T) {
	l := New[int](2)
	if _, ok := l.Peek(); ok {
		t.Fatal("Peek on empty list returned ok=true")
	}
	ctx := context.Background()
	l.Add(ctx, 1)
	l.Add(ctx, 2)

	head, ok := l.Peek()
	if !ok || head != 2 {
		t.Fatalf("Peek = %d, %v; want 2, true", head, ok)
	}
	tail, ok := l.PeekTail()
	if !ok || tail != 1 {
		t.Fatalf("PeekTail = %d, %v; want 1, true", tail, ok)
	}
	if l.Len() != 2 {
		t.Fatal("Peek/PeekTail mutated the list")
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const n = 200
	l := New[int](8)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if _, err := l.Add(ctx, i); err != nil {
				t.Errorf("Add: %v", err)
				return
			}
		}
	}()

	seen := make([]bool, n)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			v, err := l.Pop(ctx)
			if err != nil {
				t.Errorf("Pop: %v", err)
				return
			}
			seen[v] = true
		}
	}()

	wg.Wait()
	for i, ok := range seen {
		if !ok {
			t.Fatalf("value %d never observed", i)
		}
	}
}
