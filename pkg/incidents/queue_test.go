package incidents

import (
	"context"
	"testing"
	"time"

	"github.com/dronecoord/sentinel/pkg/types"
)

func mk(x, y int) *types.Incident {
	return &types.Incident{Coord: types.Coord{X: x, Y: y}, Status: types.IncidentWaiting, DiscoveryTime: time.Now()}
}

func TestPriorityDrainedBeforeNormal(t *testing.T) {
	q := New(4, 4)
	ctx := context.Background()

	n := mk(1, 1)
	p := mk(2, 2)
	if err := q.PushNormal(ctx, n); err != nil {
		t.Fatalf("PushNormal: %v", err)
	}
	if err := q.RequeueOrphaned(ctx, p); err != nil {
		t.Fatalf("RequeueOrphaned: %v", err)
	}

	got, err := q.PopForDispatch(ctx)
	if err != nil {
		t.Fatalf("PopForDispatch: %v", err)
	}
	if got != p {
		t.Fatal("PopForDispatch did not prefer the priority tier")
	}

	got2, err := q.PopForDispatch(ctx)
	if err != nil {
		t.Fatalf("PopForDispatch: %v", err)
	}
	if got2 != n {
		t.Fatal("PopForDispatch did not fall back to the normal tier")
	}
}

func TestPopForDispatchOldestFirst(t *testing.T) {
	q := New(4, 4)
	ctx := context.Background()
	first := mk(0, 0)
	second := mk(1, 1)
	q.PushNormal(ctx, first)
	q.PushNormal(ctx, second)

	got, _ := q.PopForDispatch(ctx)
	if got != first {
		t.Fatal("PopForDispatch did not return the oldest normal incident first")
	}
}

func TestPopForDispatchBlocksUntilPush(t *testing.T) {
	q := New(4, 4)
	ctx := context.Background()

	resCh := make(chan *types.Incident, 1)
	go func() {
		v, err := q.PopForDispatch(ctx)
		if err != nil {
			t.Errorf("PopForDispatch: %v", err)
			return
		}
		resCh <- v
	}()

	select {
	case <-resCh:
		t.Fatal("PopForDispatch returned before anything was pushed")
	case <-time.After(100 * time.Millisecond):
	}

	inc := mk(3, 3)
	if err := q.PushNormal(ctx, inc); err != nil {
		t.Fatalf("PushNormal: %v", err)
	}

	select {
	case got := <-resCh:
		if got != inc {
			t.Fatal("PopForDispatch returned the wrong incident")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PopForDispatch never unblocked after a push")
	}
}

func TestBackPressureBlocksProducer(t *testing.T) {
	q := New(2, 2)
	ctx := context.Background()
	q.PushNormal(ctx, mk(0, 0))
	q.PushNormal(ctx, mk(1, 1))

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := q.PushNormal(cctx, mk(2, 2)); err != context.DeadlineExceeded {
		t.Fatalf("PushNormal over capacity = %v, want DeadlineExceeded", err)
	}
}

func TestSizesAndPeekForObserver(t *testing.T) {
	q := New(4, 4)
	ctx := context.Background()
	q.PushNormal(ctx, mk(0, 0))
	q.RequeueOrphaned(ctx, mk(1, 1))

	pr, nr := q.Sizes()
	if pr != 1 || nr != 1 {
		t.Fatalf("Sizes = %d, %d; want 1, 1", pr, nr)
	}

	priSnap, normSnap := q.PeekForObserver()
	if len(priSnap) != 1 || len(normSnap) != 1 {
		t.Fatalf("PeekForObserver = %d, %d; want 1, 1", len(priSnap), len(normSnap))
	}
}
