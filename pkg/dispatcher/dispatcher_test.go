package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/dronecoord/sentinel/pkg/incidents"
	"github.com/dronecoord/sentinel/pkg/registry"
	"github.com/dronecoord/sentinel/pkg/types"
)

func newTestRecord(id int, coord types.Coord) (*registry.Record, *[]*types.AssignMission) {
	sent := &[]*types.AssignMission{}
	rec := &registry.Record{
		ID:     id,
		Coord:  coord,
		Status: types.DroneIdle,
		Send: func(v any) error {
			if m, ok := v.(*types.AssignMission); ok {
				*sent = append(*sent, m)
			}
			return nil
		},
	}
	return rec, sent
}

func TestAssignSendsMissionToNearestIdle(t *testing.T) {
	reg := registry.New(4)
	q := incidents.New(4, 4)
	d := New(reg, q, nil, nil)

	near, nearSent := newTestRecord(1, types.Coord{X: 0, Y: 0})
	far, farSent := newTestRecord(2, types.Coord{X: 10, Y: 10})
	reg.Register(near)
	reg.Register(far)

	inc := &types.Incident{Coord: types.Coord{X: 1, Y: 1}, DiscoveryTime: time.Now()}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.assign(ctx, inc)

	if len(*nearSent) != 1 {
		t.Fatalf("nearest drone received %d ASSIGN_MISSION, want 1", len(*nearSent))
	}
	if len(*farSent) != 0 {
		t.Fatalf("far drone received %d ASSIGN_MISSION, want 0", len(*farSent))
	}
	if (*nearSent)[0].Target != inc.Coord {
		t.Fatalf("mission target = %+v, want %+v", (*nearSent)[0].Target, inc.Coord)
	}

	near.Mu.Lock()
	status := near.Status
	target := near.Target
	near.Mu.Unlock()
	if status != types.DroneOnMission {
		t.Fatalf("status = %v, want ON_MISSION", status)
	}
	if target != inc.Coord {
		t.Fatalf("record target = %+v, want %+v", target, inc.Coord)
	}
}

func TestAssignNoIdleRequeuesOrphan(t *testing.T) {
	reg := registry.New(4)
	q := incidents.New(4, 4)
	d := New(reg, q, nil, nil)

	busy, _ := newTestRecord(1, types.Coord{X: 0, Y: 0})
	busy.Status = types.DroneOnMission
	reg.Register(busy)

	inc := &types.Incident{Coord: types.Coord{X: 1, Y: 1}, DiscoveryTime: time.Now()}
	ctx := context.Background()
	d.assign(ctx, inc)

	pri, _ := q.Sizes()
	if pri != 1 {
		t.Fatalf("priority tier size = %d, want 1 (orphan requeue)", pri)
	}
}

func TestCompleteMissionMatchesByTargetEarliestFirst(t *testing.T) {
	reg := registry.New(4)
	q := incidents.New(4, 4)
	d := New(reg, q, nil, nil)

	target := types.Coord{X: 5, Y: 5}
	older := &types.Incident{Coord: target, DiscoveryTime: time.Now().Add(-time.Minute)}
	newer := &types.Incident{Coord: target, DiscoveryTime: time.Now()}

	d.mu.Lock()
	d.inFlight[coordKey(target)] = []*types.Incident{newer, older}
	d.mu.Unlock()

	got, ok := d.CompleteMission(target)
	if !ok || got != older {
		t.Fatalf("CompleteMission matched %+v, want the earlier-discovered incident", got)
	}
	if got.Status != types.IncidentHelped {
		t.Fatalf("matched incident status = %v, want HELPED", got.Status)
	}

	// Remaining bucket entry should still be retrievable.
	got2, ok := d.CompleteMission(target)
	if !ok || got2 != newer {
		t.Fatalf("second CompleteMission = %+v, want the remaining incident", got2)
	}
}

func TestOrphanByTargetRemovesFromInFlight(t *testing.T) {
	reg := registry.New(4)
	q := incidents.New(4, 4)
	d := New(reg, q, nil, nil)

	target := types.Coord{X: 2, Y: 2}
	inc := &types.Incident{Coord: target, DiscoveryTime: time.Now()}
	d.mu.Lock()
	d.inFlight[coordKey(target)] = []*types.Incident{inc}
	d.mu.Unlock()

	got, ok := d.OrphanByTarget(target)
	if !ok || got != inc {
		t.Fatalf("OrphanByTarget = %+v, %v; want inc, true", got, ok)
	}
	if _, ok := d.OrphanByTarget(target); ok {
		t.Fatal("OrphanByTarget matched again after removal")
	}
}

func TestCountersAccumulate(t *testing.T) {
	reg := registry.New(4)
	q := incidents.New(4, 4)
	d := New(reg, q, nil, nil)

	rec, _ := newTestRecord(1, types.Coord{})
	reg.Register(rec)

	inc := &types.Incident{Coord: types.Coord{X: 1, Y: 0}, DiscoveryTime: time.Now().Add(-2 * time.Second)}
	d.assign(context.Background(), inc)

	total, wait := d.Counters()
	if total != 1 {
		t.Fatalf("total_assigned = %d, want 1", total)
	}
	if wait <= 0 {
		t.Fatalf("total_wait = %v, want > 0", wait)
	}
}
