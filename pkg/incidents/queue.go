// Package incidents implements the two-tier incident queue described by
// the drone coordination specification: a priority tier for missions
// orphaned by drone failure, drained ahead of the normal tier of
// freshly-reported survivor incidents.
package incidents

import (
	"context"
	"time"

	"github.com/dronecoord/sentinel/pkg/boundedlist"
	"github.com/dronecoord/sentinel/pkg/types"
)

// pollInterval bounds how long a single PopForDispatch attempt waits on
// either tier before re-checking the other, keeping the dispatcher
// responsive to priority arrivals without a fan-in select over two
// differently-typed bounded lists.
const pollInterval = 200 * time.Millisecond

// Queue is the IncidentQueue: two BoundedLists plus the policy of
// draining priority before normal.
type Queue struct {
	normal   *boundedlist.List[*types.Incident]
	priority *boundedlist.List[*types.Incident]
}

// New creates a queue with the given per-tier capacities.
func New(normalCapacity, priorityCapacity int) *Queue {
	return &Queue{
		normal:   boundedlist.New[*types.Incident](normalCapacity),
		priority: boundedlist.New[*types.Incident](priorityCapacity),
	}
}

// PushNormal enqueues a freshly-discovered incident, blocking while the
// normal tier is at capacity.
func (q *Queue) PushNormal(ctx context.Context, inc *types.Incident) error {
	_, err := q.normal.Add(ctx, inc)
	return err
}

// RequeueOrphaned moves an incident whose assigned drone failed back
// onto the priority tier, to be drained ahead of any normal incident.
func (q *Queue) RequeueOrphaned(ctx context.Context, inc *types.Incident) error {
	inc.Status = types.IncidentWaiting
	inc.AssignedDrone = 0
	_, err := q.priority.Add(ctx, inc)
	return err
}

// PopForDispatch drains the priority tier first, then normal, each
// time returning the oldest (tail) entry. It blocks until an incident
// is available in either tier or ctx is done.
func (q *Queue) PopForDispatch(ctx context.Context) (*types.Incident, error) {
	for {
		if _, ok := q.priority.PeekTail(); ok {
			if got, err := q.priority.PopTail(ctx); err == nil {
				return got, nil
			} else if err != boundedlist.ErrEmpty {
				return nil, err
			}
		}
		if _, ok := q.normal.PeekTail(); ok {
			if got, err := q.normal.PopTail(ctx); err == nil {
				return got, nil
			} else if err != boundedlist.ErrEmpty {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// PeekForObserver returns a snapshot of both tiers for the read-only
// external viewer. Priority entries are listed first.
func (q *Queue) PeekForObserver() (priority, normal []*types.Incident) {
	return q.priority.Snapshot(), q.normal.Snapshot()
}

// Sizes reports the current occupancy of each tier.
func (q *Queue) Sizes() (priority, normal int) {
	return q.priority.Len(), q.normal.Len()
}

// Close releases any blocked PushNormal/PopForDispatch callers.
func (q *Queue) Close() {
	q.normal.Close()
	q.priority.Close()
}
