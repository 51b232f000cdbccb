// Package dispatcher implements the "AI controller" (component C6):
// a single long-running task that pulls incidents off the queue,
// selects the nearest idle drone, and emits ASSIGN_MISSION. It also
// owns the in-flight mission table used to match MISSION_COMPLETE and
// heartbeat-eviction orphaning back to the originating incident.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dronecoord/sentinel/internal/audit"
	"github.com/dronecoord/sentinel/internal/eventbus"
	"github.com/dronecoord/sentinel/internal/telemetry"
	"github.com/dronecoord/sentinel/pkg/incidents"
	"github.com/dronecoord/sentinel/pkg/registry"
	"github.com/dronecoord/sentinel/pkg/types"
)

// missionExpiry is the advisory expiry window attached to every
// ASSIGN_MISSION, per spec.md §4.6/§5 (not enforced by eviction).
const missionExpiry = 300 * time.Second

// tickInterval bounds how long the dispatch loop waits with no drones
// registered before rechecking, matching the specification's 1-second
// cancellation granularity.
const tickInterval = time.Second

// Dispatcher is the C6 AI controller.
type Dispatcher struct {
	reg  *registry.Registry
	q    *incidents.Queue
	log  *log.Logger
	tel  *telemetry.Telemetry
	bus  *eventbus.Bus
	ledg *audit.Ledger

	mu            sync.Mutex
	inFlight      map[string][]*types.Incident // key: coordKey(target)
	totalWait     time.Duration
	totalAssigned int
}

// New constructs a Dispatcher wired to reg and q.
func New(reg *registry.Registry, q *incidents.Queue, tel *telemetry.Telemetry, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		reg:      reg,
		q:        q,
		log:      logger,
		tel:      tel,
		inFlight: make(map[string][]*types.Incident),
	}
}

// SetEventBus attaches a Bus that assign/CompleteMission/OrphanByTarget
// publish their IncidentDispatched/IncidentHelped/IncidentOrphaned
// events to. Optional: a Dispatcher with no bus attached simply skips
// the publish.
func (d *Dispatcher) SetEventBus(bus *eventbus.Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = bus
}

// SetLedger attaches a Ledger that CompleteMission records completed
// missions to. Optional, same as SetEventBus.
func (d *Dispatcher) SetLedger(ledg *audit.Ledger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ledg = ledg
}

func coordKey(c types.Coord) string { return fmt.Sprintf("%d,%d", c.X, c.Y) }

// Run drives the dispatch loop until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.reg.Size() == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(tickInterval):
			}
			continue
		}

		inc, err := d.q.PopForDispatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		d.assign(ctx, inc)
	}
}

func (d *Dispatcher) assign(ctx context.Context, inc *types.Incident) {
	rec := d.reg.NearestIdle(inc.Coord)
	if rec == nil {
		d.log.Printf("[AI] no idle drone for incident at (%d,%d); requeuing as orphan", inc.Coord.X, inc.Coord.Y)
		if err := d.q.RequeueOrphaned(ctx, inc); err != nil {
			d.log.Printf("[AI] requeue_orphaned failed: %v", err)
		}
		d.bus.Publish(eventbus.Event{Kind: eventbus.IncidentOrphaned, Coord: inc.Coord})
		return
	}

	missionID := uuid.New().String()

	rec.Mu.Lock()
	rec.Status = types.DroneOnMission
	rec.Target = inc.Coord
	send := rec.Send
	droneNum := rec.ID
	rec.Mu.Unlock()

	inc.Status = types.IncidentAssigned
	inc.MissionID = missionID
	inc.AssignedDrone = droneNum
	inc.AssignedAt = time.Now()

	d.mu.Lock()
	key := coordKey(inc.Coord)
	d.inFlight[key] = append(d.inFlight[key], inc)
	d.totalAssigned++
	d.totalWait += inc.AssignedAt.Sub(inc.DiscoveryTime)
	d.mu.Unlock()

	if d.tel != nil {
		d.tel.RecordDispatch(ctx, inc.AssignedAt.Sub(inc.DiscoveryTime))
	}
	d.bus.Publish(eventbus.Event{
		Kind:      eventbus.IncidentDispatched,
		DroneID:   rec.DroneID,
		Coord:     inc.Coord,
		MissionID: missionID,
	})

	msg := &types.AssignMission{
		Type:      types.MsgAssignMission,
		MissionID: missionID,
		Priority:  "medium",
		Target:    inc.Coord,
		Expiry:    time.Now().Add(missionExpiry),
		Checksum:  missionID,
	}
	if send == nil {
		d.log.Printf("[AI] drone %d has no writer attached; skipping ASSIGN_MISSION", droneNum)
		return
	}
	if err := send(msg); err != nil {
		d.log.Printf("[AI] failed to send ASSIGN_MISSION to drone %d: %v", droneNum, err)
	}
}

// CompleteMission matches a MISSION_COMPLETE by (target.x, target.y)
// against the in-flight table, tie-breaking on the earliest
// discovery_time per spec.md's resolved Open Question. Returns the
// matched incident, now marked HELPED.
func (d *Dispatcher) CompleteMission(target types.Coord) (*types.Incident, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := coordKey(target)
	bucket := d.inFlight[key]
	if len(bucket) == 0 {
		return nil, false
	}

	bestIdx := 0
	for i, inc := range bucket {
		if inc.DiscoveryTime.Before(bucket[bestIdx].DiscoveryTime) {
			bestIdx = i
		}
	}
	inc := bucket[bestIdx]
	bucket = append(bucket[:bestIdx], bucket[bestIdx+1:]...)
	if len(bucket) == 0 {
		delete(d.inFlight, key)
	} else {
		d.inFlight[key] = bucket
	}

	inc.Status = types.IncidentHelped

	d.ledg.RecordMission(audit.MissionRecord{
		MissionID:    inc.MissionID,
		DroneID:      fmt.Sprintf("D%d", inc.AssignedDrone),
		IncidentX:    inc.Coord.X,
		IncidentY:    inc.Coord.Y,
		WaitDuration: inc.AssignedAt.Sub(inc.DiscoveryTime),
	})
	d.bus.Publish(eventbus.Event{
		Kind:      eventbus.IncidentHelped,
		DroneID:   fmt.Sprintf("D%d", inc.AssignedDrone),
		Coord:     inc.Coord,
		MissionID: inc.MissionID,
	})

	return inc, true
}

// OrphanByTarget removes and returns the in-flight incident matching
// target, for the liveness monitor to requeue onto the priority tier
// when a drone carrying it is evicted.
func (d *Dispatcher) OrphanByTarget(target types.Coord) (*types.Incident, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := coordKey(target)
	bucket := d.inFlight[key]
	if len(bucket) == 0 {
		return nil, false
	}
	inc := bucket[0]
	bucket = bucket[1:]
	if len(bucket) == 0 {
		delete(d.inFlight, key)
	} else {
		d.inFlight[key] = bucket
	}
	d.bus.Publish(eventbus.Event{Kind: eventbus.IncidentOrphaned, Coord: inc.Coord, MissionID: inc.MissionID})
	return inc, true
}

// Counters returns the running total_assigned/total_wait performance
// counters the specification's Dispatcher tracks.
func (d *Dispatcher) Counters() (totalAssigned int, totalWait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalAssigned, d.totalWait
}
