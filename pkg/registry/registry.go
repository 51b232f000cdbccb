// Package registry implements the fleet-wide identity-to-record map
// described by the drone coordination specification: a DroneRegistry
// wrapping a bounded list of drone records behind a registry-wide lock,
// with a second lock per record for the mutations the Dispatcher and
// ConnectionSession perform concurrently.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dronecoord/sentinel/internal/drerr"
	"github.com/dronecoord/sentinel/internal/eventbus"
	"github.com/dronecoord/sentinel/internal/telemetry"
	"github.com/dronecoord/sentinel/pkg/boundedlist"
	"github.com/dronecoord/sentinel/pkg/types"
)

// ErrRegistryFull is returned by Register once the fleet is at capacity.
var ErrRegistryFull = errors.New("registry: full")

// ErrNotFound is returned by LookupByID when no record matches.
var ErrNotFound = errors.New("registry: not found")

// Record is one connected drone's server-side state. All fields below
// Mu must only be read or written while Mu is held; the registry's own
// lock (Registry.mu) protects only membership (who is in the fleet),
// never a record's contents.
type Record struct {
	Mu sync.Mutex

	ID      int
	DroneID string // textual wire id, e.g. "D7"

	Coord  types.Coord
	Target types.Coord
	Status types.DroneStatus

	LastHeartbeat    time.Time
	MissedHeartbeats int

	SessionID string

	// Send is the record's owning session's framed writer. Other
	// components read it under Mu. The Dispatcher copies it out and
	// calls it after releasing Mu; the liveness monitor's heartbeat
	// broadcast calls it from inside ForEach, with Mu held.
	Send func(v any) error

	// Close tears down the record's owning session's socket. Evict
	// always invokes the closeSocket it's given, but every caller that
	// forces an eviction from outside the owning session (the liveness
	// monitor, in particular) must pass this rather than nil, or the
	// session's read loop is left polling a socket the registry has
	// already forgotten.
	Close func() error

	// handle addresses this record's slot in the registry's bounded
	// list; used by Evict to unlink in O(1).
	handle boundedlist.Handle
}

// Registry is the fleet: an identity->record map enforcing max_drones
// via a bounded list, plus the registry-wide membership lock.
type Registry struct {
	mu     sync.Mutex
	list   *boundedlist.List[*Record]
	byID   map[int]*Record
	bySess map[string]*Record
	tel    *telemetry.Telemetry
	bus    *eventbus.Bus
}

// New creates a registry with room for exactly maxDrones records.
func New(maxDrones int) *Registry {
	return &Registry{
		list:   boundedlist.New[*Record](maxDrones),
		byID:   make(map[int]*Record),
		bySess: make(map[string]*Record),
	}
}

// SetTelemetry attaches a Telemetry instance whose registry.active_drones
// gauge Register/Evict keep in sync. Optional: a registry with no
// telemetry attached simply skips the gauge update.
func (r *Registry) SetTelemetry(tel *telemetry.Telemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tel = tel
}

// SetEventBus attaches a Bus that Register/Evict publish
// DroneRegistered/DroneEvicted to. Optional: a registry with no bus
// attached simply skips the publish, same as SetTelemetry.
func (r *Registry) SetEventBus(bus *eventbus.Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bus = bus
}

// Register adds rec to the fleet. Fails with ErrRegistryFull if the
// fleet is already at max_drones; the caller (ConnectionSession) must
// translate that into an ERROR code=400-adjacent protocol rejection
// per the specification's capacity-errors policy (back-pressure, not a
// wire fault on its own).
func (r *Registry) Register(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, replacing := r.byID[rec.ID]
	if replacing {
		// Same drone_id reconnecting: replace the stale record so the
		// new session owns it, per the reconnect-within-grace scenario.
		r.unlinkLocked(prior)
	}

	h, err := r.list.TryAdd(rec)
	if err != nil {
		return ErrRegistryFull
	}
	rec.handle = h
	r.byID[rec.ID] = rec
	if rec.SessionID != "" {
		r.bySess[rec.SessionID] = rec
	}
	if !replacing {
		r.tel.SetActiveDrones(context.Background(), 1)
		r.bus.Publish(eventbus.Event{Kind: eventbus.DroneRegistered, DroneID: rec.DroneID, Coord: rec.Coord})
	}
	return nil
}

// LookupByID returns the record for id, if registered.
func (r *Registry) LookupByID(id int) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// LookupBySession returns the record owned by sessionID, if any.
func (r *Registry) LookupBySession(sessionID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.bySess[sessionID]
	return rec, ok
}

// unlinkLocked removes rec from every index and reports whether rec
// was actually a member beforehand, so Evict can tell a real removal
// from a no-op on an already-evicted record.
func (r *Registry) unlinkLocked(rec *Record) bool {
	removed := r.list.Remove(rec.handle)
	delete(r.byID, rec.ID)
	if rec.SessionID != "" {
		delete(r.bySess, rec.SessionID)
	}
	return removed
}

// Evict removes rec from the fleet, marks it DISCONNECTED, and closes
// its socket. Callers that need to re-queue an in-flight mission must
// read rec.Status/rec.Target (under rec.Mu) before calling Evict, since
// eviction does not itself touch the incident queue.
//
// Evict tolerates being called twice on the same Record (the liveness
// monitor and a session's own DISCONNECT_GRACE expiry can both reach
// it for one drone): the gauge and DroneEvicted publish only fire on
// the call that actually removes rec from the bounded list.
func (r *Registry) Evict(rec *Record, closeSocket func() error) {
	r.mu.Lock()
	removed := r.unlinkLocked(rec)
	tel := r.tel
	bus := r.bus
	r.mu.Unlock()

	rec.Mu.Lock()
	rec.Status = types.DroneDisconnected
	rec.Mu.Unlock()

	if closeSocket != nil {
		_ = closeSocket()
	}

	if !removed {
		return
	}
	tel.SetActiveDrones(context.Background(), -1)
	bus.Publish(eventbus.Event{Kind: eventbus.DroneEvicted, DroneID: rec.DroneID, Coord: rec.Coord})
}

// ForEach holds the registry lock while invoking visit once per
// record, acquiring and releasing that record's lock around the call.
// visit must not call back into the registry (no recursive registry
// lock acquisition), per the specification's lock-ordering rule.
func (r *Registry) ForEach(visit func(*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.list.Snapshot() {
		rec.Mu.Lock()
		visit(rec)
		rec.Mu.Unlock()
	}
}

// Size returns the current number of registered drones.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list.Len()
}

// NearestIdle scans the fleet under the registry lock for the IDLE
// drone minimizing Manhattan distance to target, tie-breaking on the
// lowest id. Returns nil if no idle drone exists.
func (r *Registry) NearestIdle(target types.Coord) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Record
	bestDist := 0
	for _, rec := range r.list.Snapshot() {
		rec.Mu.Lock()
		idle := rec.Status == types.DroneIdle
		coord := rec.Coord
		id := rec.ID
		rec.Mu.Unlock()

		if !idle {
			continue
		}
		d := types.ManhattanDistance(coord, target)
		if best == nil || d < bestDist || (d == bestDist && id < best.ID) {
			best = rec
			bestDist = d
		}
	}
	return best
}

// WaitHeartbeatDeadline blocks for interval, returning nil, or until
// ctx is done, returning ctx.Err(). It inspects no record; the liveness
// monitor does not call it and compares LastHeartbeat against the
// clock directly.
func WaitHeartbeatDeadline(ctx context.Context, interval time.Duration) error {
	t := time.NewTimer(interval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseDroneID extracts the numeric id from a textual drone_id,
// stripping a single leading 'D' or 'd' per the specification's wire
// format (e.g. "D7" -> 7).
func ParseDroneID(droneID string) (int, error) {
	s := droneID
	if len(s) > 0 && (s[0] == 'D' || s[0] == 'd') {
		s = s[1:]
	}
	if s == "" {
		return 0, drerr.Protocol(drerr.CodeBadJSON, "empty drone_id", nil)
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, drerr.Protocol(drerr.CodeBadJSON, "drone_id is not numeric: "+droneID, nil)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
