// Package liveness implements LivenessMonitor (component C7): periodic
// HEARTBEAT emission, missed-heartbeat tracking and eviction with
// mission orphan-requeue, and the fleet-wide inbound-traffic watchdog
// that triggers a full shutdown after 60 seconds of silence.
package liveness

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/dronecoord/sentinel/internal/telemetry"
	"github.com/dronecoord/sentinel/pkg/dispatcher"
	"github.com/dronecoord/sentinel/pkg/incidents"
	"github.com/dronecoord/sentinel/pkg/registry"
	"github.com/dronecoord/sentinel/pkg/types"
)

// watchdogTimeout is the 60-second no-traffic shutdown bound from
// spec.md §4.7/§5.
const watchdogTimeout = 60 * time.Second

// Watchdog tracks the most recent moment any drone produced a valid
// frame. ConnectionSession calls Touch on every successfully handled
// message; Monitor's watchdog loop reads Idle.
type Watchdog struct {
	last atomic.Int64
}

// NewWatchdog creates a Watchdog initialized to the current time.
func NewWatchdog() *Watchdog {
	w := &Watchdog{}
	w.Touch()
	return w
}

// Touch records that a valid frame was just received.
func (w *Watchdog) Touch() { w.last.Store(time.Now().UnixNano()) }

// Idle reports how long it has been since the last Touch.
func (w *Watchdog) Idle() time.Duration {
	return time.Since(time.Unix(0, w.last.Load()))
}

// Monitor is the C7 LivenessMonitor.
type Monitor struct {
	reg *registry.Registry
	q   *incidents.Queue
	disp *dispatcher.Dispatcher
	cfg types.ServerConfig
	tel *telemetry.Telemetry
	log *log.Logger

	watchdog *Watchdog
	shutdown func()
}

// New constructs a Monitor. shutdown, if non-nil, is invoked at most
// once, when the 60-second no-traffic watchdog trips; Run then returns
// nil. The Supervisor passes nil and treats that nil return as its
// shutdown signal.
func New(reg *registry.Registry, q *incidents.Queue, disp *dispatcher.Dispatcher, cfg types.ServerConfig, tel *telemetry.Telemetry, wd *Watchdog, shutdown func(), logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	if wd == nil {
		wd = NewWatchdog()
	}
	return &Monitor{
		reg:      reg,
		q:        q,
		disp:     disp,
		cfg:      cfg,
		tel:      tel,
		log:      logger,
		watchdog: wd,
		shutdown: shutdown,
	}
}

// Watchdog returns the monitor's Watchdog, for sessions to Touch.
func (m *Monitor) Watchdog() *Watchdog { return m.watchdog }

// Run drives the heartbeat sender, heartbeat checker, and watchdog
// loops until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.HeartbeatIntervalS) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}

	senderTicker := time.NewTicker(interval)
	checkerTicker := time.NewTicker(interval)
	watchdogTicker := time.NewTicker(time.Second)
	defer senderTicker.Stop()
	defer checkerTicker.Stop()
	defer watchdogTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-senderTicker.C:
			m.broadcastHeartbeat()
		case <-checkerTicker.C:
			m.checkHeartbeats(ctx)
		case <-watchdogTicker.C:
			if m.watchdog.Idle() >= watchdogTimeout {
				m.log.Printf("[LIVENESS] watchdog: no drone traffic for %s, shutting down", watchdogTimeout)
				if m.shutdown != nil {
					m.shutdown()
				}
				return nil
			}
		}
	}
}

// broadcastHeartbeat sends HEARTBEAT to every registered drone. Write
// failures only log; eviction is the checker's decision, not the
// sender's, per spec.md §4.7.
func (m *Monitor) broadcastHeartbeat() {
	msg := &types.Heartbeat{Type: types.MsgHeartbeat, Timestamp: time.Now()}
	m.reg.ForEach(func(rec *registry.Record) {
		if rec.Send == nil {
			return
		}
		if err := rec.Send(msg); err != nil {
			m.log.Printf("[LIVENESS] heartbeat send to drone %d failed: %v", rec.ID, err)
		}
	})
}

// checkHeartbeats increments missed-heartbeat counts and evicts any
// drone that has crossed heartbeat_miss_threshold, requeuing its
// in-flight mission as an orphan if it was ON_MISSION.
func (m *Monitor) checkHeartbeats(ctx context.Context) {
	interval := time.Duration(m.cfg.HeartbeatIntervalS) * time.Second
	threshold := m.cfg.HeartbeatMissThresh
	if threshold <= 0 {
		threshold = 3
	}

	type evictee struct {
		rec    *registry.Record
		target types.Coord
		onMiss bool
	}
	var toEvict []evictee

	m.reg.ForEach(func(rec *registry.Record) {
		if time.Since(rec.LastHeartbeat) < interval {
			return
		}
		rec.MissedHeartbeats++
		if m.tel != nil {
			m.tel.RecordHeartbeatMiss(ctx)
		}
		if rec.MissedHeartbeats >= threshold {
			toEvict = append(toEvict, evictee{
				rec:    rec,
				target: rec.Target,
				onMiss: rec.Status == types.DroneOnMission,
			})
		}
	})

	for _, e := range toEvict {
		m.log.Printf("[LIVENESS] evicting drone %d after %d missed heartbeats", e.rec.ID, threshold)
		m.reg.Evict(e.rec, e.rec.Close)
		if m.tel != nil {
			m.tel.RecordEviction(ctx)
		}
		if e.onMiss && m.disp != nil {
			if inc, ok := m.disp.OrphanByTarget(e.target); ok {
				if err := m.q.RequeueOrphaned(ctx, inc); err != nil {
					m.log.Printf("[LIVENESS] failed to requeue orphaned incident: %v", err)
				}
			}
		}
	}
}
