// Package coordinator implements Supervisor (component C9): top-level
// composition. It reads configuration, constructs every shared
// component, binds the drone listener, the incident-ingestion
// listener, and the viewer HTTP endpoint, and runs them all under one
// cancellation until SIGINT/SIGTERM.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dronecoord/sentinel/internal/audit"
	"github.com/dronecoord/sentinel/internal/eventbus"
	"github.com/dronecoord/sentinel/internal/telemetry"
	"github.com/dronecoord/sentinel/pkg/dispatcher"
	"github.com/dronecoord/sentinel/pkg/incidents"
	"github.com/dronecoord/sentinel/pkg/liveness"
	"github.com/dronecoord/sentinel/pkg/registry"
	"github.com/dronecoord/sentinel/pkg/session"
	"github.com/dronecoord/sentinel/pkg/types"
)

// shutdownGraceExtra is added to ReconnectGraceS as the ceiling for
// waiting on in-flight sessions during shutdown, per spec.md §4.9.
const shutdownGraceExtra = 2 * time.Second

// Supervisor is the C9 top-level composition root.
type Supervisor struct {
	cfg  types.ServerConfig
	log  *log.Logger
	reg  *registry.Registry
	q    *incidents.Queue
	tel  *telemetry.Telemetry
	bus  *eventbus.Bus
	ledg *audit.Ledger
	disp *dispatcher.Dispatcher
	mon  *liveness.Monitor

	droneListener    net.Listener
	incidentListener net.Listener
	httpServer       *http.Server

	ready        chan struct{}
	sessionsDone chan struct{}
}

// Ready returns a channel that closes once Run has bound every listener,
// so callers (and tests using an ephemeral cfg.Port/IncidentAddr of
// ":0") can read back the resolved addresses via DroneAddr/IncidentAddr.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// DroneAddr returns the address the drone listener is bound to. Valid
// only after Ready() has closed.
func (s *Supervisor) DroneAddr() net.Addr { return s.droneListener.Addr() }

// IncidentAddr returns the address the incident-ingestion listener is
// bound to. Valid only after Ready() has closed.
func (s *Supervisor) IncidentAddr() net.Addr { return s.incidentListener.Addr() }

// New constructs a Supervisor and every component it owns, but does not
// bind any sockets yet; call Run to do that.
func New(ctx context.Context, cfg types.ServerConfig, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}

	reg := registry.New(cfg.MaxDrones)
	q := incidents.New(cfg.NormalQueueCapacity, cfg.PriorityQueueCapacity)
	tel := telemetry.New(ctx, logger)
	reg.SetTelemetry(tel)
	bus := eventbus.New(ctx, cfg.GCPProject, "dronecoord-lifecycle", logger)
	reg.SetEventBus(bus)
	ledg := audit.New(ctx, cfg.GCPProject, "", logger)
	disp := dispatcher.New(reg, q, tel, logger)
	disp.SetEventBus(bus)
	disp.SetLedger(ledg)

	watchdog := liveness.NewWatchdog()
	mon := liveness.New(reg, q, disp, cfg, tel, watchdog, nil, logger)

	return &Supervisor{
		cfg:          cfg,
		log:          logger,
		reg:          reg,
		q:            q,
		tel:          tel,
		bus:          bus,
		ledg:         ledg,
		disp:         disp,
		mon:          mon,
		ready:        make(chan struct{}),
		sessionsDone: make(chan struct{}),
	}
}

// Run binds the drone listener, the incident-ingestion listener, and
// the viewer HTTP endpoint, then runs every component under ctx until
// it is canceled, at which point it waits for in-flight sessions to
// drain (bounded by ReconnectGraceS+2s) before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	droneAddr := fmt.Sprintf(":%d", s.cfg.Port)
	dl, err := net.Listen("tcp", droneAddr)
	if err != nil {
		return fmt.Errorf("supervisor: bind drone listener on %s: %w", droneAddr, err)
	}
	s.droneListener = dl

	il, err := net.Listen("tcp", s.cfg.IncidentAddr)
	if err != nil {
		dl.Close()
		return fmt.Errorf("supervisor: bind incident listener on %s: %w", s.cfg.IncidentAddr, err)
	}
	s.incidentListener = il
	close(s.ready)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	s.httpServer = &http.Server{
		Addr:    s.cfg.ViewerAddr,
		Handler: otelhttp.NewHandler(mux, "viewer"),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		dl.Close()
		il.Close()
		return nil
	})

	g.Go(func() error {
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("viewer http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return s.disp.Run(gctx) })
	g.Go(func() error {
		if err := s.mon.Run(gctx); err != nil {
			return err
		}
		// Monitor.Run returns nil only when its no-traffic watchdog
		// trips; returning an error cancels gctx and shuts everything down.
		return fmt.Errorf("supervisor: liveness watchdog tripped, shutting down")
	})
	g.Go(func() error { return s.acceptDrones(gctx) })
	g.Go(func() error { return s.acceptIncidents(gctx) })

	err = g.Wait()

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.ReconnectGraceS)*time.Second+shutdownGraceExtra)
	defer cancel()
	select {
	case <-s.sessionsDone:
	case <-waitCtx.Done():
		s.log.Printf("[SUPERVISOR] timed out waiting for in-flight sessions to drain")
	}

	s.ledg.Close()
	s.bus.Close()
	s.tel.Shutdown(context.Background())

	return err
}

func (s *Supervisor) acceptDrones(ctx context.Context) error {
	defer close(s.sessionsDone)

	var wg sync.WaitGroup
	for {
		conn, err := s.droneListener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Printf("[SUPERVISOR] drone accept error: %v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			deps := session.Deps{
				Registry:   s.reg,
				Queue:      s.q,
				Dispatcher: s.disp,
				Config:     s.cfg,
				Logger:     s.log,
				Watchdog:   s.mon.Watchdog(),
			}
			sess := session.New(conn, deps)
			if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Printf("[SUPERVISOR] session ended: %v", err)
			}
		}()
	}

	wg.Wait()
	return nil
}

// incidentFrame is the tiny line-JSON ingestion protocol, distinct
// from the drone wire protocol, described by spec.md §12.5.
type incidentFrame struct {
	Coord types.Coord `json:"coord"`
	Info  string      `json:"info"`
}

func (s *Supervisor) acceptIncidents(ctx context.Context) error {
	for {
		conn, err := s.incidentListener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Printf("[SUPERVISOR] incident accept error: %v", err)
			continue
		}
		go s.serveIncidentConn(ctx, conn)
	}
}

// readIncidentFrame reads one newline-delimited incidentFrame off conn,
// retrying on read-deadline timeouts rather than treating them as
// terminal, the same non-latching approach pkg/codec.Reader uses for
// the drone wire protocol.
func readIncidentFrame(conn net.Conn, buf *[]byte) (*incidentFrame, error) {
	tmp := make([]byte, 4096)
	for {
		if i := bytes.IndexByte(*buf, '\n'); i >= 0 {
			line := (*buf)[:i]
			*buf = append([]byte(nil), (*buf)[i+1:]...)
			var frame incidentFrame
			if err := json.Unmarshal(line, &frame); err != nil {
				return nil, err
			}
			return &frame, nil
		}

		n, err := conn.Read(tmp)
		if n > 0 {
			*buf = append(*buf, tmp[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *Supervisor) serveIncidentConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	var buf []byte
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		frame, err := readIncidentFrame(conn, &buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		m := types.Map{Width: s.cfg.MapWidth, Height: s.cfg.MapHeight}
		inc := &types.Incident{
			Coord:         m.Clamp(frame.Coord),
			Info:          frame.Info,
			DiscoveryTime: time.Now(),
			Status:        types.IncidentWaiting,
		}
		if err := s.q.PushNormal(ctx, inc); err != nil {
			s.log.Printf("[SUPERVISOR] failed to enqueue incident: %v", err)
			return
		}
	}
}

// statusSnapshot is the read-only JSON shape served at GET /status.
type statusSnapshot struct {
	Drones        []droneStatus    `json:"drones"`
	PriorityQueue []types.Incident `json:"priority_queue"`
	NormalQueue   []types.Incident `json:"normal_queue"`
	TotalAssigned int              `json:"total_assigned"`
	TotalWaitSecs float64          `json:"total_wait_seconds"`
}

type droneStatus struct {
	ID      int         `json:"id"`
	DroneID string      `json:"drone_id"`
	Status  string      `json:"status"`
	Coord   types.Coord `json:"coord"`
}

func (s *Supervisor) handleStatus(w http.ResponseWriter, r *http.Request) {
	var drones []droneStatus
	s.reg.ForEach(func(rec *registry.Record) {
		drones = append(drones, droneStatus{
			ID:      rec.ID,
			DroneID: rec.DroneID,
			Status:  string(rec.Status),
			Coord:   rec.Coord,
		})
	})

	priority, normal := s.q.PeekForObserver()
	priVals := derefIncidents(priority)
	normVals := derefIncidents(normal)

	assigned, wait := s.disp.Counters()

	snap := statusSnapshot{
		Drones:        drones,
		PriorityQueue: priVals,
		NormalQueue:   normVals,
		TotalAssigned: assigned,
		TotalWaitSecs: wait.Seconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.log.Printf("[SUPERVISOR] status encode failed: %v", err)
	}
}

func derefIncidents(in []*types.Incident) []types.Incident {
	out := make([]types.Incident, 0, len(in))
	for _, inc := range in {
		out = append(out, *inc)
	}
	return out
}
