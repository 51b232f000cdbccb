// Package session implements ConnectionSession (component C5): the
// per-connection protocol state machine described by the drone
// coordination specification, from AWAITING_HANDSHAKE through STEADY,
// DISCONNECT_GRACE, and eventual CLOSED/reconnect.
package session

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dronecoord/sentinel/internal/drerr"
	"github.com/dronecoord/sentinel/pkg/codec"
	"github.com/dronecoord/sentinel/pkg/dispatcher"
	"github.com/dronecoord/sentinel/pkg/incidents"
	"github.com/dronecoord/sentinel/pkg/liveness"
	"github.com/dronecoord/sentinel/pkg/registry"
	"github.com/dronecoord/sentinel/pkg/types"
)

// pollTimeout is the read deadline applied on every frame read, in
// both STEADY and DISCONNECT_GRACE, so the session observes
// cancellation and grace expiry within one second, per spec.md §5.
const pollTimeout = time.Second

type state int

const (
	stateAwaitingHandshake state = iota
	stateSteady
	stateDisconnectGrace
	stateClosed
)

// Deps bundles the shared components a Session needs; one Registry,
// Queue, Dispatcher, and ServerConfig are shared across every
// connection accepted by the Supervisor.
type Deps struct {
	Registry   *registry.Registry
	Queue      *incidents.Queue
	Dispatcher *dispatcher.Dispatcher
	Config     types.ServerConfig
	Logger     *log.Logger
	Watchdog   *liveness.Watchdog
}

// Session owns one accepted TCP connection for its entire lifetime,
// including any DISCONNECT_GRACE window and subsequent reconnect.
type Session struct {
	conn   net.Conn
	reader *codec.Reader
	writer *codec.Writer
	sendMu sync.Mutex

	deps Deps
	log  *log.Logger

	state      state
	rec        *registry.Record
	sessionID  string
	graceUntil time.Time
}

// New creates a Session over conn. Call Run to drive it to completion.
func New(conn net.Conn, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		conn:   conn,
		reader: codec.NewReader(conn),
		writer: codec.NewWriter(conn),
		deps:   deps,
		log:    logger,
		state:  stateAwaitingHandshake,
	}
}

func (s *Session) send(msg any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.writer.WriteMessage(msg)
}

func (s *Session) sendError(code, message string) {
	_ = s.send(&types.ErrorMsg{
		Type:      types.MsgError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// Run drives the session's state machine until the connection is
// closed, the context is canceled, or the drone is evicted. The
// connection is always closed before Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()

	for {
		select {
		case <-ctx.Done():
			s.shutdownCleanup()
			return ctx.Err()
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(pollTimeout))
		msg, err := s.reader.ReadMessage()
		if err != nil {
			if done := s.handleReadError(ctx, err); done {
				return nil
			}
			continue
		}

		if s.deps.Watchdog != nil {
			s.deps.Watchdog.Touch()
		}

		if err := s.handleMessage(msg); err != nil {
			if errors.Is(err, errCloseSession) {
				return nil
			}
		}
	}
}

var errCloseSession = errors.New("session: close")

// handleReadError classifies a read failure. A timeout is just the
// one-second cancellation poll and is not itself a transport failure.
// Anything else begins (or continues) DISCONNECT_GRACE. It returns
// true when the session is finished and Run should return.
func (s *Session) handleReadError(ctx context.Context, err error) (done bool) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if s.state == stateDisconnectGrace && time.Now().After(s.graceUntil) {
			s.evict(ctx)
			return true
		}
		return false
	}

	if errors.Is(err, io.EOF) || isTransport(err) {
		if s.state == stateAwaitingHandshake {
			// Never handshaked; nothing to keep alive for.
			return true
		}
		if s.state != stateDisconnectGrace {
			s.log.Printf("[SERVER] session %s lost connection, entering disconnect grace", s.sessionID)
			s.state = stateDisconnectGrace
			s.graceUntil = time.Now().Add(time.Duration(s.deps.Config.ReconnectGraceS) * time.Second)
		}
		return false
	}

	// Malformed frame / unknown type / oversize: a protocol error.
	var ce *drerr.CoordError
	if errors.As(err, &ce) {
		s.sendError(ce.Code, ce.Message)
		if s.state == stateAwaitingHandshake {
			return true
		}
		return false
	}

	s.log.Printf("[SERVER] session %s unexpected read error: %v", s.sessionID, err)
	return true
}

func isTransport(err error) bool {
	var ce *drerr.CoordError
	return errors.As(err, &ce) && ce.Kind == drerr.KindTransport
}

func (s *Session) handleMessage(msg any) error {
	wasGrace := s.state == stateDisconnectGrace
	switch s.state {
	case stateAwaitingHandshake:
		hs, ok := msg.(*types.Handshake)
		if !ok {
			s.sendError(drerr.CodeUnknownType, "expected HANDSHAKE")
			return errCloseSession
		}
		return s.handleHandshake(hs)
	case stateSteady, stateDisconnectGrace:
		if wasGrace {
			s.log.Printf("[SERVER] session %s reconnected within grace", s.sessionID)
			s.state = stateSteady
		}
		return s.handleSteady(msg)
	default:
		return errCloseSession
	}
}

func (s *Session) handleHandshake(hs *types.Handshake) error {
	id, err := registry.ParseDroneID(hs.DroneID)
	if err != nil {
		s.sendError(drerr.CodeBadJSON, "invalid drone_id")
		return errCloseSession
	}

	s.sessionID = uuid.New().String()
	rec := &registry.Record{
		ID:            id,
		DroneID:       hs.DroneID,
		Coord:         types.Coord{},
		Status:        types.DroneIdle,
		LastHeartbeat: time.Now(),
		SessionID:     s.sessionID,
		Send:          s.send,
		Close:         s.conn.Close,
	}
	if err := s.deps.Registry.Register(rec); err != nil {
		s.sendError(drerr.CodeRegistryFull, "fleet at capacity")
		return errCloseSession
	}
	s.rec = rec

	ack := &types.HandshakeAck{
		Type:      types.MsgHandshakeAck,
		SessionID: s.sessionID,
		Config: types.HandshakeAckConfig{
			StatusUpdateInterval: s.deps.Config.StatusUpdateIntervalS,
			HeartbeatInterval:    s.deps.Config.HeartbeatIntervalS,
		},
	}
	if err := s.send(ack); err != nil {
		return errCloseSession
	}
	s.state = stateSteady
	return nil
}

func (s *Session) handleSteady(msg any) error {
	switch m := msg.(type) {
	case *types.StatusUpdate:
		s.applyStatusUpdate(m)
	case *types.MissionComplete:
		s.applyMissionComplete(m)
	case *types.HeartbeatResponse:
		if s.rec != nil {
			s.rec.Mu.Lock()
			s.rec.LastHeartbeat = time.Now()
			s.rec.MissedHeartbeats = 0
			s.rec.Mu.Unlock()
		}
	case *types.Handshake:
		// Same drone_id re-handshaking mid-STEADY is treated as a
		// reconnect-replace, matching the DISCONNECT_GRACE path.
		return s.handleHandshake(m)
	default:
		s.sendError(drerr.CodeUnknownType, "unexpected message in STEADY")
	}
	return nil
}

// applyStatusUpdate updates the record's reported position and, per
// the non-demotion rule (spec.md §3), only ever moves status toward
// IDLE here — ON_MISSION is authoritative until MISSION_COMPLETE.
func (s *Session) applyStatusUpdate(m *types.StatusUpdate) {
	if s.rec == nil {
		return
	}
	bounds := types.Map{Width: s.deps.Config.MapWidth, Height: s.deps.Config.MapHeight}

	s.rec.Mu.Lock()
	s.rec.Coord = bounds.Clamp(m.Location)
	if m.IsIdle() && s.rec.Status != types.DroneOnMission {
		s.rec.Status = types.DroneIdle
	}
	s.rec.Mu.Unlock()
}

func (s *Session) applyMissionComplete(m *types.MissionComplete) {
	if s.rec == nil {
		return
	}
	s.rec.Mu.Lock()
	target := s.rec.Target
	s.rec.Status = types.DroneIdle
	s.rec.Mu.Unlock()

	if s.deps.Dispatcher != nil {
		if _, ok := s.deps.Dispatcher.CompleteMission(target); !ok {
			s.log.Printf("[SERVER] MISSION_COMPLETE from %s matched no in-flight incident at (%d,%d)",
				m.DroneID, target.X, target.Y)
		}
	}
}

// evict is called when DISCONNECT_GRACE expires without a reconnect.
// If the drone was mid-mission, its incident is requeued as an orphan
// ahead of normal incidents, per spec.md §4.5/§4.7.
func (s *Session) evict(ctx context.Context) {
	if s.rec == nil {
		return
	}
	s.log.Printf("[SERVER] session %s grace expired, evicting drone %s", s.sessionID, s.rec.DroneID)

	s.rec.Mu.Lock()
	wasOnMission := s.rec.Status == types.DroneOnMission
	target := s.rec.Target
	s.rec.Mu.Unlock()

	s.deps.Registry.Evict(s.rec, s.conn.Close)

	if wasOnMission && s.deps.Dispatcher != nil {
		if inc, ok := s.deps.Dispatcher.OrphanByTarget(target); ok {
			if err := s.deps.Queue.RequeueOrphaned(ctx, inc); err != nil {
				s.log.Printf("[SERVER] failed to requeue orphaned incident: %v", err)
			}
		}
	}
}

func (s *Session) shutdownCleanup() {
	if s.rec == nil {
		return
	}
	s.deps.Registry.Evict(s.rec, s.rec.Close)
}
