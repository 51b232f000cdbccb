// Package drone implements DroneAgent (component C8): the client side
// of the protocol, symmetric to pkg/session. One TCP connection, two
// cooperating goroutines: a communication task that reads server
// frames and a movement task that advances one grid cell per tick
// toward an assigned target, X-axis first then Y-axis.
package drone

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/dronecoord/sentinel/pkg/codec"
	"github.com/dronecoord/sentinel/pkg/types"
)

// tickInterval is the movement loop's 1-second-per-cell pace from
// spec.md's GLOSSARY ("Tick").
const tickInterval = time.Second

// Config describes one agent's identity and capabilities, sent once
// at handshake time.
type Config struct {
	DroneID      string
	Capabilities types.Capabilities
	Speed        int
}

// Agent is the client-side DroneAgent state machine.
type Agent struct {
	cfg  Config
	conn net.Conn

	reader *codec.Reader
	writer *codec.Writer
	sendMu sync.Mutex

	log *log.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	coord     types.Coord
	target    types.Coord
	onMission bool
	missionID string
	battery   int
}

// Dial connects to addr, performs the HANDSHAKE/HANDSHAKE_ACK exchange,
// and returns a ready-to-run Agent.
func Dial(ctx context.Context, addr string, cfg Config, logger *log.Logger) (*Agent, error) {
	if logger == nil {
		logger = log.Default()
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:     cfg,
		conn:    conn,
		reader:  codec.NewReader(conn),
		writer:  codec.NewWriter(conn),
		log:     logger,
		battery: cfg.Capabilities.BatteryCapacity,
	}
	a.cond = sync.NewCond(&a.mu)

	if err := a.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) send(msg any) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.writer.WriteMessage(msg)
}

func (a *Agent) handshake() error {
	hs := &types.Handshake{
		Type:         types.MsgHandshake,
		DroneID:      a.cfg.DroneID,
		Capabilities: a.cfg.Capabilities,
	}
	if err := a.send(hs); err != nil {
		return err
	}

	msg, err := a.reader.ReadMessage()
	if err != nil {
		return err
	}
	ack, ok := msg.(*types.HandshakeAck)
	if !ok {
		return errUnexpectedHandshakeReply
	}
	a.log.Printf("[DRONE] %s handshake complete, session %s", a.cfg.DroneID, ack.SessionID)

	return a.send(&types.StatusUpdate{
		Type:      types.MsgStatusUpdate,
		DroneID:   a.cfg.DroneID,
		Timestamp: time.Now(),
		Location:  types.Coord{},
		Status:    "idle",
		Battery:   a.battery,
		Speed:     a.cfg.Speed,
	})
}

var errUnexpectedHandshakeReply = &handshakeError{"expected HANDSHAKE_ACK"}

type handshakeError struct{ msg string }

func (e *handshakeError) Error() string { return e.msg }

// Run starts the communication and movement tasks and blocks until
// ctx is canceled or the connection fails.
func (a *Agent) Run(ctx context.Context) error {
	defer a.conn.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- a.communicate(ctx) }()
	go func() { errCh <- a.move(ctx) }()

	select {
	case <-ctx.Done():
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
		return ctx.Err()
	case err := <-errCh:
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
		return err
	}
}

// communicate reads frames from the server: ASSIGN_MISSION sets the
// target and wakes the movement task; HEARTBEAT gets an immediate
// HEARTBEAT_RESPONSE.
func (a *Agent) communicate(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		a.conn.SetReadDeadline(time.Now().Add(tickInterval))
		msg, err := a.reader.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}

		switch m := msg.(type) {
		case *types.AssignMission:
			a.mu.Lock()
			a.target = m.Target
			a.missionID = m.MissionID
			a.onMission = true
			a.cond.Broadcast()
			a.mu.Unlock()
			a.log.Printf("[DRONE] %s assigned mission %s -> (%d,%d)", a.cfg.DroneID, m.MissionID, m.Target.X, m.Target.Y)
		case *types.Heartbeat:
			_ = a.send(&types.HeartbeatResponse{
				Type:      types.MsgHeartbeatResponse,
				DroneID:   a.cfg.DroneID,
				Timestamp: time.Now(),
			})
		case *types.ErrorMsg:
			a.log.Printf("[DRONE] %s received ERROR %s: %s", a.cfg.DroneID, m.Code, m.Message)
		default:
			// STATUS_UPDATE/MISSION_COMPLETE/HANDSHAKE are client->server
			// only; anything else from the server is ignored.
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeouter); ok && t.Timeout() {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// move waits for a mission, then advances one grid cell per tick
// toward the target, X-axis first then Y-axis (Manhattan path),
// emitting STATUS_UPDATE after every step and MISSION_COMPLETE plus a
// final idle STATUS_UPDATE on arrival.
func (a *Agent) move(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		a.mu.Lock()
		for !a.onMission && ctx.Err() == nil {
			a.cond.Wait()
		}
		if ctx.Err() != nil {
			a.mu.Unlock()
			return ctx.Err()
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		a.mu.Lock()
		if !a.onMission {
			a.mu.Unlock()
			continue
		}
		arrived := a.step()
		coord := a.coord
		missionID := a.missionID
		a.mu.Unlock()

		// Every step, including the arriving one, reports busy first.
		_ = a.send(&types.StatusUpdate{
			Type:      types.MsgStatusUpdate,
			DroneID:   a.cfg.DroneID,
			Timestamp: time.Now(),
			Location:  coord,
			Status:    "busy",
			Battery:   a.currentBattery(),
			Speed:     a.cfg.Speed,
		})

		if arrived {
			_ = a.send(&types.MissionComplete{
				Type:      types.MsgMissionComplete,
				DroneID:   a.cfg.DroneID,
				MissionID: missionID,
				Timestamp: time.Now(),
				Success:   true,
			})
			a.mu.Lock()
			a.onMission = false
			a.missionID = ""
			a.mu.Unlock()

			_ = a.send(&types.StatusUpdate{
				Type:      types.MsgStatusUpdate,
				DroneID:   a.cfg.DroneID,
				Timestamp: time.Now(),
				Location:  coord,
				Status:    "idle",
				Battery:   a.currentBattery(),
				Speed:     a.cfg.Speed,
			})
		}
	}
}

// step advances coord one cell toward target, X-axis first, and
// reports whether the agent has arrived. Caller must hold a.mu.
func (a *Agent) step() (arrived bool) {
	switch {
	case a.coord.X < a.target.X:
		a.coord.X++
	case a.coord.X > a.target.X:
		a.coord.X--
	case a.coord.Y < a.target.Y:
		a.coord.Y++
	case a.coord.Y > a.target.Y:
		a.coord.Y--
	}
	return a.coord == a.target
}

func (a *Agent) currentBattery() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.battery > 0 {
		a.battery--
	}
	return a.battery
}

// Coord returns the agent's current position.
func (a *Agent) Coord() types.Coord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.coord
}

// OnMission reports whether the agent currently has an assigned
// mission in progress.
func (a *Agent) OnMission() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onMission
}

// Close closes the underlying connection.
func (a *Agent) Close() error {
	return a.conn.Close()
}
