package session

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"testing"
	"time"

	"github.com/dronecoord/sentinel/pkg/dispatcher"
	"github.com/dronecoord/sentinel/pkg/incidents"
	"github.com/dronecoord/sentinel/pkg/registry"
	"github.com/dronecoord/sentinel/pkg/types"
)

func testDeps() (Deps, *registry.Registry) {
	reg := registry.New(4)
	q := incidents.New(4, 4)
	disp := dispatcher.New(reg, q, nil, log.Default())
	return Deps{
		Registry:   reg,
		Queue:      q,
		Dispatcher: disp,
		Config:     types.DefaultServerConfig(),
		Logger:     log.Default(),
	}, reg
}

func writeLine(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b = append(b, '\n')
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readLine(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(buf[:n], &m); err != nil {
		t.Fatalf("unmarshal %q: %v", buf[:n], err)
	}
	return m
}

func TestHandshakeRegistersDroneAndAcks(t *testing.T) {
	deps, reg := testDeps()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	writeLine(t, clientConn, types.Handshake{
		Type:    types.MsgHandshake,
		DroneID: "D1",
		Capabilities: types.Capabilities{
			MaxSpeed: 1, BatteryCapacity: 100, Payload: 1,
		},
	})

	ack := readLine(t, clientConn)
	if ack["type"] != string(types.MsgHandshakeAck) {
		t.Fatalf("ack type = %v, want HANDSHAKE_ACK", ack["type"])
	}
	if ack["session_id"] == nil || ack["session_id"] == "" {
		t.Fatal("ack missing session_id")
	}

	rec, err := reg.LookupByID(1)
	if err != nil {
		t.Fatalf("LookupByID(1): %v", err)
	}
	rec.Mu.Lock()
	status := rec.Status
	rec.Mu.Unlock()
	if status != types.DroneIdle {
		t.Fatalf("registered status = %v, want IDLE", status)
	}

	cancel()
	<-done
}

func TestStatusUpdateNonDemotionRule(t *testing.T) {
	deps, reg := testDeps()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	writeLine(t, clientConn, types.Handshake{Type: types.MsgHandshake, DroneID: "D2"})
	readLine(t, clientConn) // ack

	rec, err := reg.LookupByID(2)
	if err != nil {
		t.Fatalf("LookupByID(2): %v", err)
	}
	rec.Mu.Lock()
	rec.Status = types.DroneOnMission
	rec.Target = types.Coord{X: 3, Y: 3}
	rec.Mu.Unlock()

	writeLine(t, clientConn, types.StatusUpdate{
		Type:     types.MsgStatusUpdate,
		DroneID:  "D2",
		Location: types.Coord{X: 1, Y: 1},
		Status:   "idle",
	})

	// Give the session a moment to process the frame.
	time.Sleep(100 * time.Millisecond)

	rec.Mu.Lock()
	status := rec.Status
	coord := rec.Coord
	rec.Mu.Unlock()

	if status != types.DroneOnMission {
		t.Fatalf("status after stale idle STATUS_UPDATE = %v, want ON_MISSION (non-demotion)", status)
	}
	if coord != (types.Coord{X: 1, Y: 1}) {
		t.Fatalf("coord = %+v, want updated location even though status did not demote", coord)
	}

	cancel()
	<-done
}

func TestMissionCompleteReturnsDroneToIdle(t *testing.T) {
	deps, reg := testDeps()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	writeLine(t, clientConn, types.Handshake{Type: types.MsgHandshake, DroneID: "D3"})
	readLine(t, clientConn)

	rec, _ := reg.LookupByID(3)
	rec.Mu.Lock()
	rec.Status = types.DroneOnMission
	rec.Target = types.Coord{X: 5, Y: 5}
	rec.Mu.Unlock()

	writeLine(t, clientConn, types.MissionComplete{
		Type:    types.MsgMissionComplete,
		DroneID: "D3",
		Success: true,
	})

	time.Sleep(100 * time.Millisecond)

	rec.Mu.Lock()
	status := rec.Status
	rec.Mu.Unlock()
	if status != types.DroneIdle {
		t.Fatalf("status after MISSION_COMPLETE = %v, want IDLE", status)
	}

	cancel()
	<-done
}

func TestHeartbeatResponseResetsMissedCount(t *testing.T) {
	deps, reg := testDeps()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	writeLine(t, clientConn, types.Handshake{Type: types.MsgHandshake, DroneID: "D4"})
	readLine(t, clientConn)

	rec, _ := reg.LookupByID(4)
	rec.Mu.Lock()
	rec.MissedHeartbeats = 2
	rec.Mu.Unlock()

	writeLine(t, clientConn, types.HeartbeatResponse{Type: types.MsgHeartbeatResponse, DroneID: "D4"})
	time.Sleep(100 * time.Millisecond)

	rec.Mu.Lock()
	missed := rec.MissedHeartbeats
	rec.Mu.Unlock()
	if missed != 0 {
		t.Fatalf("MissedHeartbeats after HEARTBEAT_RESPONSE = %d, want 0", missed)
	}

	cancel()
	<-done
}
