package types

import "time"

// MsgType tags every frame of the wire protocol (§6 of the specification).
type MsgType string

const (
	MsgHandshake          MsgType = "HANDSHAKE"
	MsgHandshakeAck       MsgType = "HANDSHAKE_ACK"
	MsgStatusUpdate       MsgType = "STATUS_UPDATE"
	MsgAssignMission      MsgType = "ASSIGN_MISSION"
	MsgMissionComplete    MsgType = "MISSION_COMPLETE"
	MsgHeartbeat          MsgType = "HEARTBEAT"
	MsgHeartbeatResponse  MsgType = "HEARTBEAT_RESPONSE"
	MsgError              MsgType = "ERROR"
)

// Capabilities describes a drone's hardware envelope, sent once at
// handshake time.
type Capabilities struct {
	MaxSpeed        int `json:"max_speed"`
	BatteryCapacity int `json:"battery_capacity"`
	Payload         int `json:"payload"`
}

// Handshake is the first frame a drone must send.
type Handshake struct {
	Type         MsgType      `json:"type"`
	DroneID      string       `json:"drone_id"`
	Capabilities Capabilities `json:"capabilities"`
}

// HandshakeAckConfig carries the server's tick intervals back to the drone.
type HandshakeAckConfig struct {
	StatusUpdateInterval int `json:"status_update_interval"`
	HeartbeatInterval    int `json:"heartbeat_interval"`
}

// HandshakeAck is the server's reply to a Handshake.
type HandshakeAck struct {
	Type      MsgType            `json:"type"`
	SessionID string             `json:"session_id"`
	Config    HandshakeAckConfig `json:"config"`
}

// StatusUpdate reports a drone's current location and condition. The wire
// status string is "idle" or "busy"; "on_mission" is accepted as a legacy
// synonym for "busy".
type StatusUpdate struct {
	Type      MsgType   `json:"type"`
	DroneID   string    `json:"drone_id"`
	Timestamp time.Time `json:"timestamp"`
	Location  Coord     `json:"location"`
	Status    string    `json:"status"`
	Battery   int       `json:"battery"`
	Speed     int       `json:"speed"`
}

// IsIdle reports whether the wire status string denotes an idle drone.
func (s StatusUpdate) IsIdle() bool { return s.Status == "idle" }

// IsBusy reports whether the wire status string denotes a busy drone,
// accepting the legacy "on_mission" synonym.
func (s StatusUpdate) IsBusy() bool { return s.Status == "busy" || s.Status == "on_mission" }

// AssignMission instructs a drone to travel to Target.
type AssignMission struct {
	Type      MsgType   `json:"type"`
	MissionID string    `json:"mission_id"`
	Priority  string    `json:"priority"`
	Target    Coord     `json:"target"`
	Expiry    time.Time `json:"expiry"`
	Checksum  string    `json:"checksum"`
}

// MissionComplete reports the outcome of a mission.
type MissionComplete struct {
	Type      MsgType   `json:"type"`
	DroneID   string    `json:"drone_id"`
	MissionID string    `json:"mission_id"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

// Heartbeat is broadcast by the server to every registered drone.
type Heartbeat struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatResponse answers a Heartbeat.
type HeartbeatResponse struct {
	Type      MsgType   `json:"type"`
	DroneID   string    `json:"drone_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMsg reports a protocol-level failure. Code is one of the stable
// strings defined by package drerr (e.g. "ERR-PROTO-400").
type ErrorMsg struct {
	Type      MsgType   `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
