// Package types holds the data model shared across the coordinator and
// drone agent: map coordinates, drone/incident state, server configuration,
// and the wire message schemas exchanged over the line-delimited JSON
// protocol described in the drone coordination specification.
package types

import "time"

// Coord is a point on the map grid. All positions are clamped to
// [0, Height) x [0, Width) by Map.Clamp.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ManhattanDistance returns |dx| + |dy| between two coordinates, the
// system's sole distance metric.
func ManhattanDistance(a, b Coord) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Map is the bounded W x H integer grid. It owns no state beyond its
// dimensions: cell geometry, obstacles and routing are out of scope.
type Map struct {
	Width  int
	Height int
}

// Clamp forces a coordinate into the map bounds.
func (m Map) Clamp(c Coord) Coord {
	out := c
	if out.X < 0 {
		out.X = 0
	}
	if out.X >= m.Height {
		out.X = m.Height - 1
	}
	if out.Y < 0 {
		out.Y = 0
	}
	if out.Y >= m.Width {
		out.Y = m.Width - 1
	}
	return out
}

// DroneStatus is the server's authoritative view of a drone's state.
type DroneStatus string

const (
	DroneIdle         DroneStatus = "IDLE"
	DroneOnMission    DroneStatus = "ON_MISSION"
	DroneDisconnected DroneStatus = "DISCONNECTED"
)

// IncidentStatus tracks a survivor incident through its lifecycle.
type IncidentStatus string

const (
	IncidentWaiting  IncidentStatus = "WAITING"
	IncidentAssigned IncidentStatus = "ASSIGNED"
	IncidentHelped   IncidentStatus = "HELPED"
)

// Incident (aka Survivor) is a location requiring a drone visit.
type Incident struct {
	Coord          Coord
	Info           string
	DiscoveryTime  time.Time
	Status         IncidentStatus
	MissionID      string
	AssignedDrone  int
	AssignedAt     time.Time
}

// ServerConfig is produced externally (no interactive configuration menu
// is part of this system) and carries every tunable the coordinator needs.
type ServerConfig struct {
	Port                  int    `yaml:"port"`
	MaxDrones             int    `yaml:"max_drones"`
	MapWidth              int    `yaml:"map_width"`
	MapHeight             int    `yaml:"map_height"`
	SurvivorSpawnRateS    int    `yaml:"survivor_spawn_rate_s"`
	DroneSpeed            int    `yaml:"drone_speed"`
	StatusUpdateIntervalS int    `yaml:"status_update_interval_s"`
	HeartbeatIntervalS    int    `yaml:"heartbeat_interval_s"`
	HeartbeatMissThresh   int    `yaml:"heartbeat_miss_threshold"`
	ReconnectGraceS       int    `yaml:"reconnect_grace_s"`
	NormalQueueCapacity   int    `yaml:"normal_queue_capacity"`
	PriorityQueueCapacity int    `yaml:"priority_queue_capacity"`
	ViewerAddr            string `yaml:"viewer_addr"`
	IncidentAddr          string `yaml:"incident_addr"`
	GCPProject            string `yaml:"gcp_project"`
}

// DefaultServerConfig mirrors the original system's DEFAULT_* constants.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:                  2100,
		MaxDrones:             64,
		MapWidth:              20,
		MapHeight:             20,
		SurvivorSpawnRateS:    5,
		DroneSpeed:            1,
		StatusUpdateIntervalS: 5,
		HeartbeatIntervalS:    10,
		HeartbeatMissThresh:   3,
		ReconnectGraceS:       25,
		NormalQueueCapacity:   128,
		PriorityQueueCapacity: 64,
		ViewerAddr:            ":2101",
		IncidentAddr:          ":2102",
	}
}
