package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dronecoord/sentinel/pkg/drone"
	"github.com/dronecoord/sentinel/pkg/types"
)

func main() {
	droneID := flag.String("id", "D1", "drone id, e.g. D7")
	addr := flag.String("coordinator", "localhost:2100", "coordinator drone listener address")
	speed := flag.Int("speed", 1, "speed reported in STATUS_UPDATE (the agent moves one cell per tick)")
	maxSpeed := flag.Int("max-speed", 1, "reported max_speed capability")
	battery := flag.Int("battery", 100, "reported battery_capacity capability")
	payload := flag.Int("payload", 0, "reported payload capability")
	flag.Parse()

	log.Printf("Starting drone %s, dialing coordinator at %s...", *droneID, *addr)

	cfg := drone.Config{
		DroneID: *droneID,
		Capabilities: types.Capabilities{
			MaxSpeed:        *maxSpeed,
			BatteryCapacity: *battery,
			Payload:         *payload,
		},
		Speed: *speed,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent, err := drone.Dial(ctx, *addr, cfg, log.Default())
	if err != nil {
		log.Fatalf("Failed to connect to coordinator: %v", err)
	}
	defer func() {
		if err := agent.Close(); err != nil {
			log.Printf("Error closing drone connection: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- agent.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
		if err := <-runErr; err != nil {
			log.Printf("Drone stopped with error: %v", err)
		}
	case err := <-runErr:
		if err != nil {
			log.Printf("Drone error: %v", err)
		}
	}

	log.Printf("Drone %s stopped", *droneID)
}
