// Command incident-producer is a demo external client: it connects to
// the coordinator's incident-ingestion port and emits synthetic
// survivor incidents, standing in for whatever real sensor/report
// pipeline a deployment would otherwise wire up. It is not part of the
// dispatch/queue core and carries no protocol invariants of its own.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

type incidentFrame struct {
	Coord struct {
		X int `json:"x"`
		Y int `json:"y"`
	} `json:"coord"`
	Info string `json:"info"`
}

func main() {
	addr := flag.String("coordinator", "localhost:2102", "coordinator incident-ingestion address")
	width := flag.Int("width", 20, "map width, for random coordinate generation")
	height := flag.Int("height", 20, "map height, for random coordinate generation")
	rateSecs := flag.Int("rate", 5, "base seconds between incidents (survivor_spawn_rate_s)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, stopping incident producer...")
		cancel()
	}()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to connect to incident-ingestion port %s: %v", *addr, err)
	}
	defer conn.Close()

	log.Printf("Incident producer connected to %s, emitting every ~%ds", *addr, *rateSecs)

	limiter := rate.NewLimiter(rate.Every(time.Duration(*rateSecs)*time.Second), 1)
	w := bufio.NewWriter(conn)

	for ctx.Err() == nil {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		frame := incidentFrame{Info: fmt.Sprintf("SURV-%04d", rand.Intn(10000))}
		frame.Coord.X = rand.Intn(*width)
		frame.Coord.Y = rand.Intn(*height)

		b, err := json.Marshal(frame)
		if err != nil {
			log.Printf("marshal incident: %v", err)
			continue
		}
		b = append(b, '\n')
		if _, err := w.Write(b); err != nil {
			log.Fatalf("write incident: %v", err)
		}
		if err := w.Flush(); err != nil {
			log.Fatalf("flush incident: %v", err)
		}
		log.Printf("emitted incident at (%d,%d): %s", frame.Coord.X, frame.Coord.Y, frame.Info)

		// survivor_generator's own 2-5s jitter, layered on top of the
		// rate limiter's base pacing.
		jitter := time.Duration(2+rand.Intn(4)) * time.Second
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
		}
	}

	log.Println("Incident producer stopped")
}
