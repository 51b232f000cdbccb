package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dronecoord/sentinel/internal/config"
	"github.com/dronecoord/sentinel/pkg/coordinator"
)

func main() {
	log.Println("Starting drone coordination server...")

	fs := flag.NewFlagSet("coordinator", flag.ExitOnError)
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := config.Resolve(flags)
	if err != nil {
		log.Fatalf("Failed to resolve configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := coordinator.New(ctx, cfg, log.Default())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- sup.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
		if err := <-serverErr; err != nil {
			log.Printf("Supervisor stopped with error: %v", err)
		}
	case err := <-serverErr:
		if err != nil {
			log.Printf("Supervisor error: %v", err)
		}
	}

	log.Println("Drone coordination server stopped")
}
