package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/harborline/stevedore/internal/infrastructure/config"
	"github.com/harborline/stevedore/internal/server"
)

func main() {
	port := flag.String("port", "", "HTTP port (overrides PORT)")
	dbDSN := flag.String("db", "", "database DSN (overrides DB_DSN)")
	driver := flag.String("hypervisor", "", "hypervisor driver: pve or docker (overrides HYPERVISOR_DRIVER)")
	catalogDir := flag.String("catalog", "", "catalog template directory (overrides CATALOG_DIR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dbDSN != "" {
		cfg.Database.DSN = *dbDSN
	}
	if *driver != "" {
		cfg.Hypervisor.Driver = *driver
	}
	if *catalogDir != "" {
		cfg.Catalog.Dir = *catalogDir
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		log.Println("Shutting down gracefully...")
		if err := srv.Close(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	}
}
