package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.chatrelay/config.toml", "Path to config file")
	port := flag.Int("port", 0, "Port to listen on (overrides config)")
	dataDir := flag.String("data-dir", "", "Directory for the file backend (overrides config)")
	storage := flag.String("storage", "", "Storage backend: file, sqlite, postgres or s3 (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	pprofAddr := flag.String("pprof", "", "Serve pprof on this address (e.g. localhost:6060)")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Chat Relay Server %s\n", Version)
		os.Exit(0)
	}

	if *debug {
		server.EnableDebugLogging(os.Stderr)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	resolvedConfigPath := *configPath
	if strings.HasPrefix(resolvedConfigPath, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to resolve config path: %v", err)
		}
		resolvedConfigPath = filepath.Join(homeDir, resolvedConfigPath[2:])
	}
	if absPath, err := filepath.Abs(resolvedConfigPath); err == nil {
		resolvedConfigPath = absPath
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.Port = *port
	}
	if *dataDir != "" {
		config.Storage.DataDir = *dataDir
	}
	if *storage != "" {
		config.Storage.Backend = *storage
	}

	storeOpts, err := config.StoreOptions()
	if err != nil {
		log.Fatalf("Failed to resolve storage paths: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := database.OpenStore(ctx, storeOpts)
	cancel()
	if err != nil {
		log.Fatalf("Failed to open %s storage: %v", storeOpts.Backend, err)
	}

	serverConfig := config.ToServerConfig()

	srv, err := server.NewServer(serverConfig, store)
	if err != nil {
		store.Close()
		log.Fatalf("Failed to create server: %v", err)
	}
	srv.SetConfigPath(resolvedConfigPath)

	log.Printf("Config: %s (resolved to %s, using defaults if not found)", *configPath, resolvedConfigPath)
	switch storeOpts.Backend {
	case database.BackendSQLite:
		log.Printf("Storage: sqlite (%s)", storeOpts.DatabasePath)
	case database.BackendPostgres:
		log.Printf("Storage: postgres")
	case database.BackendS3:
		log.Printf("Storage: s3 (bucket %s, prefix %q)", storeOpts.S3.Bucket, storeOpts.S3.Prefix)
	default:
		log.Printf("Storage: file (%s)", storeOpts.DataDir)
	}

	if err := srv.Start(); err != nil {
		srv.Stop()
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Chat relay %s started successfully", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - WebSocket: ws://%s:%d/ (also /ws)", serverConfig.Host, serverConfig.Port)
	if serverConfig.SSHPort > 0 {
		log.Printf("  - SSH: port %d (host key %s)", serverConfig.SSHPort, serverConfig.SSHHostKeyPath)
	}
	log.Printf("Health: http://%s:%d/health, metrics: /metrics", serverConfig.Host, serverConfig.Port)

	if *pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof server on http://%s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}
