// Command agentlensd runs the AgentLens daemon: it scans local coding-agent
// session logs, maintains the in-memory trace index, and serves the HTTP/SSE
// API consumed by the dashboard frontend.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentlens/daemon/internal/api"
	"github.com/agentlens/daemon/internal/broker"
	"github.com/agentlens/daemon/internal/config"
	"github.com/agentlens/daemon/internal/index"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to the XDG config directory)")
	port := flag.Int("port", 0, "Override server port")
	host := flag.String("host", "", "Override server bind host")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}

	idx, err := index.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build index: %v", err)
	}

	brk := broker.New(broker.DefaultQueueDepth)
	idx.Notify = brk.Publish

	server := api.NewServer(cfg, cfgPath, idx, brk, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go idx.Start(ctx)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	log.Printf("agentlensd listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := api.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
