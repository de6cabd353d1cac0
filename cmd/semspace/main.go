package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/scrypster/semspace/internal/config"
	"github.com/scrypster/semspace/internal/engine"
	"github.com/scrypster/semspace/internal/server"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: semspace <command> [arguments]

Commands:
  ingest <file>   Extract and reconcile the text in <file> into the workspace
  query <text>    Answer a question against the current workspace
  serve           Start the HTTP API server

Configuration is read from SEMSPACE_* environment variables and an optional
YAML config file (SEMSPACE_CONFIG).
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	system, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer system.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch os.Args[1] {
	case "ingest":
		if len(os.Args) < 3 {
			log.Fatalf("Usage: semspace ingest <file>")
		}
		runIngest(ctx, system, os.Args[2])
	case "query":
		if len(os.Args) < 3 {
			log.Fatalf("Usage: semspace query <text>")
		}
		runQuery(ctx, system, strings.Join(os.Args[2:], " "))
	case "serve":
		runServe(ctx, cfg, system)
	default:
		usage()
	}
}

func runIngest(ctx context.Context, system *engine.System, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", path, err)
	}

	report, err := system.ProcessText(ctx, string(data))
	if err != nil {
		log.Fatalf("Ingestion failed: %v", err)
	}

	fmt.Printf("Workspace version: %d\n", report.Version)
	fmt.Printf("Changed entities:  %s\n", strings.Join(report.ChangedEntities, ", "))
	fmt.Printf("Summaries updated: %d\n", report.SummariesUpdated)
	if report.Fallback {
		fmt.Println("Merge used the deterministic fallback.")
	}
	if report.PersistWarning != nil {
		fmt.Printf("Persistence warning: %v\n", report.PersistWarning)
	}
}

func runQuery(ctx context.Context, system *engine.System, query string) {
	answer, err := system.Query(ctx, query)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Println(answer)
}

func runServe(ctx context.Context, cfg *config.Config, system *engine.System) {
	addr, shutdown, err := server.Start(ctx, cfg, system)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Listening on %s", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)
	shutdown()
}
