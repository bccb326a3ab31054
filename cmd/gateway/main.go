package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"modbus-bridge/internal/tasks"
)

func main() {
	var opts tasks.Options
	flag.StringVar(&opts.ConfigPath, "config", "config/bridge.yaml", "path to YAML config with a gateway section")
	flag.StringVar(&opts.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutting down gateway...")
		cancel()
	}()

	if err := tasks.InitAndRunGateway(ctx, opts); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}
