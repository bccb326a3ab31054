// Command bridgectl is the operator tool for the bridge store: it queues
// output commands and prints or exports current state and history.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"modbus-bridge/internal/config"
	"modbus-bridge/internal/db"
	"modbus-bridge/internal/tasks"
	"modbus-bridge/pkg/statedb"
)

const usage = `usage: bridgectl [-config path] <command> [args]

commands:
  toggle <device> <0|1> <on|off>   queue an output command
  states                            list device state rows
  status <device>                   current reading, outputs and cost
  latest [device]                   newest sample per register
  history <device>                  samples newest first
  export                            write history and states to json/csv
  cost <kWh>                        tiered cost of an energy amount
`

func main() {
	log.SetFlags(0)
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/bridge.yaml", "path to YAML config")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	// cost needs no store.
	if cmd == "cost" {
		if err := runCost(os.Stdout, args); err != nil {
			log.Fatalf("cost: %v", err)
		}
		return
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cmd == "export" {
		d, err := db.Open(ctx, tasks.StoreOptions(cfg.Store))
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer d.Close()
		if err := runExport(ctx, d, os.Stdout, args); err != nil {
			log.Fatalf("export: %v", err)
		}
		return
	}

	c, err := statedb.Open(ctx, statedb.Options{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN, AutoMigrate: cfg.Store.AutoMigrate})
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer c.Close()

	if err := run(ctx, c, os.Stdout, cmd, args); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}
