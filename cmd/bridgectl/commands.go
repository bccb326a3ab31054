package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"modbus-bridge/internal/db"
	"modbus-bridge/internal/output"
	"modbus-bridge/internal/tariff"
	"modbus-bridge/pkg/statedb"
)

func run(ctx context.Context, c *statedb.Client, w io.Writer, cmd string, args []string) error {
	switch cmd {
	case "toggle":
		return runToggle(ctx, c, w, args)
	case "states":
		return runStates(ctx, c, w)
	case "status":
		return runStatus(ctx, c, w, args)
	case "latest":
		return runLatest(ctx, c, w, args)
	case "history":
		return runHistory(ctx, c, w, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parseDevice(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid device id %q", s)
	}
	return id, nil
}

func runToggle(ctx context.Context, c *statedb.Client, w io.Writer, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: toggle <device> <0|1> <on|off>")
	}
	id, err := parseDevice(args[0])
	if err != nil {
		return err
	}
	output, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid output %q", args[1])
	}
	var on bool
	switch strings.ToLower(args[2]) {
	case "on", "1", "true":
		on = true
	case "off", "0", "false":
	default:
		return fmt.Errorf("invalid state %q", args[2])
	}
	if err := c.Toggle(ctx, id, output, on); err != nil {
		return err
	}
	fmt.Fprintf(w, "device %d output %d -> %s (queued)\n", id, output, strings.ToLower(args[2]))
	return nil
}

func runStates(ctx context.Context, c *statedb.Client, w io.Writer) error {
	states, err := c.States(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tOUT0\tOUT1\tPENDING\tOBSERVED\tCHANGED")
	for _, s := range states {
		observed := "-"
		if s.ObservedAt != nil {
			observed = fmt.Sprintf("%d/%d", s.ObservedOutput0, s.ObservedOutput1)
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%t\t%s\t%s\n", s.DeviceID, s.Output0, s.Output1, s.DispatchPending, observed, s.LastChangedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runStatus(ctx context.Context, c *statedb.Client, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	stale := fs.Duration("stale", 0, "age after which the device is offline (default 60s)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: status [-stale d] <device>")
	}
	id, err := parseDevice(fs.Arg(0))
	if err != nil {
		return err
	}
	st, err := c.Status(ctx, id, statedb.StatusOptions{StaleAfter: *stale})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func runLatest(ctx context.Context, c *statedb.Client, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("latest", flag.ContinueOnError)
	jsonPath := fs.String("json", "", "write samples to a JSON file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var id int64
	if fs.NArg() > 0 {
		var err error
		if id, err = parseDevice(fs.Arg(0)); err != nil {
			return err
		}
	}
	samples, err := c.Latest(ctx, id)
	if err != nil {
		return err
	}
	if *jsonPath != "" {
		return output.WriteJSON(*jsonPath, samples)
	}
	return printSamples(w, samples)
}

func runHistory(ctx context.Context, c *statedb.Client, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	since := fs.Duration("since", 0, "only samples newer than this age, e.g. 1h")
	limit := fs.Int("limit", 100, "maximum number of samples (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: history [-since d] [-limit n] <device>")
	}
	id, err := parseDevice(fs.Arg(0))
	if err != nil {
		return err
	}
	var from time.Time
	if *since > 0 {
		from = time.Now().Add(-*since)
	}
	samples, err := c.History(ctx, id, from, *limit)
	if err != nil {
		return err
	}
	return printSamples(w, samples)
}

func printSamples(w io.Writer, samples []statedb.Sample) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tREGISTER\tNAME\tVALUE\tOBSERVED")
	for _, s := range samples {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\n", s.DeviceID, s.RegisterID, s.Register, s.Value, s.ObservedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runExport(ctx context.Context, d *db.DB, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	device := fs.Int64("device", 0, "device id (0 exports every device's state and requires -device for history)")
	since := fs.Duration("since", 24*time.Hour, "history window")
	jsonPath := fs.String("json", "", "path to write history JSON (optional)")
	csvPath := fs.String("csv", "", "path to write history CSV (optional)")
	statesPath := fs.String("states", "", "path to write device states CSV (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jsonPath == "" && *csvPath == "" && *statesPath == "" {
		return errors.New("no output specified: set -json, -csv and/or -states")
	}

	if *statesPath != "" {
		states, err := d.DeviceStates(ctx)
		if err != nil {
			return err
		}
		if err := output.WriteStatesCSV(*statesPath, states); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %d states to %s\n", len(states), *statesPath)
	}
	if *jsonPath == "" && *csvPath == "" {
		return nil
	}
	if *device <= 0 {
		return errors.New("-device is required for history export")
	}
	rows, err := d.History(ctx, *device, time.Now().Add(-*since), 0)
	if err != nil {
		return err
	}
	if *jsonPath != "" {
		if err := output.WriteJSON(*jsonPath, rows); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %d rows to %s\n", len(rows), *jsonPath)
	}
	if *csvPath != "" {
		if err := output.WriteTelemetryCSV(*csvPath, rows); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %d rows to %s\n", len(rows), *csvPath)
	}
	return nil
}

func runCost(w io.Writer, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cost <kWh>")
	}
	kWh, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid energy %q", args[0])
	}
	s := tariff.Default()
	fmt.Fprintf(w, "%.3f kWh: %.0f (incl. %.0f%% VAT)\n", kWh, s.Cost(kWh), s.VAT*100)
	return nil
}
