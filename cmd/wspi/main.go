// wspi is an interactive inspector for whisper files.
//
// Usage:
//
//	wspi <file>   Open a whisper file
//
// Commands (in REPL):
//
//	info                         Show header and archive layout
//	fetch [from] [until]         Fetch a window (defaults: last 24h)
//	update <ts:value>...         Write points (ts may be "now")
//	dump <archive> [limit]       Print an archive's slots in ring order
//	point <archive> <slot>       Show one raw slot
//	agg <method> [xff]           Change the aggregation method
//	help                         Show this help
//	exit / quit / q              Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/calvinalkan/whisper/pkg/whisper"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: wspi <file>\n")
		return errors.New("missing whisper file path")
	}

	path := os.Args[1]

	db, err := whisper.Open(path, whisper.Options{Locking: true})
	if err != nil {
		return err
	}
	defer db.Close()

	repl := &REPL{db: db, path: path}

	return repl.Run()
}

var replCommands = []string{
	"info", "fetch", "update", "dump", "point", "agg", "help", "exit", "quit",
}

// REPL is the interactive command loop.
type REPL struct {
	db    *whisper.Whisper
	path  string
	liner *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".wspi_history")
}

func (r *REPL) completer(line string) []string {
	var out []string

	for _, cmd := range replCommands {
		if strings.HasPrefix(cmd, strings.ToLower(line)) {
			out = append(out, cmd)
		}
	}

	return out
}

// Run starts the interactive loop and returns on exit or EOF.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if histPath := historyFile(); histPath != "" {
		if f, err := os.Open(histPath); err == nil {
			_, _ = r.liner.ReadHistory(f)
			_ = f.Close()
		}
	}

	fmt.Printf("wspi - whisper inspector. File: %s. Type 'help' for commands.\n", r.path)

	for {
		line, err := r.liner.Prompt("wspi> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}

			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		if r.dispatch(line) {
			break
		}
	}

	if histPath := historyFile(); histPath != "" {
		if f, err := os.Create(histPath); err == nil {
			_, _ = r.liner.WriteHistory(f)
			_ = f.Close()
		}
	}

	return nil
}

// dispatch executes one command line. Returns true to exit the loop.
func (r *REPL) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help":
		r.printHelp()
	case "info":
		r.cmdInfo()
	case "fetch":
		r.cmdFetch(args)
	case "update":
		r.cmdUpdate(args)
	case "dump":
		r.cmdDump(args)
	case "point":
		r.cmdPoint(args)
	case "agg":
		r.cmdAgg(args)
	default:
		fmt.Printf("unknown command %q; try 'help'\n", cmd)
	}

	return false
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  info                     Show header and archive layout")
	fmt.Println("  fetch [from] [until]     Fetch a window (defaults: last 24h)")
	fmt.Println("  update <ts:value>...     Write points (ts may be \"now\")")
	fmt.Println("  dump <archive> [limit]   Print an archive's slots in ring order")
	fmt.Println("  point <archive> <slot>   Show one raw slot")
	fmt.Println("  agg <method> [xff]       Change the aggregation method")
	fmt.Println("  exit / quit / q          Exit")
}

func (r *REPL) cmdInfo() {
	h := r.db.Header()

	fmt.Printf("aggregation: %s  xff: %g  maxRetention: %ds  archives: %d\n",
		h.Metadata.Aggregation, h.Metadata.XFilesFactor, h.Metadata.MaxRetention, h.Metadata.ArchiveCount)

	for i, a := range h.Archives {
		retention := whisper.Retention{SecondsPerPoint: a.SecondsPerPoint, Points: a.Points}
		fmt.Printf("  archive %d: %s (offset %d, %d points)\n", i, retention, a.Offset, a.Points)
	}
}

func (r *REPL) cmdFetch(args []string) {
	now := uint32(time.Now().Unix())
	from := now - 86400
	until := uint32(0)

	if len(args) > 0 {
		v, err := parseUint32(args[0])
		if err != nil {
			fmt.Printf("bad from: %v\n", err)
			return
		}

		from = v
	}

	if len(args) > 1 {
		v, err := parseUint32(args[1])
		if err != nil {
			fmt.Printf("bad until: %v\n", err)
			return
		}

		until = v
	}

	series, err := r.db.Fetch(from, until)
	if err != nil {
		fmt.Printf("fetch: %v\n", err)
		return
	}

	known := 0

	for i, v := range series.Values {
		ts := series.From + uint32(i)*series.Step
		if math.IsNaN(v) {
			fmt.Printf("  %d\tNone\n", ts)
		} else {
			fmt.Printf("  %d\t%g\n", ts, v)
			known++
		}
	}

	fmt.Printf("step %ds, %d slots, %d known\n", series.Step, len(series.Values), known)
}

func (r *REPL) cmdUpdate(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: update <ts:value>...")
		return
	}

	points := make([]whisper.Point, 0, len(args))

	for _, arg := range args {
		tsStr, valStr, ok := strings.Cut(arg, ":")
		if !ok {
			fmt.Printf("%q is not ts:value\n", arg)
			return
		}

		ts := uint32(time.Now().Unix())

		if tsStr != "now" && tsStr != "N" {
			v, err := parseUint32(tsStr)
			if err != nil {
				fmt.Printf("bad timestamp %q: %v\n", tsStr, err)
				return
			}

			ts = v
		}

		val, err := strconv.ParseFloat(valStr, 64)
		if err != nil {
			fmt.Printf("bad value %q: %v\n", valStr, err)
			return
		}

		points = append(points, whisper.Point{Timestamp: ts, Value: val})
	}

	var err error
	if len(points) == 1 {
		err = r.db.Update(points[0].Value, points[0].Timestamp)
	} else {
		err = r.db.UpdateMany(points)
	}

	if err != nil {
		fmt.Printf("update: %v\n", err)
		return
	}

	fmt.Printf("wrote %d point(s)\n", len(points))
}

func (r *REPL) cmdDump(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: dump <archive> [limit]")
		return
	}

	idx, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("bad archive index: %v\n", err)
		return
	}

	limit := 0

	if len(args) > 1 {
		limit, err = strconv.Atoi(args[1])
		if err != nil {
			fmt.Printf("bad limit: %v\n", err)
			return
		}
	}

	points, err := r.db.DumpArchive(idx)
	if err != nil {
		fmt.Printf("dump: %v\n", err)
		return
	}

	shown := 0

	for slot, p := range points {
		if limit > 0 && shown >= limit {
			fmt.Printf("... %d more slots\n", len(points)-shown)
			break
		}

		fmt.Printf("  %d: %d, %g\n", slot, p.Timestamp, p.Value)
		shown++
	}
}

func (r *REPL) cmdPoint(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: point <archive> <slot>")
		return
	}

	idx, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("bad archive index: %v\n", err)
		return
	}

	slot, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Printf("bad slot: %v\n", err)
		return
	}

	points, err := r.db.DumpArchive(idx)
	if err != nil {
		fmt.Printf("point: %v\n", err)
		return
	}

	if slot < 0 || slot >= len(points) {
		fmt.Printf("slot %d out of range (archive has %d)\n", slot, len(points))
		return
	}

	p := points[slot]
	if p.Timestamp == 0 {
		fmt.Printf("slot %d: empty\n", slot)
	} else {
		fmt.Printf("slot %d: ts=%d value=%g\n", slot, p.Timestamp, p.Value)
	}
}

func (r *REPL) cmdAgg(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: agg <method> [xff]")
		return
	}

	method, err := whisper.ParseAggregationMethod(args[0])
	if err != nil {
		fmt.Printf("agg: %v\n", err)
		return
	}

	var xff *float32

	if len(args) > 1 {
		v, err := strconv.ParseFloat(args[1], 32)
		if err != nil {
			fmt.Printf("bad xff: %v\n", err)
			return
		}

		f := float32(v)
		xff = &f
	}

	answer, err := r.liner.Prompt("Rewrite the header aggregation method? (yes/no): ")
	if err != nil || strings.ToLower(strings.TrimSpace(answer)) != "yes" {
		fmt.Println("aborted")
		return
	}

	previous, err := r.db.SetAggregation(method, xff)
	if err != nil {
		fmt.Printf("agg: %v\n", err)
		return
	}

	fmt.Printf("aggregation method: %s -> %s\n", previous, method)
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}

	return uint32(v), nil
}
