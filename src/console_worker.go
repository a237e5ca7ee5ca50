package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	log "github.com/sirupsen/logrus"

	"github.com/ryansname/easunbridge/src/pi30"
)

const (
	highlightOn  = "\033[33m"
	highlightOff = "\033[0m"
)

// promptWriter keeps log lines from being drawn over the console prompt
type promptWriter struct {
	rl  *readline.Instance
	dst io.Writer
}

func (w *promptWriter) Write(p []byte) (int, error) {
	if w.rl == nil {
		return w.dst.Write(p)
	}
	w.rl.Clean()
	defer w.rl.Refresh()
	return w.dst.Write(p)
}

// ConsoleState is everything the console knows between commands
type ConsoleState struct {
	watches []string
	widths  map[string]int
	shown   map[string]string // last printed value per watched field
	header  bool

	latest     *PollUpdate
	lastRecord *pi30.StatusRecord
	ranges     *FieldRanges

	rl  *readline.Instance
	out func(line string)
}

// NewConsoleState creates an empty console printing to stdout
func NewConsoleState() *ConsoleState {
	return &ConsoleState{
		widths: map[string]int{},
		shown:  map[string]string{},
		ranges: NewFieldRanges(),
		out:    func(line string) { fmt.Println(line) },
	}
}

func (s *ConsoleState) print(format string, args ...any) {
	if s.rl != nil {
		s.rl.Clean()
		defer s.rl.Refresh()
	}
	s.out(fmt.Sprintf(format, args...))
}

// Update records a poll outcome; failed polls keep the previous record
func (s *ConsoleState) Update(update PollUpdate) {
	s.latest = &update
	if update.Record == nil {
		return
	}
	s.lastRecord = update.Record
	for _, f := range update.Record.Fields() {
		s.ranges.Observe(f.Name, f.Value, update.At)
	}
}

func (s *ConsoleState) values() map[string]string {
	if s.lastRecord == nil {
		return nil
	}
	values := map[string]string{"device_status": s.lastRecord.DeviceStatus}
	for _, f := range s.lastRecord.Fields() {
		values[f.Name] = f.Value
	}
	return values
}

// AddWatch starts printing a field; the list stays sorted
func (s *ConsoleState) AddWatch(field string) {
	i, found := slices.BinarySearch(s.watches, field)
	if found {
		log.Printf("Already watching: %s", field)
		return
	}
	s.watches = slices.Insert(s.watches, i, field)
	s.header = false
	log.Printf("Watching: %s", field)
}

// RemoveWatch stops printing a field
func (s *ConsoleState) RemoveWatch(field string) bool {
	i, found := slices.BinarySearch(s.watches, field)
	if !found {
		log.Printf("No watch found for: %s", field)
		return false
	}
	s.watches = slices.Delete(s.watches, i, i+1)
	s.header = false
	log.Printf("Unwatched: %s", field)
	return true
}

// ClearWatches stops printing every field
func (s *ConsoleState) ClearWatches() {
	s.watches = nil
	s.header = false
	log.Println("All watches removed")
}

// ListFields prints each field of the latest record with its value
func (s *ConsoleState) ListFields() {
	values := s.values()
	if values == nil {
		log.Println("No data received yet")
		return
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	s.print("Available fields (%d):", len(names))
	for _, name := range names {
		s.print("  %-26s %s", name, values[name])
	}
}

// PrintState prints the link state as of the last poll
func (s *ConsoleState) PrintState() {
	if s.latest == nil {
		s.print("No poll yet")
		return
	}
	outcome := "ok"
	if s.latest.Record == nil {
		outcome = "failed"
	}
	s.print("state=%s failures=%d last_poll=%s (%s)",
		s.latest.State, s.latest.Failures, s.latest.At.Format("15:04:05"), outcome)
}

// PrintRange prints the last hour's min/max of a numeric field
func (s *ConsoleState) PrintRange(field string, now time.Time) {
	lo, hi, ok := s.ranges.Span(field, now)
	if !ok {
		s.print("No numeric data for %s in the last hour", field)
		return
	}
	s.print("%s: min %s, max %s (last hour)", field,
		strconv.FormatFloat(lo, 'f', -1, 64), strconv.FormatFloat(hi, 'f', -1, 64))
}

// PrintRow prints one line of watched values, or nothing if none changed.
// Cells that changed since the previous line are highlighted.
func (s *ConsoleState) PrintRow() {
	if len(s.watches) == 0 {
		return
	}
	if !s.header {
		s.print("%s", strings.Join(s.watches, " | "))
		s.header = true
		clear(s.shown)
		for _, w := range s.watches {
			s.widths[w] = len(w)
		}
	}

	values := s.values()
	cells := make([]string, len(s.watches))
	changed := false
	for i, w := range s.watches {
		value, ok := values[w]
		if !ok {
			value = "-"
		}
		s.widths[w] = max(s.widths[w], len(value))
		cell := fmt.Sprintf("%*s", s.widths[w], value)

		if prev, seen := s.shown[w]; !seen || prev != value {
			changed = true
			cell = highlightOn + cell + highlightOff
		}
		cells[i] = cell
	}
	if !changed {
		return
	}

	s.print("%s", strings.Join(cells, " | "))
	for _, w := range s.watches {
		if v, ok := values[w]; ok {
			s.shown[w] = v
		} else {
			s.shown[w] = "-"
		}
	}
}

const consoleHelp = `Commands:
  list              - List fields of the latest record
  watch <field>...  - Print a row whenever a watched field changes
  unwatch <field>   - Remove a watch
  unwatch --all     - Remove all watches
  range <field>     - Min/max of a numeric field over the last hour
  state             - Show connection state
  help              - Show this help`

// handleConsoleCommand runs one line typed at the prompt
func handleConsoleCommand(line string, state *ConsoleState) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "watch":
		if len(args) == 0 {
			log.Println("Usage: watch <field>...")
			return
		}
		for _, field := range args {
			state.AddWatch(field)
		}
	case "unwatch":
		switch {
		case len(args) == 0:
			log.Println("Usage: unwatch <field> | unwatch --all")
		case args[0] == "--all":
			state.ClearWatches()
		default:
			state.RemoveWatch(args[0])
		}
	case "range":
		if len(args) == 0 {
			log.Println("Usage: range <field>")
			return
		}
		state.PrintRange(args[0], time.Now())
	case "list":
		state.ListFields()
	case "state":
		state.PrintState()
	case "help":
		for _, l := range strings.Split(consoleHelp, "\n") {
			state.print("%s", l)
		}
	default:
		log.Printf("Unknown command: %s (try 'help')", cmd)
	}
}

// readCommands feeds typed lines to commands until EOF; Ctrl+C stops the bridge
func readCommands(ctx context.Context, cancel context.CancelFunc, rl *readline.Instance, commands chan<- string) {
	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel()
			return
		}
		if err != nil {
			return
		}
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		select {
		case commands <- line:
		case <-ctx.Done():
			return
		}
	}
}

// historyPath is where console history persists; empty disables history
func historyPath() string {
	cache, err := os.UserCacheDir() // honours XDG_CACHE_HOME
	if err != nil {
		return ""
	}
	dir := filepath.Join(cache, "easunbridge")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return ""
	}
	return filepath.Join(dir, "console_history")
}

// consoleWorker runs the interactive console on the live poll updates
func consoleWorker(ctx context.Context, cancel context.CancelFunc, updates <-chan PollUpdate) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "easun> ",
		HistoryFile: historyPath(),
	})
	if err != nil {
		log.Errorf("Console unavailable: %v", err)
		return
	}

	logOut := &promptWriter{rl: rl, dst: os.Stderr}
	log.SetOutput(logOut)
	defer func() {
		log.SetOutput(os.Stderr)
		_ = rl.Close()
	}()

	state := NewConsoleState()
	state.rl = rl
	log.Println("Console ready, type 'help' for commands")

	commands := make(chan string, 10)
	go readCommands(ctx, cancel, rl, commands)

	for {
		select {
		case line := <-commands:
			handleConsoleCommand(line, state)
		case update := <-updates:
			state.Update(update)
			if update.Record != nil {
				state.PrintRow()
			}
		case <-ctx.Done():
			log.Println("Console stopped")
			return
		}
	}
}
