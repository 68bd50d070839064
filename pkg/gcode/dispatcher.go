package gcode

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"klipper-analog-probe/pkg/errors"
	"klipper-analog-probe/pkg/log"
)

// Handler runs one command. It must validate every argument before
// issuing any device traffic, so a rejected command changes nothing.
type Handler func(ctx context.Context, cmd *Command) error

// Observer is told about every executed command.
type Observer interface {
	CommandExecuted(name string, elapsed time.Duration, err error)
}

type entry struct {
	handler Handler
	help    string
}

// Dispatcher maps command names to handlers. Outside callers (console,
// websocket) go through Run, which serializes them; handlers re-enter
// through Execute or RunScript.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]entry
	run      sync.Mutex
	obs      Observer
	logger   *log.Logger
}

// NewDispatcher creates a dispatcher with HELP registered.
func NewDispatcher(obs Observer) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]entry),
		obs:      obs,
		logger:   log.GetLogger("gcode"),
	}
	d.Register("HELP", "list available commands", d.cmdHelp)
	return d
}

// Register installs a handler. Registering the same name twice panics;
// that is a wiring bug.
func (d *Dispatcher) Register(name, help string, h Handler) {
	name = strings.ToUpper(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.handlers[name]; dup {
		panic("gcode: command registered twice: " + name)
	}
	d.handlers[name] = entry{handler: h, help: help}
}

// Commands returns the registered command names, sorted.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes a line with no other Run in progress.
func (d *Dispatcher) Run(ctx context.Context, line string) ([]string, error) {
	d.run.Lock()
	defer d.run.Unlock()
	return d.Execute(ctx, line)
}

// Execute parses and runs one line and returns the handler's output.
// A blank line is a no-op.
func (d *Dispatcher) Execute(ctx context.Context, line string) (out []string, err error) {
	var cmd *Command
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errors.RecoverPanic(r)
		}
		if cmd == nil {
			if err != nil {
				d.logger.WithError(err).Warn("bad command line %q", line)
			}
			return
		}
		if d.obs != nil {
			d.obs.CommandExecuted(cmd.Name, time.Since(start), err)
		}
		if err != nil {
			d.logger.WithField("command", cmd.Name).WithError(err).Warn("command failed")
		}
	}()

	parsed, err := Parse(line)
	if err != nil || parsed == nil {
		return nil, err
	}

	d.mu.RLock()
	e, ok := d.handlers[parsed.Name]
	d.mu.RUnlock()
	if !ok {
		return nil, errors.UnknownCommandError(parsed.Name)
	}

	cmd = parsed
	d.logger.Debug("executing %s", cmd.Raw)
	err = e.handler(ctx, cmd)
	return cmd.Responses(), err
}

// RunScript executes a multi-line script, stopping at the first error.
// Output lines are logged.
func (d *Dispatcher) RunScript(ctx context.Context, script string) error {
	for _, line := range strings.Split(script, "\n") {
		out, err := d.Execute(ctx, line)
		if err != nil {
			return err
		}
		for _, o := range out {
			d.logger.Info("%s", o)
		}
	}
	return nil
}

func (d *Dispatcher) cmdHelp(ctx context.Context, cmd *Command) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		cmd.Respond("%-22s %s", n, d.handlers[n].help)
	}
	return nil
}
