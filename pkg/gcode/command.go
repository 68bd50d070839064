// Package gcode parses console command lines and dispatches them to
// registered handlers.
package gcode

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"klipper-analog-probe/pkg/errors"
)

// Command is one parsed line. Argument keys are upper-cased; values keep
// their case so filenames survive.
type Command struct {
	Name string
	Args map[string]string
	Raw  string

	responses []string
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// Parse tokenizes a line. Extended commands use KEY=VALUE arguments and
// may quote values (FILENAME="first run"); classic commands use letter
// prefixed words (G1 Z5 F600). Blank and comment-only lines return nil.
func Parse(line string) (*Command, error) {
	ln := strings.TrimSpace(line)
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = ln[:idx]
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	if ln == "" {
		return nil, nil
	}

	fields, err := shlex.Split(ln)
	if err != nil {
		return nil, errors.InvalidParameterError(ln, "line", ln, err.Error())
	}
	if len(fields) == 0 {
		return nil, nil
	}

	cmd := &Command{
		Name: strings.ToUpper(fields[0]),
		Args: make(map[string]string, len(fields)-1),
		Raw:  line,
	}
	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(f, "="); ok {
			k = strings.ToUpper(strings.TrimSpace(k))
			if k == "" {
				return nil, errors.InvalidParameterError(cmd.Name, f, "", "missing parameter name")
			}
			cmd.Args[k] = strings.TrimSpace(v)
			continue
		}
		if f == "" {
			return nil, errors.InvalidParameterError(cmd.Name, `""`, "", "empty argument")
		}
		cmd.Args[strings.ToUpper(f[:1])] = f[1:]
	}
	return cmd, nil
}

// Respond queues a line of output for the caller.
func (c *Command) Respond(format string, args ...interface{}) {
	c.responses = append(c.responses, fmt.Sprintf(format, args...))
}

// Responses returns the output lines queued by the handler.
func (c *Command) Responses() []string {
	return c.responses
}

// Has reports whether the argument was given.
func (c *Command) Has(name string) bool {
	_, ok := c.Args[strings.ToUpper(name)]
	return ok
}

func (c *Command) invalid(name, value, reason string) error {
	return errors.InvalidParameterError(c.Name, strings.ToUpper(name), value, reason)
}

// String returns an argument or def when absent.
func (c *Command) String(name, def string) string {
	if v, ok := c.Args[strings.ToUpper(name)]; ok {
		return v
	}
	return def
}

// Bounds limits numeric arguments. Nil fields are unchecked.
type Bounds struct {
	Min   *float64 // >=
	Max   *float64 // <=
	Above *float64 // >
}

// Min returns Bounds with only a minimum.
func Min(v float64) Bounds { return Bounds{Min: &v} }

// Above returns Bounds with only an exclusive minimum.
func Above(v float64) Bounds { return Bounds{Above: &v} }

// Range returns Bounds with both ends inclusive.
func Range(lo, hi float64) Bounds { return Bounds{Min: &lo, Max: &hi} }

func (b Bounds) check(v float64) string {
	switch {
	case b.Min != nil && v < *b.Min:
		return fmt.Sprintf("must be at least %g", *b.Min)
	case b.Max != nil && v > *b.Max:
		return fmt.Sprintf("must be at most %g", *b.Max)
	case b.Above != nil && v <= *b.Above:
		return fmt.Sprintf("must be above %g", *b.Above)
	}
	return ""
}

// Float parses a float argument, returning def when absent.
func (c *Command) Float(name string, def float64, bounds Bounds) (float64, error) {
	raw, ok := c.Args[strings.ToUpper(name)]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, c.invalid(name, raw, "not a number")
	}
	if reason := bounds.check(v); reason != "" {
		return 0, c.invalid(name, raw, reason)
	}
	return v, nil
}

// OptFloat parses a float argument, returning nil when absent.
func (c *Command) OptFloat(name string, bounds Bounds) (*float64, error) {
	if !c.Has(name) {
		return nil, nil
	}
	v, err := c.Float(name, 0, bounds)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Int parses an integer argument, returning def when absent.
func (c *Command) Int(name string, def int, bounds Bounds) (int, error) {
	raw, ok := c.Args[strings.ToUpper(name)]
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, c.invalid(name, raw, "not an integer")
	}
	if reason := bounds.check(float64(v)); reason != "" {
		return 0, c.invalid(name, raw, reason)
	}
	return v, nil
}

// Bool parses 1/0, true/false, yes/no or on/off, returning def when absent.
func (c *Command) Bool(name string, def bool) (bool, error) {
	raw, ok := c.Args[strings.ToUpper(name)]
	if !ok {
		return def, nil
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, c.invalid(name, raw, "not a boolean")
}
