package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section is one [name] block. Every getter records the option as
// accessed, including when it falls back to a default.
type Section struct {
	name    string
	options map[string]string

	mu       sync.RWMutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

// lookup returns the raw value and marks the option accessed.
func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	s.accessed[key] = struct{}{}
	s.mu.Unlock()
	v, ok := s.options[key]
	return v, ok
}

// GetUnusedOptions returns the options no getter read, sorted.
func (s *Section) GetUnusedOptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	sort.Strings(result)
	return result
}

// HasOption checks if an option exists in this section.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// Get returns a string option. Without a fallback a missing option is an
// error.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.lookup(option); ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", errMissingOption(s.name, option)
}

// GetScript returns a multi-line gcode option with blank lines removed.
// Missing means no script.
func (s *Section) GetScript(option string) string {
	v, _ := s.lookup(option)
	var lines []string
	for _, l := range strings.Split(v, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, "\n")
}

// IntBounds limits GetInt. Nil fields are unchecked.
type IntBounds struct {
	MinVal *int
	MaxVal *int
}

// GetInt returns an integer option.
func (s *Section) GetInt(option string, bounds IntBounds, fallback ...int) (int, error) {
	var v int
	if raw, ok := s.lookup(option); ok {
		i, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return 0, errInvalidValue(s.name, option, raw, "integer", err)
		}
		v = i
	} else if len(fallback) > 0 {
		v = fallback[0]
	} else {
		return 0, errMissingOption(s.name, option)
	}

	if bounds.MinVal != nil && v < *bounds.MinVal {
		return 0, errOutOfRange(s.name, option, v, "must have minimum of "+strconv.Itoa(*bounds.MinVal))
	}
	if bounds.MaxVal != nil && v > *bounds.MaxVal {
		return 0, errOutOfRange(s.name, option, v, "must have maximum of "+strconv.Itoa(*bounds.MaxVal))
	}
	return v, nil
}

// FloatBounds limits GetFloat in the usual minval/maxval/above/below
// style. Nil fields are unchecked.
type FloatBounds struct {
	MinVal *float64 // >=
	MaxVal *float64 // <=
	Above  *float64 // >
	Below  *float64 // <
}

// GetFloat returns a float option.
func (s *Section) GetFloat(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	var v float64
	if raw, ok := s.lookup(option); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return 0, errInvalidValue(s.name, option, raw, "float", err)
		}
		v = f
	} else if len(fallback) > 0 {
		v = fallback[0]
	} else {
		return 0, errMissingOption(s.name, option)
	}

	format := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	switch {
	case bounds.MinVal != nil && v < *bounds.MinVal:
		return 0, errOutOfRange(s.name, option, v, "must have minimum of "+format(*bounds.MinVal))
	case bounds.MaxVal != nil && v > *bounds.MaxVal:
		return 0, errOutOfRange(s.name, option, v, "must have maximum of "+format(*bounds.MaxVal))
	case bounds.Above != nil && v <= *bounds.Above:
		return 0, errOutOfRange(s.name, option, v, "must be above "+format(*bounds.Above))
	case bounds.Below != nil && v >= *bounds.Below:
		return 0, errOutOfRange(s.name, option, v, "must be below "+format(*bounds.Below))
	}
	return v, nil
}

// GetDuration reads a float number of seconds.
func (s *Section) GetDuration(option string, bounds FloatBounds, fallback ...time.Duration) (time.Duration, error) {
	var fb []float64
	if len(fallback) > 0 {
		fb = []float64{fallback[0].Seconds()}
	}
	secs, err := s.GetFloat(option, bounds, fb...)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// ParseBool accepts 1/true/yes/on and 0/false/no/off.
func ParseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// GetBool returns a boolean option.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	if raw, ok := s.lookup(option); ok {
		b, valid := ParseBool(raw)
		if !valid {
			return false, errInvalidValue(s.name, option, raw, "boolean", nil)
		}
		return b, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return false, errMissingOption(s.name, option)
}

// GetChoice returns a string option that must be one of choices,
// compared case-insensitively.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", errInvalidChoice(s.name, option, v, choices)
}
