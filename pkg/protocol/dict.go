package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Dictionary models the fields we use from the MCU data dictionary.
type Dictionary struct {
	Commands     map[string]int            `json:"commands"`
	Responses    map[string]int            `json:"responses"`
	Output       map[string]int            `json:"output"`
	Enumerations map[string]map[string]int `json:"enumerations"`
	Config       map[string]any            `json:"config"`
	Version      string                    `json:"version"`
}

// LoadDictionary reads a data dictionary JSON file.
func LoadDictionary(path string) (*Dictionary, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDictionary(b)
}

// ParseDictionary decodes a data dictionary. Enumeration ranges of the
// form "PA0": [start, count] are expanded into individual entries.
func ParseDictionary(data []byte) (*Dictionary, error) {
	var raw struct {
		Commands     map[string]int            `json:"commands"`
		Responses    map[string]int            `json:"responses"`
		Output       map[string]int            `json:"output"`
		Enumerations map[string]map[string]any `json:"enumerations"`
		Config       map[string]any            `json:"config"`
		Version      string                    `json:"version"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse dict: %w", err)
	}
	d := &Dictionary{
		Commands:     orEmpty(raw.Commands),
		Responses:    orEmpty(raw.Responses),
		Output:       orEmpty(raw.Output),
		Enumerations: map[string]map[string]int{},
		Config:       raw.Config,
		Version:      raw.Version,
	}
	if d.Config == nil {
		d.Config = map[string]any{}
	}
	for enumName, values := range raw.Enumerations {
		sub := map[string]int{}
		for key, val := range values {
			if err := expandEnum(sub, key, val); err != nil {
				return nil, fmt.Errorf("enumeration %s: %w", enumName, err)
			}
		}
		d.Enumerations[enumName] = sub
	}
	return d, nil
}

func orEmpty(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func expandEnum(dst map[string]int, key string, val any) error {
	switch tv := val.(type) {
	case float64:
		dst[key] = int(tv)
		return nil
	case []any:
		if len(tv) != 2 {
			return fmt.Errorf("bad range %s=%v", key, tv)
		}
		start, ok1 := tv[0].(float64)
		count, ok2 := tv[1].(float64)
		if !ok1 || !ok2 {
			return fmt.Errorf("bad range types for %s", key)
		}
		root := strings.TrimRight(key, "0123456789")
		first := 0
		if root != key {
			n, err := strconv.Atoi(key[len(root):])
			if err != nil {
				return fmt.Errorf("bad range suffix %s", key)
			}
			first = n
		}
		for i := 0; i < int(count); i++ {
			dst[fmt.Sprintf("%s%d", root, first+i)] = int(start) + i
		}
		return nil
	default:
		return fmt.Errorf("bad value for %s: %T", key, val)
	}
}

// ClockFreq returns the MCU CLOCK_FREQ constant.
func (d *Dictionary) ClockFreq() (float64, error) {
	v, ok := d.Config["CLOCK_FREQ"]
	if !ok {
		return 0, fmt.Errorf("dictionary has no CLOCK_FREQ")
	}
	switch tv := v.(type) {
	case float64:
		return tv, nil
	case string:
		return strconv.ParseFloat(tv, 64)
	}
	return 0, fmt.Errorf("bad CLOCK_FREQ type %T", v)
}

// ParamKind is the wire shape of one message parameter.
type ParamKind int

const (
	ParamUint ParamKind = iota // %u %hu
	ParamInt                   // %i %hi
	ParamByte                  // %c
	ParamBuffer                // %s %*s %.*s
)

// Param is one name=%x pair of a message format.
type Param struct {
	Name string
	Spec string
	Kind ParamKind
}

// MessageFormat is a message format string bound to its id.
type MessageFormat struct {
	Name   string
	Format string
	ID     int
	Params []Param
}

// Formats indexes every command and response of a dictionary.
type Formats struct {
	Commands  map[string]*MessageFormat
	Responses map[string]*MessageFormat
	byID      map[int]*MessageFormat
}

// ParseFormat splits "name a=%c b=%u" into its parameters.
func ParseFormat(format string, id int) (*MessageFormat, error) {
	parts := strings.Fields(format)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty message format")
	}
	m := &MessageFormat{Name: parts[0], Format: format, ID: id}
	for _, arg := range parts[1:] {
		name, spec, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("%s: bad parameter %q", m.Name, arg)
		}
		var kind ParamKind
		switch spec {
		case "%u", "%hu":
			kind = ParamUint
		case "%i", "%hi":
			kind = ParamInt
		case "%c":
			kind = ParamByte
		case "%s", "%*s", "%.*s":
			kind = ParamBuffer
		default:
			return nil, fmt.Errorf("%s: unknown format %q for %s", m.Name, spec, name)
		}
		m.Params = append(m.Params, Param{Name: name, Spec: spec, Kind: kind})
	}
	return m, nil
}

// BuildFormats parses every command and response format in the dictionary.
func (d *Dictionary) BuildFormats() (*Formats, error) {
	f := &Formats{
		Commands:  make(map[string]*MessageFormat, len(d.Commands)),
		Responses: make(map[string]*MessageFormat, len(d.Responses)),
		byID:      make(map[int]*MessageFormat, len(d.Commands)+len(d.Responses)),
	}
	add := func(dst map[string]*MessageFormat, src map[string]int) error {
		for format, id := range src {
			m, err := ParseFormat(format, id)
			if err != nil {
				return err
			}
			dst[m.Name] = m
			f.byID[id] = m
		}
		return nil
	}
	if err := add(f.Commands, d.Commands); err != nil {
		return nil, err
	}
	if err := add(f.Responses, d.Responses); err != nil {
		return nil, err
	}
	return f, nil
}

// ByID returns the format with the given message id.
func (f *Formats) ByID(id int) (*MessageFormat, bool) {
	m, ok := f.byID[id]
	return m, ok
}
