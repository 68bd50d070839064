package protocol

import (
	"fmt"
	"math"
	"strings"

	"klipper-analog-probe/pkg/errors"
)

// FieldKind is the semantic type of a command field.
type FieldKind int

const (
	KindU8    FieldKind = iota // %c
	KindU16                    // %hu
	KindU32                    // %u
	KindI32                    // %i
	KindBool                   // %c restricted to 0/1
	KindFixed                  // %u scaled by Field.Scale
	KindPin                    // %u looked up in the "pin" enumeration
)

// Spec returns the wire format specifier for the kind.
func (k FieldKind) Spec() string {
	switch k {
	case KindU8, KindBool:
		return "%c"
	case KindU16:
		return "%hu"
	case KindI32:
		return "%i"
	default:
		return "%u"
	}
}

// Field is one typed field of a descriptor.
type Field struct {
	Name  string
	Kind  FieldKind
	Scale Scale
}

// Direction tells which dictionary section a descriptor lives in.
type Direction int

const (
	ToMCU Direction = iota
	FromMCU
)

// CommandDescriptor is a named wire message with ordered typed fields.
// Descriptors are declared once and never modified.
type CommandDescriptor struct {
	Name      string
	Direction Direction
	Fields    []Field
}

// Format renders the format string the firmware declares.
func (d *CommandDescriptor) Format() string {
	var sb strings.Builder
	sb.WriteString(d.Name)
	for _, f := range d.Fields {
		fmt.Fprintf(&sb, " %s=%s", f.Name, f.Kind.Spec())
	}
	return sb.String()
}

// Bound is a descriptor resolved against a dictionary.
type Bound struct {
	Desc   *CommandDescriptor
	Format *MessageFormat
	pins   map[string]int
	pinRev map[int]string
	index  map[string]int
}

// Resolve binds d to the dictionary. A missing message or a format that
// differs from the descriptor is a ProtocolError.
func (d *CommandDescriptor) Resolve(dict *Dictionary, formats *Formats) (*Bound, error) {
	table := formats.Commands
	if d.Direction == FromMCU {
		table = formats.Responses
	}
	mf, ok := table[d.Name]
	if !ok {
		return nil, errors.ProtocolError(d.Name, "message not in MCU dictionary")
	}
	if want := d.Format(); mf.Format != want {
		return nil, errors.ProtocolError(d.Name, "dictionary format %q does not match %q", mf.Format, want)
	}
	b := &Bound{Desc: d, Format: mf, index: make(map[string]int, len(d.Fields))}
	for i, f := range d.Fields {
		b.index[f.Name] = i
		if f.Kind == KindPin && b.pins == nil {
			b.pins = dict.Enumerations["pin"]
			if len(b.pins) == 0 {
				return nil, errors.ProtocolError(f.Name, "MCU dictionary has no pin enumeration")
			}
			b.pinRev = make(map[int]string, len(b.pins))
			for name, v := range b.pins {
				b.pinRev[v] = name
			}
		}
	}
	return b, nil
}

// Name returns the message name.
func (b *Bound) Name() string {
	return b.Desc.Name
}

// Encode converts typed args, in field order, to a wire payload.
func (b *Bound) Encode(args ...interface{}) ([]byte, error) {
	if len(args) != len(b.Desc.Fields) {
		return nil, errors.ProtocolError(b.Desc.Name, "got %d args want %d", len(args), len(b.Desc.Fields))
	}
	raw := make([]int32, len(args))
	for i, f := range b.Desc.Fields {
		v, err := b.encodeField(f, args[i])
		if err != nil {
			return nil, err
		}
		raw[i] = v
	}
	payload, err := b.Format.Encode(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrProtocol, b.Desc.Name)
	}
	return payload, nil
}

func (b *Bound) encodeField(f Field, arg interface{}) (int32, error) {
	switch f.Kind {
	case KindBool:
		v, ok := arg.(bool)
		if !ok {
			return 0, errors.ProtocolError(f.Name, "want bool, got %T", arg)
		}
		if v {
			return 1, nil
		}
		return 0, nil
	case KindFixed:
		fv, ok := toFloat(arg)
		if !ok {
			return 0, errors.ProtocolError(f.Name, "want number, got %T", arg)
		}
		raw, err := EncodeFixed(f.Name, fv, f.Scale)
		return int32(raw), err
	case KindPin:
		name, ok := arg.(string)
		if !ok {
			return 0, errors.ProtocolError(f.Name, "want pin name, got %T", arg)
		}
		v, ok := b.pins[name]
		if !ok {
			return 0, errors.ProtocolError(f.Name, "unknown pin %q", name)
		}
		return int32(v), nil
	}
	iv, ok := toInt(arg)
	if !ok {
		return 0, errors.ProtocolError(f.Name, "want integer, got %T", arg)
	}
	lo, hi := f.Kind.bounds()
	if iv < lo || iv > hi {
		return 0, errors.ProtocolError(f.Name, "value %d outside [%d, %d]", iv, lo, hi)
	}
	return int32(iv), nil
}

func (k FieldKind) bounds() (int64, int64) {
	switch k {
	case KindU8, KindBool:
		return 0, math.MaxUint8
	case KindU16:
		return 0, math.MaxUint16
	case KindI32:
		return math.MinInt32, math.MaxInt32
	default:
		return 0, math.MaxUint32
	}
}

func toInt(arg interface{}) (int64, bool) {
	switch v := arg.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(v), true
	}
	return 0, false
}

func toFloat(arg interface{}) (float64, bool) {
	switch v := arg.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	if iv, ok := toInt(arg); ok {
		return float64(iv), true
	}
	return 0, false
}

// Fields holds decoded values of one message.
type Fields struct {
	bound  *Bound
	values []interface{}
}

// Decode checks and converts a message's raw arguments.
// Values out of range for their field fail with ProtocolError.
func (b *Bound) Decode(m *Message) (Fields, error) {
	if m.Format.ID != b.Format.ID {
		return Fields{}, errors.ProtocolError(b.Desc.Name, "cannot decode %s", m.Format.Name)
	}
	values := make([]interface{}, len(b.Desc.Fields))
	for i, f := range b.Desc.Fields {
		v, err := b.decodeField(f, m.Args[i])
		if err != nil {
			return Fields{}, err
		}
		values[i] = v
	}
	return Fields{bound: b, values: values}, nil
}

func (b *Bound) decodeField(f Field, raw int32) (interface{}, error) {
	switch f.Kind {
	case KindI32:
		return raw, nil
	case KindBool:
		switch raw {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, errors.ProtocolError(f.Name, "boolean encoded as %d", raw)
	case KindFixed:
		return DecodeFixed(uint32(raw), f.Scale), nil
	case KindPin:
		name, ok := b.pinRev[int(uint32(raw))]
		if !ok {
			return nil, errors.ProtocolError(f.Name, "unknown pin id %d", uint32(raw))
		}
		return name, nil
	}
	u := uint32(raw)
	_, hi := f.Kind.bounds()
	if int64(u) > hi {
		return nil, errors.ProtocolError(f.Name, "value %d exceeds %d", u, hi)
	}
	return u, nil
}

func (fs Fields) get(name string) interface{} {
	i, ok := fs.bound.index[name]
	if !ok {
		panic(fmt.Sprintf("protocol: %s has no field %s", fs.bound.Desc.Name, name))
	}
	return fs.values[i]
}

// Uint returns an unsigned field (%c, %hu or %u).
func (fs Fields) Uint(name string) uint32 {
	return fs.get(name).(uint32)
}

// Int returns a signed field.
func (fs Fields) Int(name string) int32 {
	return fs.get(name).(int32)
}

// Bool returns a boolean field.
func (fs Fields) Bool(name string) bool {
	return fs.get(name).(bool)
}

// Fixed returns a fixed-point field as its value.
func (fs Fields) Fixed(name string) float64 {
	return fs.get(name).(float64)
}

// Pin returns a pin field as its name.
func (fs Fields) Pin(name string) string {
	return fs.get(name).(string)
}
