package config

import (
	"fmt"
	"strings"
)

// Pin is a parsed pin option: [chip:][^][!]name.
type Pin struct {
	Name   string // e.g. "PA0", "gpio26"
	Chip   string // owning MCU, "mcu" unless prefixed
	Invert bool   // '!'
	Pullup bool   // '^'
}

// String renders the pin back in option syntax.
func (p Pin) String() string {
	var b strings.Builder
	if p.Chip != "" && p.Chip != "mcu" {
		b.WriteString(p.Chip + ":")
	}
	if p.Pullup {
		b.WriteByte('^')
	}
	if p.Invert {
		b.WriteByte('!')
	}
	b.WriteString(p.Name)
	return b.String()
}

// PinOptions selects which modifiers a pin option accepts.
type PinOptions struct {
	CanInvert bool
	CanPullup bool
}

// ParsePin parses a pin description. Modifiers may appear before or
// after the chip prefix ("^mcu:PA0" and "mcu:^PA0" are the same pin).
func ParsePin(desc string, opts PinOptions) (Pin, error) {
	d := strings.TrimSpace(desc)
	p := Pin{Chip: "mcu"}

	modifiers := func() error {
		for len(d) > 0 {
			switch d[0] {
			case '^':
				if !opts.CanPullup {
					return fmt.Errorf("pull-up not allowed on pin '%s'", desc)
				}
				p.Pullup = true
			case '!':
				if !opts.CanInvert {
					return fmt.Errorf("invert not allowed on pin '%s'", desc)
				}
				p.Invert = true
			default:
				return nil
			}
			d = strings.TrimSpace(d[1:])
		}
		return nil
	}

	if err := modifiers(); err != nil {
		return Pin{}, err
	}
	if idx := strings.IndexByte(d, ':'); idx >= 0 {
		p.Chip = strings.TrimSpace(d[:idx])
		d = strings.TrimSpace(d[idx+1:])
		if p.Chip == "" {
			return Pin{}, fmt.Errorf("empty chip name in pin '%s'", desc)
		}
		if err := modifiers(); err != nil {
			return Pin{}, err
		}
	}

	if d == "" {
		return Pin{}, fmt.Errorf("empty pin name in '%s'", desc)
	}
	if strings.ContainsAny(d, "^~!: \t") {
		return Pin{}, fmt.Errorf("invalid characters in pin '%s'", desc)
	}
	p.Name = d
	return p, nil
}

// GetPin returns a required pin option.
func (s *Section) GetPin(option string, opts PinOptions) (Pin, error) {
	raw, ok := s.lookup(option)
	if !ok {
		return Pin{}, errMissingOption(s.name, option)
	}
	pin, err := ParsePin(raw, opts)
	if err != nil {
		return Pin{}, errInvalidValue(s.name, option, raw, "pin", err)
	}
	return pin, nil
}
