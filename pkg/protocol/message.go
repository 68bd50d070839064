package protocol

import "fmt"

// Message is one decoded message from a payload.
type Message struct {
	Format  *MessageFormat
	Args    []int32           // one per parameter; zero for buffers
	Buffers map[string][]byte // buffer parameters by name
}

// Name returns the message name.
func (m *Message) Name() string {
	return m.Format.Name
}

// Arg returns a named integer parameter.
func (m *Message) Arg(name string) (int32, bool) {
	for i, p := range m.Format.Params {
		if p.Name == name && p.Kind != ParamBuffer {
			return m.Args[i], true
		}
	}
	return 0, false
}

// OID returns the oid parameter, or -1 when the message has none.
func (m *Message) OID() int {
	if len(m.Format.Params) > 0 && m.Format.Params[0].Name == "oid" {
		return int(uint8(m.Args[0]))
	}
	return -1
}

// Encode appends the message id and integer arguments.
func (f *MessageFormat) Encode(args []int32) ([]byte, error) {
	if len(args) != len(f.Params) {
		return nil, fmt.Errorf("%s: got %d args want %d", f.Name, len(args), len(f.Params))
	}
	out := make([]byte, 0, 1+5*len(args))
	EncodeUint32(&out, int32(f.ID))
	for i, p := range f.Params {
		if p.Kind == ParamBuffer {
			return nil, fmt.Errorf("%s: buffer parameter %s not supported", f.Name, p.Name)
		}
		EncodeUint32(&out, args[i])
	}
	if len(out) > MESSAGE_PAYLOAD_MAX {
		return nil, fmt.Errorf("%s: encoded size %d exceeds %d", f.Name, len(out), MESSAGE_PAYLOAD_MAX)
	}
	return out, nil
}

func (f *MessageFormat) decode(payload []byte, pos int) (*Message, int, error) {
	m := &Message{Format: f, Args: make([]int32, len(f.Params))}
	for i, p := range f.Params {
		if p.Kind == ParamBuffer {
			if pos >= len(payload) {
				return nil, pos, ErrTruncated
			}
			n := int(payload[pos])
			pos++
			if pos+n > len(payload) {
				return nil, pos, ErrTruncated
			}
			if m.Buffers == nil {
				m.Buffers = map[string][]byte{}
			}
			m.Buffers[p.Name] = append([]byte(nil), payload[pos:pos+n]...)
			pos += n
			continue
		}
		v, np, err := DecodeUint32(payload, pos)
		if err != nil {
			return nil, np, fmt.Errorf("%s.%s: %w", f.Name, p.Name, err)
		}
		m.Args[i] = v
		pos = np
	}
	return m, pos, nil
}

// DecodePayload decodes every message packed into one msgblock payload.
func (f *Formats) DecodePayload(payload []byte) ([]*Message, error) {
	var msgs []*Message
	pos := 0
	for pos < len(payload) {
		id, np, err := DecodeUint32(payload, pos)
		if err != nil {
			return msgs, err
		}
		mf, ok := f.byID[int(id)]
		if !ok {
			return msgs, fmt.Errorf("unknown message id %d", id)
		}
		m, np, err := mf.decode(payload, np)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, m)
		pos = np
	}
	return msgs, nil
}
