package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMalformed is returned for payloads that are not JSON objects, have no
	// usable "type" field, or do not fit the shape of their kind.
	ErrMalformed = errors.New("protocol: malformed payload")

	// ErrUnknownKind is returned for well-formed envelopes whose "type" is not
	// a known message kind.
	ErrUnknownKind = errors.New("protocol: unknown message kind")

	// ErrMissingField wraps ErrMalformed when a field required by the kind is absent.
	ErrMissingField = fmt.Errorf("%w: missing required field", ErrMalformed)
)

type kindDecoder struct {
	required []string
	decode   func([]byte) (Message, error)
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Client kinds are lenient the way the relay has always been: a join without a
// username or a clock_sync without client_time is filled in by the server.
var kinds = map[string]kindDecoder{
	TypeJoin:              {nil, decodeAs[Join]},
	TypeChat:              {[]string{"message"}, decodeAs[Chat]},
	TypeClockSync:         {nil, decodeAs[ClockSync]},
	TypeLeave:             {nil, decodeAs[Leave]},
	TypeJoinSuccess:       {[]string{"message", "server_time", "clients_count"}, decodeAs[JoinSuccess]},
	TypeUserJoined:        {[]string{"username", "clients_count"}, decodeAs[UserJoined]},
	TypeChatMessage:       {[]string{"username", "message", "timestamp"}, decodeAs[ChatMessage]},
	TypeMessageDelivered:  {[]string{"timestamp"}, decodeAs[MessageDelivered]},
	TypeClockSyncResponse: {[]string{"server_time", "client_request_time"}, decodeAs[ClockSyncResponse]},
	TypeUserLeft:          {[]string{"username", "clients_count"}, decodeAs[UserLeft]},
}

// Encode serializes m as a newline-terminated JSON object tagged with its kind.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("protocol: encode nil message")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type(), err)
	}
	return append(data, '\n'), nil
}

// Decode parses exactly one envelope.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: no type field", ErrMalformed)
	}
	var kind string
	if err := json.Unmarshal(rawType, &kind); err != nil || kind == "" {
		return nil, fmt.Errorf("%w: type must be a non-empty string", ErrMalformed)
	}

	kd, ok := kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	for _, name := range kd.required {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w %q for %s", ErrMissingField, name, kind)
		}
	}

	m, err := kd.decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return m, nil
}

// DecodeFrame decodes every envelope contained in one transport read. A frame
// usually holds a single envelope, but a peer writing quickly can have several
// coalesced into one read. Envelopes decoded before an error are returned
// together with the error; the rest of the frame is dropped.
func DecodeFrame(frame []byte) ([]Message, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	var out []Message
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		m, err := Decode(raw)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	return out, nil
}

// Reader decodes a stream of newline-terminated envelopes, such as the
// output of the relay. It keeps partial input across read errors, so a read
// deadline can be used to poll without losing data.
type Reader struct {
	r       io.Reader
	buf     []byte
	pending []byte
	queue   []Message
	err     error
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, 4096)}
}

// Next blocks until the next envelope is available. Transport errors are
// returned as-is. A line that is not a valid envelope yields an error
// wrapping ErrMalformed or ErrUnknownKind and the stream stays usable.
func (r *Reader) Next() (Message, error) {
	for {
		if len(r.queue) > 0 {
			m := r.queue[0]
			r.queue = r.queue[1:]
			return m, nil
		}
		if r.err != nil {
			err := r.err
			r.err = nil
			return nil, err
		}

		line, err := r.line()
		if err != nil {
			return nil, err
		}
		r.queue, r.err = DecodeFrame(line)
	}
}

func (r *Reader) line() ([]byte, error) {
	for {
		if i := bytes.IndexByte(r.pending, '\n'); i >= 0 {
			line := bytes.TrimSpace(r.pending[:i])
			r.pending = r.pending[i+1:]
			if len(line) > 0 {
				return line, nil
			}
			continue
		}

		n, err := r.r.Read(r.buf)
		r.pending = append(r.pending, r.buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line := bytes.TrimSpace(r.pending); len(line) > 0 {
					r.pending = nil
					return line, nil
				}
			}
			return nil, err
		}
	}
}
