package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes caps the size of a single protocol line. Worker payloads are
// handler results, not bulk data; anything past this is a protocol error.
const maxLineBytes = 4 * 1024 * 1024

// Encoder writes newline-delimited protocol messages. Safe for concurrent
// use: workers resolve invocations from multiple goroutines onto one stdout.
type Encoder struct {
	mu sync.Mutex
	w  *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: json.NewEncoder(w)}
}

// Encode writes one message as a single JSON line.
func (e *Encoder) Encode(msg Message) error {
	if msg.Type == "" {
		return fmt.Errorf("encode message: missing type")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.w.Encode(msg); err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return nil
}

// Decoder reads newline-delimited protocol messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Decoder{scanner: sc}
}

// Decode reads the next message. Returns io.EOF when the stream ends.
// Blank lines are skipped; a non-JSON line is an error but does not
// poison the stream, the caller may keep decoding.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("decode message: %w", err)
		}
		if msg.Type == "" {
			return Message{}, fmt.Errorf("decode message: missing type")
		}
		if msg.Type.Outcome() && msg.Context.InvocationID == "" {
			return Message{}, fmt.Errorf("decode %s message: missing invocation_id", msg.Type)
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, fmt.Errorf("read message stream: %w", err)
	}
	return Message{}, io.EOF
}
