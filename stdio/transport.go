package stdio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxLineBytes bounds the size of a single received line. Tool results
// and resource reads can be large, so the cap is well above the bufio default.
const DefaultMaxLineBytes = 8 * 1024 * 1024

// Transport frames JSON-RPC messages as newline-delimited JSON over a byte
// stream pair. Sends are serialized so concurrent writers never interleave
// partial lines; receives are likewise serialized per transport.
type Transport struct {
	wmu sync.Mutex
	w   io.Writer

	rmu sync.Mutex
	sc  *bufio.Scanner
}

// NewTransport wraps the given streams. The reader side accepts lines up to
// DefaultMaxLineBytes.
func NewTransport(r io.Reader, w io.Writer) *Transport {
	t := &Transport{w: w}
	t.sc = bufio.NewScanner(r)
	t.sc.Buffer(make([]byte, 0, 64*1024), DefaultMaxLineBytes)
	return t
}

// setMaxLineBytes must be called before the first receive.
func (t *Transport) setMaxLineBytes(n int) {
	if n > 0 {
		t.sc.Buffer(make([]byte, 0, 64*1024), n)
	}
}

// Send serializes v to a single line of JSON, appends exactly one newline and
// writes it in a single call so the peer observes a complete message. The
// write is flushed immediately when the underlying writer is buffered.
func (t *Transport) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	b = append(b, '\n')

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if _, err := t.w.Write(b); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if f, ok := t.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush message: %w", err)
		}
	}
	return nil
}

// ReceiveLine blocks until one newline-terminated line is available and
// returns it without the trailing newline. It returns io.EOF once the stream
// is exhausted (for a child process: it exited and its stdout closed), which
// callers must treat as end-of-stream rather than a fault. The returned slice
// is only valid until the next call.
func (t *Transport) ReceiveLine() ([]byte, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	if t.sc.Scan() {
		return t.sc.Bytes(), nil
	}
	if err := t.sc.Err(); err != nil {
		return nil, fmt.Errorf("read line: %w", err)
	}
	return nil, io.EOF
}
