package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
)

// peerHarness wires a Client to an in-process scripted peer over pipes and
// collects every line the client writes.
type peerHarness struct {
	t        *testing.T
	client   *Client
	toClient *io.PipeWriter

	outMu sync.Mutex
	lines []string
}

func newPeerHarness(t *testing.T, opts ...Option) *peerHarness {
	t.Helper()

	// client reads from inR, writes to outW
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := &peerHarness{t: t, toClient: inW}
	h.client = NewClient(inR, outW, opts...)

	// collect lines sent by the client
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			h.t.Logf("CLIENT: %s", line)
			h.outMu.Lock()
			h.lines = append(h.lines, line)
			h.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		_ = h.client.Close()
		_ = inW.Close()
		_ = outW.Close()
		// allow goroutines to wind down
		time.Sleep(10 * time.Millisecond)
	})
	return h
}

// reply writes one raw line to the client.
func (h *peerHarness) reply(line string) {
	if _, err := h.toClient.Write([]byte(line + "\n")); err != nil {
		h.t.Errorf("reply: %v", err)
	}
}

// closeStream ends the peer->client stream, as if the child exited.
func (h *peerHarness) closeStream() {
	_ = h.toClient.Close()
}

func (h *peerHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		h.outMu.Lock()
		if len(h.lines) > 0 {
			s := h.lines[0]
			h.lines = h.lines[1:]
			h.outMu.Unlock()
			return s, nil
		}
		h.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for client line")
}

func (h *peerHarness) expectRequest(timeout time.Duration) *jsonrpc.Request {
	h.t.Helper()
	line, err := h.nextLine(timeout)
	if err != nil {
		h.t.Fatalf("expect request: %v", err)
	}
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &any); err != nil {
		h.t.Fatalf("unmarshal client line: %v", err)
	}
	req := any.AsRequest()
	if req == nil {
		h.t.Fatalf("expected request/notification, got %s", line)
	}
	return req
}

func (h *peerHarness) expectResponse(timeout time.Duration) *jsonrpc.Response {
	h.t.Helper()
	line, err := h.nextLine(timeout)
	if err != nil {
		h.t.Fatalf("expect response: %v", err)
	}
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &any); err != nil {
		h.t.Fatalf("unmarshal client line: %v", err)
	}
	resp := any.AsResponse()
	if resp == nil {
		h.t.Fatalf("expected response, got %s", line)
	}
	return resp
}

func TestCallReturnsMatchingResponse(t *testing.T) {
	h := newPeerHarness(t)

	go func() {
		req := h.expectRequest(time.Second)
		if req.Method != "initialize" {
			t.Errorf("method = %q, want initialize", req.Method)
		}
		h.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05"}}`, req.ID.String()))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := h.client.Call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "x", "version": "1.0"},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := string(resp.Result); got != `{"protocolVersion":"2024-11-05"}` {
		t.Errorf("result = %s", got)
	}
}

func TestCallIgnoresGarbageAndUnrelatedLines(t *testing.T) {
	var discardMu sync.Mutex
	discards := map[DiscardReason]int{}

	h := newPeerHarness(t, WithDiscardSink(func(line []byte, reason DiscardReason) {
		discardMu.Lock()
		discards[reason]++
		discardMu.Unlock()
	}))

	go func() {
		req := h.expectRequest(time.Second)
		h.reply(`not json`)
		h.reply(`{"jsonrpc":"2.0","id":99,"result":{}}`)
		h.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":[]}`, req.ID.String()))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := h.client.Call(ctx, "tools/list", struct{}{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := string(resp.Result); got != `[]` {
		t.Errorf("result = %s", got)
	}

	discardMu.Lock()
	defer discardMu.Unlock()
	if discards[DiscardMalformed] != 1 {
		t.Errorf("malformed discards = %d, want 1", discards[DiscardMalformed])
	}
	if discards[DiscardUnmatched] != 1 {
		t.Errorf("unmatched discards = %d, want 1", discards[DiscardUnmatched])
	}
}

func TestConcurrentCallsReceiveOwnResponses(t *testing.T) {
	h := newPeerHarness(t)

	// Answer both requests in reverse arrival order so correlation, not
	// ordering, decides who gets what.
	go func() {
		first := h.expectRequest(time.Second)
		second := h.expectRequest(time.Second)
		h.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"seq":"second"}}`, second.ID.String()))
		h.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"seq":"first"}}`, first.ID.String()))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type outcome struct {
		id     string
		result string
		err    error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := h.client.Call(ctx, "tools/list", struct{}{})
			if err != nil {
				results <- outcome{err: err}
				return
			}
			results <- outcome{id: resp.ID.String(), result: string(resp.Result)}
		}()
	}

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		o := <-results
		if o.err != nil {
			t.Fatalf("Call: %v", o.err)
		}
		seen[o.id] = o.result
	}
	if len(seen) != 2 {
		t.Fatalf("expected two distinct response ids, got %v", seen)
	}
}

func TestCallEndOfStream(t *testing.T) {
	h := newPeerHarness(t)

	go func() {
		h.expectRequest(time.Second)
		h.closeStream()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := h.client.Call(ctx, "resources/list", struct{}{})
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("err = %v, want ErrNoResponse", err)
	}

	// The connection is down; further calls fail fast.
	if _, err := h.client.Call(ctx, "resources/list", struct{}{}); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("err = %v, want ErrClientClosed", err)
	}
}

func TestCallContextDeadline(t *testing.T) {
	matched := make(chan struct{}, 1)
	h := newPeerHarness(t, WithDiscardSink(func(line []byte, reason DiscardReason) {
		if reason == DiscardUnmatched {
			matched <- struct{}{}
		}
	}))

	req := make(chan *jsonrpc.Request, 1)
	go func() {
		req <- h.expectRequest(time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.client.Call(ctx, "slow/thing", struct{}{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}

	// A late response for the abandoned id is discarded, not misdelivered.
	r := <-req
	h.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{}}`, r.ID.String()))
	select {
	case <-matched:
	case <-time.After(time.Second):
		t.Fatal("late response was not discarded")
	}
}

func TestNotifyCarriesNoIDAndDoesNotWait(t *testing.T) {
	h := newPeerHarness(t)

	ctx := context.Background()
	if err := h.client.Notify(ctx, "notifications/initialized", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	line, err := h.nextLine(time.Second)
	if err != nil {
		t.Fatalf("nextLine: %v", err)
	}
	if strings.Contains(line, `"id"`) {
		t.Errorf("notification must not carry an id: %s", line)
	}
	if strings.Contains(line, `"params"`) {
		t.Errorf("absent params must not be serialized: %s", line)
	}
}

func TestCallWithIDRejectsCollision(t *testing.T) {
	h := newPeerHarness(t)

	firstDone := make(chan error, 1)
	go func() {
		_, err := h.client.CallWithID(context.Background(), jsonrpc.NewRequestID("dup"), "a", nil)
		firstDone <- err
	}()

	// Wait for the first call to be registered and sent.
	req := h.expectRequest(time.Second)

	_, err := h.client.CallWithID(context.Background(), jsonrpc.NewRequestID("dup"), "b", nil)
	if !errors.Is(err, ErrRequestIDInFlight) {
		t.Fatalf("err = %v, want ErrRequestIDInFlight", err)
	}

	h.reply(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{}}`, req.ID.String()))
	if err := <-firstDone; err != nil {
		t.Fatalf("first call: %v", err)
	}
}

func TestServerRequestRouting(t *testing.T) {
	h := newPeerHarness(t)

	h.client.HandleRequest("ping", func(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
		return map[string]any{}, nil
	})

	h.reply(`{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`)
	resp := h.expectResponse(time.Second)
	if resp.ID.String() != "srv-1" {
		t.Errorf("response id = %q, want srv-1", resp.ID.String())
	}
	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error)
	}

	// Unrouted methods get a method-not-found error.
	h.reply(`{"jsonrpc":"2.0","id":"srv-2","method":"elicitation/create"}`)
	resp = h.expectResponse(time.Second)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Errorf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestCloseFailsPendingAndRejectsNewWork(t *testing.T) {
	h := newPeerHarness(t)

	callErr := make(chan error, 1)
	go func() {
		_, err := h.client.Call(context.Background(), "tools/list", struct{}{})
		callErr <- err
	}()
	h.expectRequest(time.Second)

	if err := h.client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := <-callErr; !errors.Is(err, ErrNoResponse) {
		t.Fatalf("pending call err = %v, want ErrNoResponse", err)
	}
	if _, err := h.client.Call(context.Background(), "tools/list", struct{}{}); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("err = %v, want ErrClientClosed", err)
	}
	if err := h.client.Notify(context.Background(), "x", nil); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("notify err = %v, want ErrClientClosed", err)
	}
}

func TestStartCommandTeardown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on POSIX tools")
	}

	// cat exits when its stdin closes: the graceful path.
	c, err := StartCommand(context.Background(), Command{Path: "cat"})
	if err != nil {
		t.Fatalf("StartCommand: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not shut down after Close")
	}
}

func TestStartCommandKillsStubbornChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on POSIX tools")
	}

	// The child never reads stdin, so only the kill escalation ends it.
	c, err := StartCommand(context.Background(),
		Command{Path: "sh", Args: []string{"-c", "sleep 60"}},
		WithCloseGrace(100*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("StartCommand: %v", err)
	}

	start := time.Now()
	_ = c.Close()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not shut down after Close")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("teardown took %v, expected prompt kill after grace", elapsed)
	}
}

func TestStderrDrainSurvivesOverlongLines(t *testing.T) {
	h := newPeerHarness(t, WithMaxLineBytes(64))

	pr, pw := io.Pipe()
	drained := make(chan struct{})
	go func() {
		h.client.drainStderr(pr)
		close(drained)
	}()

	// A line past the limit stops the line parser; everything after it must
	// still be consumed so the writer never blocks.
	if _, err := pw.Write([]byte(strings.Repeat("x", 256) + "\n")); err != nil {
		t.Fatalf("write overlong line: %v", err)
	}
	wrote := make(chan error, 1)
	go func() {
		for i := 0; i < 100; i++ {
			if _, err := pw.Write([]byte("still chatty\n")); err != nil {
				wrote <- err
				return
			}
		}
		wrote <- pw.Close()
	}()

	select {
	case err := <-wrote:
		if err != nil {
			t.Fatalf("writes after overlong line: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stderr writer blocked after overlong line")
	}
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish after stream close")
	}
}
