// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package caipstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"decred.org/acctracker/acct"
	"github.com/decred/slog"
	"github.com/gorilla/websocket"
)

var tLogger = acct.StdOutLogger("TEST", acct.LevelTrace)

type tConn struct {
	in      chan []byte
	readErr chan error
	closed  chan struct{}

	mtx        sync.Mutex
	written    [][]byte
	writeErr   error
	closeCalls int
	once       sync.Once
}

func newTConn() *tConn {
	return &tConn{
		in:      make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *tConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *tConn) WriteMessage(_ int, b []byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, b)
	return nil
}

func (c *tConn) Close() error {
	c.mtx.Lock()
	c.closeCalls++
	c.mtx.Unlock()
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *tConn) writes() [][]byte {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *tConn) closes() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.closeCalls
}

func nextMessage(t *testing.T, s *Substream) json.RawMessage {
	t.Helper()
	select {
	case msg, ok := <-s.Messages():
		if !ok {
			t.Fatalf("messages channel closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return nil
}

func waitDone(t *testing.T, s *Substream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("stream did not end")
	}
	s.Wait()
}

func TestInbound(t *testing.T) {
	conn := newTConn()
	s := New(context.Background(), conn, tLogger)
	defer s.Close()

	conn.in <- []byte(`{"type":"caip-348","data":{"a":1}}`)
	conn.in <- []byte(`{"type":"other","data":{"b":2}}`)
	conn.in <- []byte(`not json`)
	conn.in <- []byte(`{"data":{"c":3}}`)
	conn.in <- []byte(`{"type":"caip-348","data":"x"}`)

	if msg := nextMessage(t, s); string(msg) != `{"a":1}` {
		t.Fatalf("wrong first message %s", msg)
	}
	if msg := nextMessage(t, s); string(msg) != `"x"` {
		t.Fatalf("wrong second message %s", msg)
	}
}

func TestOutbound(t *testing.T) {
	conn := newTConn()
	s := New(context.Background(), conn, tLogger)
	defer s.Close()

	if err := s.Write(json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":true}`)); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := s.WriteJSON(map[string]int{"n": 5}); err != nil {
		t.Fatalf("WriteJSON error: %v", err)
	}
	ws := conn.writes()
	if len(ws) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(ws))
	}
	exp := `{"type":"caip-348","data":{"jsonrpc":"2.0","id":1,"result":true}}`
	if string(ws[0]) != exp {
		t.Fatalf("wrong envelope\nexpected %s\ngot      %s", exp, ws[0])
	}
	if string(ws[1]) != `{"type":"caip-348","data":{"n":5}}` {
		t.Fatalf("wrong envelope %s", ws[1])
	}
}

func TestConcurrentWrites(t *testing.T) {
	conn := newTConn()
	s := New(context.Background(), conn, tLogger)
	defer s.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.WriteJSON(i); err != nil {
				t.Errorf("WriteJSON error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	ws := conn.writes()
	if len(ws) != n {
		t.Fatalf("expected %d writes, got %d", n, len(ws))
	}
	for _, b := range ws {
		var env envelope
		if err := json.Unmarshal(b, &env); err != nil || env.Type != StreamType {
			t.Fatalf("malformed envelope %s", b)
		}
	}
}

func TestEndOnce(t *testing.T) {
	tests := []struct {
		name string
		end  func(cancel context.CancelFunc, conn *tConn, s *Substream)
	}{
		{"context", func(cancel context.CancelFunc, _ *tConn, _ *Substream) { cancel() }},
		{"close", func(_ context.CancelFunc, _ *tConn, s *Substream) { s.Close() }},
		{"eof", func(_ context.CancelFunc, conn *tConn, _ *Substream) { conn.readErr <- io.EOF }},
		{"close frame", func(_ context.CancelFunc, conn *tConn, _ *Substream) {
			conn.readErr <- &websocket.CloseError{Code: websocket.CloseGoingAway}
		}},
		{"all", func(cancel context.CancelFunc, conn *tConn, s *Substream) {
			conn.readErr <- io.ErrUnexpectedEOF
			s.Close()
			cancel()
			s.Close()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newTConn()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			s := New(ctx, conn, tLogger)
			tt.end(cancel, conn, s)
			waitDone(t, s)
			if n := conn.closes(); n != 1 {
				t.Fatalf("connection closed %d times", n)
			}
			if _, ok := <-s.Messages(); ok {
				t.Fatalf("messages channel not closed")
			}
			if err := s.Write(json.RawMessage(`1`)); !errors.Is(err, ErrStreamClosed) {
				t.Fatalf("expected ErrStreamClosed, got %v", err)
			}
		})
	}
}

func TestErrorLogging(t *testing.T) {
	run := func(readErr error) string {
		var buf bytes.Buffer
		log := slog.NewBackend(&buf).Logger("TEST")
		log.SetLevel(slog.LevelDebug)
		conn := newTConn()
		s := New(context.Background(), conn, log)
		conn.readErr <- readErr
		waitDone(t, s)
		return buf.String()
	}
	if out := run(io.EOF); strings.Contains(out, "CAIP stream error") {
		t.Fatalf("premature close was logged: %s", out)
	}
	if out := run(&websocket.CloseError{Code: websocket.CloseNormalClosure}); strings.Contains(out, "CAIP stream error") {
		t.Fatalf("normal closure was logged: %s", out)
	}
	if out := run(errors.New("tls: bad record MAC")); !strings.Contains(out, "bad record MAC") {
		t.Fatalf("unexpected error was not logged: %q", out)
	}
}

func TestWriteError(t *testing.T) {
	conn := newTConn()
	conn.writeErr = errors.New("broken pipe")
	s := New(context.Background(), conn, tLogger)
	if err := s.Write(json.RawMessage(`1`)); err == nil {
		t.Fatalf("no Write error")
	}
	waitDone(t, s)
}
