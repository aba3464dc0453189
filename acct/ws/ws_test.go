// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ws

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type tConn struct {
	pings    atomic.Int32
	closed   atomic.Bool
	pingErr  error
	pingedCh chan struct{}
}

func (c *tConn) Close() error {
	c.closed.Store(true)
	return nil
}
func (c *tConn) SetReadDeadline(time.Time) error   { return nil }
func (c *tConn) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("not implemented") }
func (c *tConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *tConn) WriteMessage(int, []byte) error    { return nil }
func (c *tConn) WriteControl(int, []byte, time.Time) error {
	c.pings.Add(1)
	select {
	case c.pingedCh <- struct{}{}:
	default:
	}
	return c.pingErr
}

func TestKeepAlive(t *testing.T) {
	conn := &tConn{pingedCh: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		KeepAlive(ctx, conn, time.Millisecond)
		close(done)
	}()
	select {
	case <-conn.pingedCh:
	case <-time.After(time.Second):
		t.Fatal("no ping")
	}
	cancel()
	<-done
	if conn.closed.Load() {
		t.Fatal("connection closed on context cancellation")
	}

	// A failed ping closes the connection.
	conn = &tConn{pingedCh: make(chan struct{}, 1), pingErr: errors.New("test error")}
	done = make(chan struct{})
	go func() {
		KeepAlive(context.Background(), conn, time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("KeepAlive did not return after ping error")
	}
	if !conn.closed.Load() {
		t.Fatal("connection not closed after ping error")
	}
}

func TestIsExpectedClose(t *testing.T) {
	if !IsExpectedClose(&websocket.CloseError{Code: websocket.CloseNormalClosure}) {
		t.Fatal("normal closure not expected")
	}
	if !IsExpectedClose(websocket.ErrCloseSent) {
		t.Fatal("ErrCloseSent not expected")
	}
	if IsExpectedClose(&websocket.CloseError{Code: websocket.CloseProtocolError}) {
		t.Fatal("protocol error should not be an expected close")
	}
	if IsExpectedClose(errors.New("boom")) {
		t.Fatal("random error should not be an expected close")
	}
}
