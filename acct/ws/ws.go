// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"decred.org/acctracker/acct"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// websocket.Upgrader is the preferred method of upgrading a request to a
// websocket connection.
var upgrader = websocket.Upgrader{}

var log = acct.Disabled

// UseLogger sets the package logger.
func UseLogger(logger acct.Logger) {
	log = logger
}

// Connection represents a websocket connection to a remote peer. In practice,
// it is satisfied by *websocket.Conn. For testing, a stub can be used.
type Connection interface {
	Close() error

	SetReadDeadline(t time.Time) error
	ReadMessage() (int, []byte, error)

	SetWriteDeadline(t time.Time) error
	WriteMessage(int, []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// NewConnection creates a new Connection by upgrading the http request to a
// websocket. Reads time out after readTimeout unless a pong extends the
// deadline, so callers should run KeepAlive with a shorter period.
func NewConnection(w http.ResponseWriter, r *http.Request, readTimeout time.Duration) (Connection, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		var hsErr websocket.HandshakeError
		if errors.As(err, &hsErr) {
			log.Errorf("Unexpected websocket error: %v", err)
		}
		// The upgrader has already replied with an HTTP error.
		return nil, err
	}
	reqAddr := r.RemoteAddr
	ws.SetPongHandler(func(string) error {
		log.Tracef("got pong from %v", reqAddr)
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	if err = ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		ws.Close()
		return nil, err
	}
	return ws, nil
}

// KeepAlive pings the peer every pingPeriod until the context is canceled or
// a ping fails. A failed ping closes the connection, which unblocks any
// pending ReadMessage.
func KeepAlive(ctx context.Context, conn Connection, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	ping := []byte{}
	for {
		select {
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, ping, time.Now().Add(writeWait))
			if err != nil {
				log.Debugf("ping error: %v", err)
				conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// IsExpectedClose is true for the errors a read loop sees when the peer or the
// local side closed the connection normally.
func IsExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseGoingAway,
		websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) ||
		errors.Is(err, websocket.ErrCloseSent)
}
