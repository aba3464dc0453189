// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package caipstream carries a logical CAIP-348 channel over a websocket
// connection. Every message on the connection is an envelope of the form
// {"type":"caip-348","data":...}. Messages of any other type are ignored.
package caipstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"decred.org/acctracker/acct"
	"decred.org/acctracker/acct/ws"
	"github.com/gorilla/websocket"
)

// StreamType is the envelope type of the logical channel.
const StreamType = "caip-348"

const inBufferSize = 64

var (
	// ErrPrematureClose is the end reason when the connection drops without a
	// close handshake. It is not logged.
	ErrPrematureClose = errors.New("premature close")
	// ErrStreamClosed is returned by Write after the channel has ended.
	ErrStreamClosed = errors.New("stream closed")
)

// Conn is the underlying duplex connection. It is satisfied by
// *websocket.Conn and ws.Connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Substream is the logical channel. It ends exactly once, when the
// connection ends, the context passed to New is canceled, or Close is called.
type Substream struct {
	conn Conn
	log  acct.Logger

	msgs     chan json.RawMessage
	done     chan struct{}
	endOnce  sync.Once
	writeMtx sync.Mutex
	wg       sync.WaitGroup
}

// New wraps the connection and begins reading. Canceling the context ends
// the channel and closes the connection.
func New(ctx context.Context, conn Conn, log acct.Logger) *Substream {
	if log == nil {
		log = acct.Disabled
	}
	s := &Substream{
		conn: conn,
		log:  log,
		msgs: make(chan json.RawMessage, inBufferSize),
		done: make(chan struct{}),
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.end(nil)
		case <-s.done:
		}
	}()
	return s
}

func (s *Substream) readLoop() {
	defer close(s.msgs)
	for {
		_, b, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = ErrPrematureClose
			}
			s.end(err)
			return
		}
		var env envelope
		if err := json.Unmarshal(b, &env); err != nil || env.Type != StreamType {
			continue
		}
		if len(env.Data) == 0 {
			env.Data = json.RawMessage("null")
		}
		select {
		case s.msgs <- env.Data:
		case <-s.done:
			return
		}
	}
}

// isQuietError is true for the end reasons that are part of a normal
// disconnect.
func isQuietError(err error) bool {
	return err == nil || errors.Is(err, ErrPrematureClose) ||
		errors.Is(err, net.ErrClosed) || ws.IsExpectedClose(err)
}

// end finishes the channel. Only the first call has any effect.
func (s *Substream) end(err error) {
	s.endOnce.Do(func() {
		if !isQuietError(err) {
			s.log.Errorf("CAIP stream error: %v", err)
		}
		close(s.done)
		if cerr := s.conn.Close(); cerr != nil && !isQuietError(cerr) {
			s.log.Debugf("error closing CAIP stream connection: %v", cerr)
		}
		s.log.Tracef("CAIP stream ended")
	})
}

// Messages delivers the payloads of inbound envelopes. The channel is closed
// after the stream ends.
func (s *Substream) Messages() <-chan json.RawMessage {
	return s.msgs
}

// Done is closed when the stream ends.
func (s *Substream) Done() <-chan struct{} {
	return s.done
}

// Write sends the payload wrapped in an envelope. Writes are serialized.
func (s *Substream) Write(data json.RawMessage) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	b, err := json.Marshal(&envelope{Type: StreamType, Data: data})
	if err != nil {
		return err
	}
	s.writeMtx.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, b)
	s.writeMtx.Unlock()
	if err != nil {
		s.end(err)
		return err
	}
	return nil
}

// WriteJSON marshals v and writes it.
func (s *Substream) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Write(b)
}

// Close ends the stream and closes the connection.
func (s *Substream) Close() error {
	s.end(nil)
	return nil
}

// SetWriteDeadline sets the write deadline of the connection if it supports
// one.
func (s *Substream) SetWriteDeadline(t time.Time) error {
	if dc, ok := s.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		return dc.SetWriteDeadline(t)
	}
	return nil
}

// Wait blocks until the stream's goroutines have returned.
func (s *Substream) Wait() {
	s.wg.Wait()
}
