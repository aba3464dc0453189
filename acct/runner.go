// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package acct

import (
	"context"
	"errors"
	"sync"
)

// Runner is satisfied by types that can be run as a blocking subsystem until
// the provided Context is canceled.
type Runner interface {
	Run(ctx context.Context)
}

// Connector is any type that implements the Connect method, which will return
// a connection error, and a WaitGroup that can be waited on at Disconnection.
type Connector interface {
	Connect(ctx context.Context) (*sync.WaitGroup, error)
}

// StartStopWaiter wraps a Runner, providing the non-blocking Start and Stop
// methods, and the blocking WaitForShutdown method.
type StartStopWaiter struct {
	runner Runner
	wg     sync.WaitGroup
	mtx    sync.Mutex
	cancel context.CancelFunc
}

// NewStartStopWaiter creates a StartStopWaiter from a Runner.
func NewStartStopWaiter(runner Runner) *StartStopWaiter {
	return &StartStopWaiter{
		runner: runner,
	}
}

// Start launches the Runner in a goroutine. Start will return immediately. Use
// Stop to signal the Runner to stop, followed by WaitForShutdown to allow
// shutdown to complete.
func (ssw *StartStopWaiter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	ssw.mtx.Lock()
	ssw.cancel = cancel
	ssw.mtx.Unlock()
	ssw.wg.Add(1)
	go func() {
		ssw.runner.Run(ctx)
		cancel() // in case it stopped on its own
		ssw.wg.Done()
	}()
}

// WaitForShutdown blocks until the Runner has returned in response to Stop.
func (ssw *StartStopWaiter) WaitForShutdown() {
	ssw.wg.Wait()
}

// Stop cancels the context.
func (ssw *StartStopWaiter) Stop() {
	ssw.mtx.Lock()
	if ssw.cancel != nil {
		ssw.cancel()
	}
	ssw.mtx.Unlock()
}

// ConnectionMaster manages a Connector.
type ConnectionMaster struct {
	connector Connector
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewConnectionMaster creates a new ConnectionMaster.
func NewConnectionMaster(c Connector) *ConnectionMaster {
	return &ConnectionMaster{
		connector: c,
	}
}

// Connect connects the Connector, and returns any initial connection error. Use
// Disconnect to shut down the Connector. Even if Connect returns a non-nil
// error, On may report true until Disconnect is called.
func (c *ConnectionMaster) Connect(ctx context.Context) error {
	if c.cancel != nil {
		return errors.New("already connected")
	}
	ctx, cancel := context.WithCancel(ctx)
	wg, err := c.connector.Connect(ctx)
	if err != nil {
		cancel()
		return err
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		wg.Wait()
		close(c.done)
	}()
	return nil
}

// On indicates if the Connector is running.
func (c *ConnectionMaster) On() bool {
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done returns a channel that is closed when the Connector's WaitGroup is done.
func (c *ConnectionMaster) Done() <-chan struct{} {
	return c.done
}

// Disconnect closes the connection and waits for shutdown.
func (c *ConnectionMaster) Disconnect() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}
