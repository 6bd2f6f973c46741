// Package servicectx provides the graceful shutdown of a node process.
package servicectx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

type Process struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	wg     *sync.WaitGroup
	errCh  chan error

	lock        *sync.Mutex
	terminating bool
	onShutdown  []OnShutdownFn
}

type Option func(c *config)

type OnShutdownFn func()

type config struct {
	signals bool
}

// WithoutSignals disables the SIGINT and SIGTERM handler, used by tests.
func WithoutSignals() Option {
	return func(c *config) {
		c.signals = false
	}
}

func New(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger, opts ...Option) *Process {
	// Apply options
	c := config{signals: true}
	for _, o := range opts {
		o(&c)
	}

	// Create channel used by both the signal handler and service goroutines
	// to notify the main goroutine when to stop.
	errCh := make(chan error, 1)

	// SIGINT and SIGTERM signals and the end of the parent context cause
	// the node to stop gracefully.
	go func() {
		var sig chan os.Signal
		if c.signals {
			sig = make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sig)
		}
		select {
		case s := <-sig:
			sendErr(errCh, fmt.Errorf("%s", s))
		case <-ctx.Done():
			sendErr(errCh, ctx.Err())
		}
	}()

	proc := &Process{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		wg:     &sync.WaitGroup{},
		errCh:  errCh,
		lock:   &sync.Mutex{},
	}

	// Register onShutdown operation
	proc.Add(func(ctx context.Context, errCh chan<- error) {
		<-ctx.Done()
		proc.lock.Lock()
		proc.terminating = true
		callbacks := proc.onShutdown
		proc.lock.Unlock()

		// Iterate callbacks in reverse order, LIFO
		for i := len(callbacks) - 1; i >= 0; i-- {
			callbacks[i]()
		}
	})

	return proc
}

// Ctx returns context of the Process.
func (v *Process) Ctx() context.Context {
	return v.ctx
}

// Shutdown triggers termination of the Process.
// Only the first cause is kept.
func (v *Process) Shutdown(err error) {
	if err == nil {
		err = errors.New("shutdown requested")
	}
	sendErr(v.errCh, err)
}

// WaitForShutdown blocks until a shutdown cause arrives, cancels the context
// and waits for all operations. Returns the cause.
func (v *Process) WaitForShutdown() error {
	cause := <-v.errCh
	v.logger.Info("exiting", zap.NamedError("cause", cause))

	// Send cancellation signal to the goroutines.
	v.cancel()

	// Wait for all operations
	v.wg.Wait()

	v.logger.Info("exited")
	return cause
}

// Add an operation.
// The Process is gracefully terminated when all operations are completed.
// The ctx parameter can be used to wait for the termination.
// The errCh parameter can be used to stop the process with an error.
func (v *Process) Add(operation func(ctx context.Context, errCh chan<- error)) {
	errCh := make(chan error, 1)
	v.wg.Add(2)
	go func() {
		defer v.wg.Done()
		defer close(errCh)
		operation(v.ctx, errCh)
	}()
	go func() {
		defer v.wg.Done()
		for err := range errCh {
			sendErr(v.errCh, err)
		}
	}()
}

// OnShutdown registers a callback that is invoked when the process is terminating.
// Graceful shutdown waits until the callback has finished.
// Callbacks are invoked sequentially in LIFO order.
func (v *Process) OnShutdown(fn OnShutdownFn) {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.terminating {
		v.logger.Error("cannot register OnShutdown callback: the process is terminating")
		return
	}
	v.onShutdown = append(v.onShutdown, fn)
}

func sendErr(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}
