// Package shutdown coordinates the one-way Running -> ShuttingDown ->
// Terminated transition of the pipeline.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/firm/internal/utils"
)

type State int32

const (
	Running State = iota
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Reason is what started the shutdown.
type Reason int

const (
	Interrupt     Reason = iota + 1 // SIGINT / SIGTERM
	ExitKey                         // operator pressed the exit key
	CaptureFailed                   // camera stream ended or broke
	EnginesLost                     // every worker lost its vision engine
)

func (r Reason) String() string {
	switch r {
	case Interrupt:
		return "interrupt"
	case ExitKey:
		return "exit key"
	case CaptureFailed:
		return "capture failed"
	case EnginesLost:
		return "vision engines lost"
	default:
		return "unknown"
	}
}

// Camera is released exactly once by the coordinator.
type Camera interface {
	Release() error
}

type Preview interface {
	Close() error
}

type Workers interface {
	Stop(timeout time.Duration) int
}

type Announcer interface {
	Close(ctx context.Context) error
}

// Components are the parts the shutdown sequence tears down, in field order.
// Any of them may be nil. Cancel stops the capture loop.
type Components struct {
	Cancel    context.CancelFunc
	Camera    Camera
	Preview   Preview
	Workers   Workers
	Announcer Announcer
}

type Coordinator struct {
	c       Components
	timeout time.Duration
	log     logrus.FieldLogger

	state atomic.Int32
	once  sync.Once
	done  chan struct{}

	// written once inside once, read after done is closed
	reason    Reason
	cause     error
	abandoned int
}

func New(c Components, timeout time.Duration, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		c:       c,
		timeout: timeout,
		log:     log,
		done:    make(chan struct{}),
	}
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Done is closed when the coordinator reaches Terminated.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Trigger runs the shutdown sequence. Only the first call does anything, and
// its reason decides the exit code. Concurrent calls block until that sequence
// has finished; calls made after it return at once.
func (c *Coordinator) Trigger(reason Reason, cause error) {
	c.once.Do(func() {
		c.reason = reason
		c.cause = cause
		c.state.Store(int32(ShuttingDown))

		entry := c.log.WithField("reason", reason.String())
		if cause != nil {
			entry = entry.WithError(cause)
		}
		entry.Info("Shutting down")

		c.run()

		c.state.Store(int32(Terminated))
		close(c.done)
		c.log.Info("Shutdown complete")
	})
}

func (c *Coordinator) run() {
	if c.c.Cancel != nil {
		c.c.Cancel()
	}
	if c.c.Camera != nil {
		if err := c.c.Camera.Release(); err != nil {
			c.log.WithError(err).Warn("Camera release failed")
		}
	}
	if c.c.Preview != nil {
		if err := c.c.Preview.Close(); err != nil {
			c.log.WithError(err).Debug("Preview close failed")
		}
	}
	if c.c.Workers != nil {
		c.abandoned = c.c.Workers.Stop(c.timeout)
	}
	if c.c.Announcer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.c.Announcer.Close(ctx); err != nil {
			c.log.WithError(err).Warn("Pending announcements discarded")
		}
	}
}

// Wait blocks until Terminated and returns the process exit code.
func (c *Coordinator) Wait() int {
	<-c.done
	return c.ExitCode()
}

// ExitCode maps the first trigger to an exit status. Valid once Done is closed.
func (c *Coordinator) ExitCode() int {
	switch c.reason {
	case CaptureFailed, EnginesLost:
		return utils.ExitRuntime
	}
	if c.abandoned > 0 {
		return utils.ExitAbandoned
	}
	return utils.ExitOK
}

// Cause is the error passed with the first trigger, if any.
func (c *Coordinator) Cause() error {
	return c.cause
}
