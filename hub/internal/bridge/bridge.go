// Package bridge hands frames from worker goroutines to the relay's delivery
// loop with a bounded wait.
//
// Workers that block on remote I/O (capture sessions, attack runners) never
// touch connection state directly. They call Deliver, which queues the send
// onto the loop started by Run and waits at most Timeout for the loop to
// confirm the frame was accepted by the target's outbound queue. Any error
// means the peer is unreachable and the worker should tear down.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is returned when the loop does not confirm in time.
	ErrTimeout = errors.New("bridge: delivery timed out")
	// ErrClosed is returned once the loop has stopped.
	ErrClosed = errors.New("bridge: closed")
)

// SendFunc enqueues a frame for a peer. It must not block.
type SendFunc func(msg []byte) error

// Options configure a Bridge.
type Options struct {
	Timeout   time.Duration // default 1s
	QueueSize int           // default 256
}

// Stats are cumulative delivery counters.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Timeouts  int64 `json:"timeouts"`
	Pending   int   `json:"pending"`
}

type task struct {
	send  SendFunc
	msg   []byte
	reply chan error
}

// Bridge is safe for concurrent use by any number of workers.
type Bridge struct {
	logger  *slog.Logger
	timeout time.Duration
	tasks   chan task

	done     chan struct{}
	doneOnce sync.Once

	delivered atomic.Int64
	failed    atomic.Int64
	timeouts  atomic.Int64
}

// New creates a Bridge. Deliver blocks until Run is started.
func New(logger *slog.Logger, opts Options) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Bridge{
		logger:  logger.With("component", "bridge"),
		timeout: opts.Timeout,
		tasks:   make(chan task, opts.QueueSize),
		done:    make(chan struct{}),
	}
}

// Run executes queued sends in FIFO order until ctx is done. Afterwards every
// pending and future Deliver returns ErrClosed.
func (b *Bridge) Run(ctx context.Context) {
	defer b.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-b.tasks:
			t.reply <- t.send(t.msg)
		}
	}
}

// Close stops accepting deliveries. It is safe to call more than once.
func (b *Bridge) Close() {
	b.doneOnce.Do(func() {
		close(b.done)
		b.logger.Debug("bridge closed")
	})
}

// Deliver schedules send(msg) on the loop and waits for its result, bounded
// by the configured timeout.
func (b *Bridge) Deliver(send SendFunc, msg []byte) error {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	t := task{send: send, msg: msg, reply: make(chan error, 1)}
	select {
	case <-b.done:
		return ErrClosed
	case b.tasks <- t:
	case <-timer.C:
		b.timeouts.Add(1)
		return ErrTimeout
	}

	select {
	case err := <-t.reply:
		if err != nil {
			b.failed.Add(1)
			return err
		}
		b.delivered.Add(1)
		return nil
	case <-b.done:
		return ErrClosed
	case <-timer.C:
		b.timeouts.Add(1)
		return ErrTimeout
	}
}

// Stats returns a snapshot of the delivery counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		Timeouts:  b.timeouts.Load(),
		Pending:   len(b.tasks),
	}
}
