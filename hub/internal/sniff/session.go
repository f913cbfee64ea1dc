// Package sniff runs remote packet-capture sessions over SSH and streams
// their output back to the requesting connection.
package sniff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hereliesaz/hashkitty/pkg/protocol"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrAlreadyStarted is returned by Start on a session that left Idle.
	ErrAlreadyStarted = errors.New("sniff: session already started")
	// ErrDisabled is returned by the Launcher when no SSH dialer is configured.
	ErrDisabled = errors.New("sniff: remote capture is not available on this relay")
)

// Remote is an established shell connection.
type Remote interface {
	// Start runs cmd with a pseudo-terminal and returns its output stream.
	Start(cmd string) (io.Reader, error)
	// Wait blocks until the command started by Start exits.
	Wait() error
	// Run executes a one-off command in a separate channel.
	Run(cmd string) error
	Close() error
}

// Dialer opens Remotes.
type Dialer interface {
	Dial(ctx context.Context, p protocol.StartSniff) (Remote, error)
}

// EmitFunc delivers an encoded frame to the session owner. A non-nil error
// means the owner is unreachable.
type EmitFunc func(msg []byte) error

// Options control the capture command and streaming.
type Options struct {
	CaptureCommand string        // default "sudo tcpdump -i any -l -U"
	KillCommand    string        // default "sudo pkill -f tcpdump"
	ChunkSize      int           // default 1024
	KillTimeout    time.Duration // default 2s
}

func (o *Options) applyDefaults() {
	if o.CaptureCommand == "" {
		o.CaptureCommand = "sudo tcpdump -i any -l -U"
	}
	if o.KillCommand == "" {
		o.KillCommand = "sudo pkill -f tcpdump"
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1024
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = 2 * time.Second
	}
}

// Session is one capture run. It is started once and stopped once; a new
// capture needs a new Session.
type Session struct {
	id     string
	params protocol.StartSniff
	dialer Dialer
	emit   EmitFunc
	opts   Options
	logger *slog.Logger

	state   atomic.Int32
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
	onExit  func(*Session)

	mu     sync.Mutex
	remote Remote
}

// NewSession creates an idle session.
func NewSession(params protocol.StartSniff, dialer Dialer, emit EmitFunc, opts Options, logger *slog.Logger) *Session {
	opts.applyDefaults()
	if params.Port == 0 {
		params.Port = protocol.DefaultSSHPort
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &Session{
		id:      id,
		params:  params,
		dialer:  dialer,
		emit:    emit,
		opts:    opts,
		logger:  logger.With("sniff_id", id, "host", params.Addr()),
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Host returns the remote address being captured.
func (s *Session) Host() string { return s.params.Addr() }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the worker goroutine has exited. It never closes for a
// session that was not started.
func (s *Session) Done() <-chan struct{} { return s.done }

// Command returns the capture command with the SSH port excluded.
func (s *Session) Command() string {
	return fmt.Sprintf("%s not port %d", s.opts.CaptureCommand, s.params.Port)
}

// Start spawns the worker goroutine.
func (s *Session) Start() error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}
	go s.run()
	return nil
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("capture worker panic", "panic", r)
		}
		if err := s.emit(protocol.MustEncode(protocol.TypeSniffStopped, "", nil)); err != nil {
			s.logger.Debug("sniff_stopped not delivered", "error", err)
		}
		s.Stop()
		<-s.stopped
		if s.onExit != nil {
			s.onExit(s)
		}
	}()

	remote, err := s.dialer.Dial(s.ctx, s.params)
	if err != nil {
		if !s.stopRequested() {
			s.logger.Warn("ssh connect failed", "error", err)
			s.sendOutput("SSH connection failed: " + describeError(err))
		}
		return
	}

	s.mu.Lock()
	if s.stopRequested() {
		s.mu.Unlock()
		_ = remote.Close()
		return
	}
	s.remote = remote
	s.mu.Unlock()

	out, err := remote.Start(s.Command())
	if err != nil {
		if !s.stopRequested() {
			s.logger.Warn("capture command failed", "error", err)
			s.sendOutput("Failed to start capture: " + err.Error())
		}
		return
	}
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateStreaming)) {
		return
	}
	s.logger.Info("capture streaming", "command", s.Command())

	s.stream(remote, out)
}

func (s *Session) stream(remote Remote, out io.Reader) {
	buf := make([]byte, s.opts.ChunkSize)
	var dec chunkDecoder
	for {
		if s.stopRequested() {
			return
		}
		n, err := out.Read(buf)
		if n > 0 {
			if text := dec.Decode(buf[:n]); text != "" {
				if emitErr := s.sendOutput(text); emitErr != nil {
					return
				}
			}
		}
		if err == nil {
			continue
		}
		if s.stopRequested() {
			return
		}
		if rest := dec.Flush(); rest != "" {
			_ = s.sendOutput(rest)
		}
		if errors.Is(err, io.EOF) {
			if waitErr := remote.Wait(); waitErr != nil {
				_ = s.sendOutput("Capture process exited: " + waitErr.Error())
			} else {
				_ = s.sendOutput("Capture process exited.")
			}
			return
		}
		s.logger.Warn("capture read failed", "error", err)
		_ = s.sendOutput("Capture read failed: " + err.Error())
		return
	}
}

func (s *Session) sendOutput(text string) error {
	msg, err := protocol.Encode(protocol.TypeSniffOutput, "", protocol.SniffOutput{Output: text})
	if err != nil {
		return err
	}
	if err := s.emit(msg); err != nil {
		s.logger.Info("owner unreachable, stopping capture", "error", err)
		return err
	}
	return nil
}

// Stop ends the session. It is a no-op on a session that is idle, already
// stopping, or stopped. Stop returns once the stop has been issued: the kill
// command and the SSH close run in the background, and Done closes after
// they finish.
func (s *Session) Stop() {
	for {
		st := s.State()
		if st == StateIdle || st == StateStopping || st == StateStopped {
			return
		}
		if s.state.CompareAndSwap(int32(st), int32(StateStopping)) {
			break
		}
	}
	close(s.stopCh)
	s.cancel()

	s.mu.Lock()
	remote := s.remote
	s.remote = nil
	s.mu.Unlock()

	if remote == nil {
		s.markStopped()
		return
	}
	go func() {
		s.kill(remote)
		if err := remote.Close(); err != nil {
			s.logger.Debug("remote close", "error", err)
		}
		s.markStopped()
	}()
}

func (s *Session) markStopped() {
	s.state.Store(int32(StateStopped))
	close(s.stopped)
	s.logger.Info("capture stopped")
}

// kill runs the kill command, waiting at most KillTimeout. Failures are ignored.
func (s *Session) kill(remote Remote) {
	result := make(chan error, 1)
	go func() { result <- remote.Run(s.opts.KillCommand) }()

	timer := time.NewTimer(s.opts.KillTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		if err != nil {
			s.logger.Debug("kill command failed", "error", err)
		}
	case <-timer.C:
		s.logger.Debug("kill command timed out")
	}
}
