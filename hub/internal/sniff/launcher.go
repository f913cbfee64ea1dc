package sniff

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hereliesaz/hashkitty/pkg/protocol"
)

// Launcher creates sessions and tracks the ones still running.
type Launcher struct {
	dialer Dialer
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*Session
}

// NewLauncher creates a Launcher. A nil dialer disables remote capture.
func NewLauncher(dialer Dialer, opts Options, logger *slog.Logger) *Launcher {
	return &Launcher{
		dialer: dialer,
		opts:   opts,
		logger: logger.With("component", "sniff"),
		live:   make(map[string]*Session),
	}
}

// Enabled reports whether sessions can be launched.
func (l *Launcher) Enabled() bool { return l.dialer != nil }

// Launch creates and starts a session whose output goes to emit.
func (l *Launcher) Launch(params protocol.StartSniff, emit EmitFunc) (*Session, error) {
	if l.dialer == nil {
		return nil, ErrDisabled
	}
	s := NewSession(params, l.dialer, emit, l.opts, l.logger)
	s.onExit = l.untrack

	l.mu.Lock()
	l.live[s.id] = s
	l.mu.Unlock()

	if err := s.Start(); err != nil {
		l.untrack(s)
		return nil, err
	}
	return s, nil
}

func (l *Launcher) untrack(s *Session) {
	l.mu.Lock()
	delete(l.live, s.id)
	l.mu.Unlock()
}

// Active returns the number of sessions whose worker is still running.
func (l *Launcher) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// StopAll stops every live session and waits for their workers to exit or
// for ctx to end.
func (l *Launcher) StopAll(ctx context.Context) {
	l.mu.Lock()
	sessions := make([]*Session, 0, len(l.live))
	for _, s := range l.live {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			l.logger.Warn("capture workers still running at shutdown", "remaining", l.Active())
			return
		}
	}
}
