package sniff

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hereliesaz/hashkitty/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRemote struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu       sync.Mutex
	started  string
	ran      []string
	closed   bool
	waitErr  error
	startErr error
	runBlock chan struct{} // Run waits on it when set
}

func newFakeRemote() *fakeRemote {
	pr, pw := io.Pipe()
	return &fakeRemote{pr: pr, pw: pw}
}

func (r *fakeRemote) Start(cmd string) (io.Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.started = cmd
	return r.pr, nil
}

func (r *fakeRemote) Wait() error { return r.waitErr }

func (r *fakeRemote) Run(cmd string) error {
	r.mu.Lock()
	r.ran = append(r.ran, cmd)
	block := r.runBlock
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	return nil
}

func (r *fakeRemote) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.pw.CloseWithError(errors.New("connection closed"))
}

func (r *fakeRemote) snapshot() (string, []string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, append([]string(nil), r.ran...), r.closed
}

type fakeDialer struct {
	remote *fakeRemote
	err    error
}

func (d *fakeDialer) Dial(ctx context.Context, _ protocol.StartSniff) (Remote, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.remote, nil
}

// recorder collects emitted frames decoded into (type, output) pairs.
type recorder struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	fail   bool
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) emit(msg []byte) error {
	env, err := protocol.Decode(msg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, env)
	fail := r.fail
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	if fail {
		return errors.New("owner gone")
	}
	return nil
}

func (r *recorder) byType(typ string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, f := range r.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) outputs(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, env := range r.byType(protocol.TypeSniffOutput) {
		var so protocol.SniffOutput
		if err := protocol.DecodePayload(env.Payload, &so); err != nil {
			t.Fatalf("bad sniff_output payload: %v", err)
		}
		out = append(out, so.Output)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}

var testParams = protocol.StartSniff{Host: "10.0.0.2", Username: "pi", Password: "secret"}

func TestStop_IdleAndTwice(t *testing.T) {
	s := NewSession(testParams, &fakeDialer{remote: newFakeRemote()}, newRecorder().emit, Options{}, testLogger())

	s.Stop()
	s.Stop()
	if s.State() != StateIdle {
		t.Errorf("expected idle after Stop on unstarted session, got %s", s.State())
	}
}

func TestStart_Twice(t *testing.T) {
	remote := newFakeRemote()
	s := NewSession(testParams, &fakeDialer{remote: remote}, newRecorder().emit, Options{}, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	s.Stop()
	waitDone(t, s)
}

func TestSession_DialFailure(t *testing.T) {
	rec := newRecorder()
	s := NewSession(testParams, &fakeDialer{err: errors.New("no route to host")}, rec.emit, Options{}, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	outs := rec.outputs(t)
	if len(outs) != 1 || !strings.Contains(outs[0], "no route to host") {
		t.Errorf("expected one error output, got %q", outs)
	}
	if n := len(rec.byType(protocol.TypeSniffStopped)); n != 1 {
		t.Errorf("expected exactly 1 sniff_stopped, got %d", n)
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
}

func TestSession_StreamAndStop(t *testing.T) {
	remote := newFakeRemote()
	rec := newRecorder()
	s := NewSession(testParams, &fakeDialer{remote: remote}, rec.emit, Options{}, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "streaming", func() bool { return s.State() == StateStreaming })
	if _, err := remote.pw.Write([]byte("12:00:01 IP a > b\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "output", func() bool { return len(rec.byType(protocol.TypeSniffOutput)) == 1 })

	s.Stop()
	s.Stop()
	waitDone(t, s)

	started, ran, closed := remote.snapshot()
	if started != "sudo tcpdump -i any -l -U not port 22" {
		t.Errorf("unexpected capture command %q", started)
	}
	if len(ran) != 1 || ran[0] != "sudo pkill -f tcpdump" {
		t.Errorf("expected kill command, got %v", ran)
	}
	if !closed {
		t.Error("expected remote to be closed")
	}
	if outs := rec.outputs(t); outs[0] != "12:00:01 IP a > b\n" {
		t.Errorf("unexpected output %q", outs[0])
	}
	if n := len(rec.byType(protocol.TypeSniffStopped)); n != 1 {
		t.Errorf("expected exactly 1 sniff_stopped, got %d", n)
	}
}

func TestSession_StopDoesNotWaitForKill(t *testing.T) {
	remote := newFakeRemote()
	remote.runBlock = make(chan struct{})
	defer close(remote.runBlock)
	rec := newRecorder()
	s := NewSession(testParams, &fakeDialer{remote: remote}, rec.emit, Options{KillTimeout: 500 * time.Millisecond}, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "streaming", func() bool { return s.State() == StateStreaming })

	start := time.Now()
	s.Stop()
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Errorf("Stop blocked for %s on the kill command", d)
	}
	if st := s.State(); st != StateStopping {
		t.Errorf("expected stopping right after Stop, got %s", st)
	}

	waitDone(t, s)
	if _, _, closed := remote.snapshot(); !closed {
		t.Error("expected remote closed once the kill timed out")
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
	if n := len(rec.byType(protocol.TypeSniffStopped)); n != 1 {
		t.Errorf("expected exactly 1 sniff_stopped, got %d", n)
	}
}

func TestSession_RemoteExit(t *testing.T) {
	remote := newFakeRemote()
	remote.waitErr = errors.New("Process exited with status 1")
	rec := newRecorder()
	s := NewSession(testParams, &fakeDialer{remote: remote}, rec.emit, Options{}, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "streaming", func() bool { return s.State() == StateStreaming })
	_ = remote.pw.Close()
	waitDone(t, s)

	outs := rec.outputs(t)
	if len(outs) != 1 || !strings.Contains(outs[0], "status 1") {
		t.Errorf("expected exit status output, got %q", outs)
	}
	if n := len(rec.byType(protocol.TypeSniffStopped)); n != 1 {
		t.Errorf("expected exactly 1 sniff_stopped, got %d", n)
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
}

func TestSession_OwnerUnreachable(t *testing.T) {
	remote := newFakeRemote()
	rec := newRecorder()
	rec.fail = true
	s := NewSession(testParams, &fakeDialer{remote: remote}, rec.emit, Options{}, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "streaming", func() bool { return s.State() == StateStreaming })

	go func() { _, _ = remote.pw.Write([]byte("data")) }()
	waitDone(t, s)

	if _, _, closed := remote.snapshot(); !closed {
		t.Error("expected remote closed after owner became unreachable")
	}
}

func TestSession_CustomPortExcluded(t *testing.T) {
	p := testParams
	p.Port = 2222
	s := NewSession(p, &fakeDialer{}, newRecorder().emit, Options{CaptureCommand: "tcpdump -i wlan0 -l -U"}, testLogger())
	if got := s.Command(); got != "tcpdump -i wlan0 -l -U not port 2222" {
		t.Errorf("unexpected command %q", got)
	}
}

func TestLauncher_Disabled(t *testing.T) {
	l := NewLauncher(nil, Options{}, testLogger())
	if l.Enabled() {
		t.Fatal("expected launcher to be disabled")
	}
	if _, err := l.Launch(testParams, newRecorder().emit); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
	if l.Active() != 0 {
		t.Errorf("expected no sessions, got %d", l.Active())
	}
}

func TestLauncher_TracksAndStopsAll(t *testing.T) {
	remote := newFakeRemote()
	l := NewLauncher(&fakeDialer{remote: remote}, Options{}, testLogger())
	rec := newRecorder()

	s, err := l.Launch(testParams, rec.emit)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitFor(t, "streaming", func() bool { return s.State() == StateStreaming })
	if l.Active() != 1 {
		t.Fatalf("expected 1 active session, got %d", l.Active())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.StopAll(ctx)

	if l.Active() != 0 {
		t.Errorf("expected 0 active sessions, got %d", l.Active())
	}
}

func TestSSHDialer_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()

	d := &SSHDialer{ConnectTimeout: time.Second}
	_, err = d.Dial(context.Background(), protocol.StartSniff{Host: "127.0.0.1", Port: addr.Port, Username: "u", Password: "p"})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if msg := describeError(err); !strings.HasPrefix(msg, "host unreachable") {
		t.Errorf("unexpected description %q", msg)
	}
}

func TestSSHDialer_HandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		// Accept and never speak SSH.
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	d := &SSHDialer{ConnectTimeout: 100 * time.Millisecond}
	start := time.Now()
	_, err = d.Dial(context.Background(), protocol.StartSniff{Host: "127.0.0.1", Port: addr.Port, Username: "u", Password: "p"})
	if err == nil {
		t.Fatal("expected handshake error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("handshake not bounded: %v", elapsed)
	}
}
