package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hereliesaz/hashkitty/hub/internal/bridge"
	"github.com/hereliesaz/hashkitty/hub/internal/job"
	"github.com/hereliesaz/hashkitty/hub/internal/rooms"
	"github.com/hereliesaz/hashkitty/hub/internal/sniff"
	"github.com/hereliesaz/hashkitty/hub/internal/store"
	"github.com/hereliesaz/hashkitty/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testRelay struct {
	srv      *httptest.Server
	router   *Router
	rooms    *rooms.Hub
	launcher *sniff.Launcher
	store    *store.SQLiteStore
}

func setupRelay(t *testing.T, dialer sniff.Dialer) *testRelay {
	t.Helper()
	logger := testLogger()

	s, err := store.NewSQLite("file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}

	h := rooms.New(logger)
	b := bridge.New(logger, bridge.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	l := sniff.NewLauncher(dialer, sniff.Options{KillTimeout: 100 * time.Millisecond}, logger)
	rt := New(h, b, l, s, logger, Options{})
	srv := httptest.NewServer(http.HandlerFunc(rt.HandleWS))

	t.Cleanup(func() {
		srv.Close()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		l.StopAll(stopCtx)
		stopCancel()
		cancel()
		_ = s.Close()
	})
	return &testRelay{srv: srv, router: rt, rooms: h, launcher: l, store: s}
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tr.srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func readEnvelope(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	env, err := protocol.Decode(readFrame(t, c))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func expectSilence(t *testing.T, c *websocket.Conn, d time.Duration) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(d))
	if _, msg, err := c.ReadMessage(); err == nil {
		t.Fatalf("expected no message, got %s", msg)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (tr *testRelay) join(t *testing.T, c *websocket.Conn, room string, members int) {
	t.Helper()
	send(t, c, `{"type":"join","room_id":"`+room+`"}`)
	waitFor(t, "join", func() bool { return len(tr.rooms.Members(room)) == members })
}

// --- fake SSH ---

type fakeRemote struct {
	pr      *io.PipeReader
	pw      *io.PipeWriter
	onClose func()

	mu      sync.Mutex
	started bool
	closed  bool
}

func (r *fakeRemote) Start(string) (io.Reader, error) {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return r.pr, nil
}

func (r *fakeRemote) Wait() error      { return nil }
func (r *fakeRemote) Run(string) error { return nil }

func (r *fakeRemote) Close() error {
	r.mu.Lock()
	first := !r.closed
	r.closed = true
	r.mu.Unlock()
	if first && r.onClose != nil {
		r.onClose()
	}
	return r.pw.CloseWithError(errors.New("closed"))
}

func (r *fakeRemote) isStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

type fakeDialer struct {
	mu      sync.Mutex
	remotes []*fakeRemote
	onClose func()
}

func (d *fakeDialer) Dial(context.Context, protocol.StartSniff) (sniff.Remote, error) {
	pr, pw := io.Pipe()
	d.mu.Lock()
	r := &fakeRemote{pr: pr, pw: pw, onClose: d.onClose}
	d.remotes = append(d.remotes, r)
	d.mu.Unlock()
	return r, nil
}

func (d *fakeDialer) remote(i int) *fakeRemote {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.remotes) {
		return nil
	}
	return d.remotes[i]
}

const startSniffFrame = `{"type":"start_sniff","payload":"{\"host\":\"10.0.0.2\",\"username\":\"pi\",\"password\":\"raspberry\"}"}`

// --- tests ---

func TestRelay_BroadcastExcludesSender(t *testing.T) {
	tr := setupRelay(t, nil)
	a := tr.dial(t)
	b := tr.dial(t)

	tr.join(t, a, "r1", 1)
	tr.join(t, b, "r1", 2)

	// a sees b's join relayed to it.
	if env := readEnvelope(t, a); env.Type != protocol.TypeJoin {
		t.Fatalf("expected relayed join, got %q", env.Type)
	}

	send(t, a, `{"type":"ping"}`)
	if got := string(readFrame(t, b)); got != `{"type":"ping"}` {
		t.Errorf("expected raw ping frame, got %s", got)
	}
	expectSilence(t, a, 200*time.Millisecond)
}

func TestRelay_MalformedFrameKeepsLoopAlive(t *testing.T) {
	tr := setupRelay(t, nil)
	a := tr.dial(t)

	send(t, a, "this is not json")
	send(t, a, `{"room_id":"r1"}`)
	tr.join(t, a, "r1", 1)

	if tr.router.ConnCount() != 1 {
		t.Errorf("expected connection to stay open, have %d", tr.router.ConnCount())
	}
}

func TestRelay_JoinTwiceSingleMembership(t *testing.T) {
	tr := setupRelay(t, nil)
	a := tr.dial(t)

	tr.join(t, a, "r1", 1)
	send(t, a, `{"type":"join","room_id":"r1"}`)
	send(t, a, `{"type":"noop"}`)
	time.Sleep(100 * time.Millisecond)

	if got := tr.rooms.Members("r1"); len(got) != 1 {
		t.Errorf("expected one membership, got %v", got)
	}
}

func TestRelay_JoinWithoutRoomRelayed(t *testing.T) {
	tr := setupRelay(t, nil)
	a := tr.dial(t)
	b := tr.dial(t)
	tr.join(t, a, "r1", 1)
	tr.join(t, b, "r1", 2)
	readEnvelope(t, a) // b's join

	send(t, a, `{"type":"join"}`)
	if got := string(readFrame(t, b)); got != `{"type":"join"}` {
		t.Errorf("expected join without room_id relayed, got %s", got)
	}
	if got := tr.rooms.Members("r1"); len(got) != 2 {
		t.Errorf("expected both peers to stay in r1, got %v", got)
	}

	c := tr.dial(t)
	send(t, c, `{"type":"join"}`)
	expectSilence(t, a, 200*time.Millisecond)
	expectSilence(t, b, 10*time.Millisecond)
	if tr.rooms.RoomCount() != 1 || len(tr.rooms.Members("r1")) != 2 {
		t.Error("join without room_id must not register an unjoined peer")
	}
}

func TestRelay_StartSniffUnreachableHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	tr := setupRelay(t, &sniff.SSHDialer{ConnectTimeout: time.Second})
	a := tr.dial(t)

	frame := protocol.MustEncode(protocol.TypeStartSniff, "", protocol.StartSniff{Host: "127.0.0.1", Port: port, Username: "u", Password: "p"})
	send(t, a, string(frame))

	env := readEnvelope(t, a)
	if env.Type != protocol.TypeSniffOutput {
		t.Fatalf("expected sniff_output, got %q", env.Type)
	}
	var out protocol.SniffOutput
	if err := protocol.DecodePayload(env.Payload, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Output, "SSH connection failed") {
		t.Errorf("expected error text, got %q", out.Output)
	}

	if env := readEnvelope(t, a); env.Type != protocol.TypeSniffStopped {
		t.Fatalf("expected sniff_stopped, got %q", env.Type)
	}
	expectSilence(t, a, 200*time.Millisecond)
	waitFor(t, "worker exit", func() bool { return tr.launcher.Active() == 0 })
}

func TestRelay_StartSniffDisabled(t *testing.T) {
	tr := setupRelay(t, nil)
	a := tr.dial(t)

	send(t, a, startSniffFrame)
	env := readEnvelope(t, a)
	if env.Type != protocol.TypeSniffOutput {
		t.Fatalf("expected sniff_output, got %q", env.Type)
	}
	var out protocol.SniffOutput
	if err := protocol.DecodePayload(env.Payload, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.Output, "Error:") {
		t.Errorf("expected error output, got %q", out.Output)
	}
	expectSilence(t, a, 200*time.Millisecond)
	if tr.launcher.Active() != 0 {
		t.Error("no session should be created when capture is disabled")
	}
}

func TestRelay_StartSniffReplacesSession(t *testing.T) {
	d := &fakeDialer{}
	tr := setupRelay(t, d)
	a := tr.dial(t)

	send(t, a, startSniffFrame)
	waitFor(t, "first session streaming", func() bool { r := d.remote(0); return r != nil && r.isStarted() })

	send(t, a, startSniffFrame)
	waitFor(t, "second session streaming", func() bool { r := d.remote(1); return r != nil && r.isStarted() })

	if env := readEnvelope(t, a); env.Type != protocol.TypeSniffStopped {
		t.Fatalf("expected sniff_stopped for the old session, got %q", env.Type)
	}
	expectSilence(t, a, 200*time.Millisecond)
	waitFor(t, "one live session", func() bool { return tr.launcher.Active() == 1 })

	// The new session still streams to its owner.
	_, _ = d.remote(1).pw.Write([]byte("packet"))
	env := readEnvelope(t, a)
	var out protocol.SniffOutput
	if err := protocol.DecodePayload(env.Payload, &out); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypeSniffOutput || out.Output != "packet" {
		t.Errorf("expected packet output, got %q %q", env.Type, out.Output)
	}

	send(t, a, `{"type":"stop_sniff"}`)
	if env := readEnvelope(t, a); env.Type != protocol.TypeSniffStopped {
		t.Fatalf("expected sniff_stopped after stop_sniff, got %q", env.Type)
	}
	waitFor(t, "no live sessions", func() bool { return tr.launcher.Active() == 0 })
}

func TestRelay_CloseStopsSessionBeforeLeavingRoom(t *testing.T) {
	d := &fakeDialer{}
	tr := setupRelay(t, d)

	var mu sync.Mutex
	membersAtStop := -1
	d.mu.Lock()
	d.onClose = func() {
		mu.Lock()
		membersAtStop = len(tr.rooms.Members("r1"))
		mu.Unlock()
	}
	d.mu.Unlock()

	a := tr.dial(t)
	tr.join(t, a, "r1", 1)
	send(t, a, startSniffFrame)
	waitFor(t, "streaming", func() bool { r := d.remote(0); return r != nil && r.isStarted() })

	_ = a.Close()

	waitFor(t, "room removed", func() bool { return tr.rooms.RoomCount() == 0 })
	waitFor(t, "session gone", func() bool { return tr.launcher.Active() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if membersAtStop != 1 {
		t.Errorf("expected session stop while still in room, members at stop = %d", membersAtStop)
	}
}

func TestRelay_AttackHandler(t *testing.T) {
	tr := setupRelay(t, nil)

	got := make(chan protocol.AttackParams, 1)
	tr.router.SetAttackHandler(func(p protocol.AttackParams, h job.Handle) {
		got <- p
		go func() { _ = job.NewReporter(p, h).Running("Session..........: hashcat") }()
	})

	a := tr.dial(t)
	b := tr.dial(t)
	tr.join(t, a, "r1", 1)
	tr.join(t, b, "r1", 2)
	readEnvelope(t, a) // b's join

	attack := protocol.MustEncode(protocol.TypeAttack, "r1", protocol.AttackParams{JobID: "j1", File: "h.txt", Mode: "0", AttackMode: "0"})
	send(t, b, string(attack))

	select {
	case p := <-got:
		if p.JobID != "j1" {
			t.Errorf("expected job j1, got %q", p.JobID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("attack handler not invoked")
	}

	// a receives the relayed attack; b receives its status update.
	if frame := readFrame(t, a); string(frame) != string(attack) {
		t.Errorf("expected relayed attack frame, got %s", frame)
	}
	env := readEnvelope(t, b)
	if env.Type != protocol.TypeStatusUpdate {
		t.Fatalf("expected status_update, got %q", env.Type)
	}
	var u protocol.StatusUpdate
	if err := protocol.DecodePayload(env.Payload, &u); err != nil {
		t.Fatal(err)
	}
	if u.JobID != "j1" || u.Status != protocol.StatusRunning {
		t.Errorf("unexpected update %+v", u)
	}

	events, err := tr.store.ListAuditEvents(context.Background(), store.AuditFilter{Action: store.ActionJobDispatch})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("expected one job.dispatch audit event, got %d", len(events))
	}
}

func TestRelay_BadPayloadNotRelayed(t *testing.T) {
	tr := setupRelay(t, nil)
	tr.router.SetAttackHandler(func(protocol.AttackParams, job.Handle) {
		t.Error("handler must not run for an undecodable payload")
	})
	a := tr.dial(t)
	b := tr.dial(t)
	tr.join(t, a, "r1", 1)
	tr.join(t, b, "r1", 2)
	readEnvelope(t, a)

	send(t, b, `{"type":"attack","payload":"{not json"}`)
	expectSilence(t, a, 200*time.Millisecond)
}

func TestRelay_AttackRelayedWithoutRunner(t *testing.T) {
	tr := setupRelay(t, nil)
	a := tr.dial(t)
	b := tr.dial(t)
	tr.join(t, a, "r1", 1)
	tr.join(t, b, "r1", 2)
	readEnvelope(t, a)

	frame := `{"type":"attack","payload":"{not json"}`
	send(t, b, frame)
	if got := string(readFrame(t, a)); got != frame {
		t.Errorf("expected attack relayed as-is, got %s", got)
	}
}

func TestRelay_PanicInHandlerRecovered(t *testing.T) {
	tr := setupRelay(t, nil)
	tr.router.SetAttackHandler(func(protocol.AttackParams, job.Handle) { panic("runner bug") })

	a := tr.dial(t)
	send(t, a, `{"type":"attack","payload":{"jobId":"j1"}}`)
	tr.join(t, a, "r1", 1)
}

func TestAllowMessage(t *testing.T) {
	c := &Conn{}
	for i := 0; i < 5; i++ {
		if !c.allowMessage(1, 5) {
			t.Fatalf("message %d should be allowed within burst", i)
		}
	}
	if c.allowMessage(1, 5) {
		t.Error("expected message beyond burst to be limited")
	}
}

func TestSend_Closed(t *testing.T) {
	c := &Conn{send: make(chan []byte, 1), closed: make(chan struct{})}
	if err := c.Send([]byte("a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send([]byte("b")); !errors.Is(err, ErrSendBufferFull) {
		t.Errorf("expected ErrSendBufferFull, got %v", err)
	}
	close(c.closed)
	if err := c.Send([]byte("c")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("expected ErrConnClosed, got %v", err)
	}
}
