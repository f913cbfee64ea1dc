package sniff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/hereliesaz/hashkitty/pkg/protocol"
)

// SSHDialer connects with password or keyboard-interactive authentication.
type SSHDialer struct {
	ConnectTimeout time.Duration // default 10s
	// KnownHostsFile, when set, pins host keys. Otherwise any key is accepted.
	KnownHostsFile string
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(d.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// Dial implements Dialer. Cancelling ctx aborts an in-flight handshake.
func (d *SSHDialer) Dial(ctx context.Context, p protocol.StartSniff) (Remote, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hostKey, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	password := p.Password
	cfg := &ssh.ClientConfig{
		User: p.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := p.Addr()
	var nd net.Dialer
	conn, err := nd.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := dctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(dctx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			_ = c.Close()
		}
		return nil, dctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshRemote{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshRemote struct {
	client *ssh.Client

	mu      sync.Mutex
	session *ssh.Session
}

func (r *sshRemote) Start(cmd string) (io.Reader, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", 40, 200, modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	out, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Start(cmd); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}

	r.mu.Lock()
	r.session = sess
	r.mu.Unlock()
	return out, nil
}

func (r *sshRemote) Wait() error {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Wait()
}

func (r *sshRemote) Run(cmd string) error {
	sess, err := r.client.NewSession()
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	return sess.Run(cmd)
}

func (r *sshRemote) Close() error {
	r.mu.Lock()
	sess := r.session
	r.session = nil
	r.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	return r.client.Close()
}

// describeError turns dial and handshake failures into short readable text.
func describeError(err error) string {
	var keyErr *knownhosts.KeyError
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.As(err, &keyErr):
		if len(keyErr.Want) == 0 {
			return "unknown host key: " + err.Error()
		}
		return "host key mismatch: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "connection timed out: " + err.Error()
	case strings.Contains(err.Error(), "unable to authenticate"):
		return "authentication failed: " + err.Error()
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return "host unreachable: " + err.Error()
	}
	return err.Error()
}
