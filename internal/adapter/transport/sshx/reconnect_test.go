package sshx

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// sshTestServer is a minimal in-process SSH endpoint. It accepts password
// auth, answers exec requests, records every command it receives, and can be
// told to kill the TCP connection mid-command.
type sshTestServer struct {
	t  *testing.T
	ln net.Listener

	mu    sync.Mutex
	cmds  []string
	files map[string][]byte
	conns []net.Conn
	// dropOn kills the connection once, after receiving the first exec
	// request whose command contains this substring, before any reply data
	// or exit status is sent.
	dropOn  string
	dropped bool
}

func newSSHTestServer(t *testing.T) *sshTestServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &sshTestServer{t: t, ln: ln, files: map[string][]byte{}}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, raw)
			s.mu.Unlock()
			go s.serveConn(raw, cfg)
		}
	}()
	return s
}

func (s *sshTestServer) addr() string { return s.ln.Addr().String() }

func (s *sshTestServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// closeConns severs every accepted connection, simulating a network drop
// between operations.
func (s *sshTestServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func (s *sshTestServer) countCmds(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.cmds {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func (s *sshTestServer) file(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[path]
}

func (s *sshTestServer) serveConn(raw net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(raw, cfg)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(raw, ch, chReqs)
	}
}

func (s *sshTestServer) serveSession(raw net.Conn, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		cmd := parseExecPayload(req.Payload)
		s.mu.Lock()
		s.cmds = append(s.cmds, cmd)
		drop := s.dropOn != "" && !s.dropped && strings.Contains(cmd, s.dropOn)
		if drop {
			s.dropped = true
		}
		s.mu.Unlock()
		_ = req.Reply(true, nil)

		if drop {
			_ = raw.Close()
			return
		}
		s.runCommand(cmd, ch)
		return
	}
}

func parseExecPayload(p []byte) string {
	if len(p) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(p)
	if int(n)+4 > len(p) {
		return ""
	}
	return string(p[4 : 4+n])
}

func (s *sshTestServer) runCommand(cmd string, ch ssh.Channel) {
	switch {
	case strings.Contains(cmd, "setsid nohup"):
		_, _ = io.WriteString(ch, "4242\n")
	case strings.HasPrefix(cmd, "cat > "):
		data, _ := io.ReadAll(ch)
		path := strings.Trim(strings.TrimPrefix(cmd, "cat > "), "'")
		s.mu.Lock()
		s.files[path] = data
		s.mu.Unlock()
	case strings.Contains(cmd, "echo alive"):
		_, _ = io.WriteString(ch, "alive\n")
	}
	status := make([]byte, 4)
	_, _ = ch.SendRequest("exit-status", false, status)
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	c := New(Config{
		Node:              1,
		NodeAddress:       addr,
		AllowDirect:       true,
		RemoteUser:        "tester",
		RemotePassword:    "pw",
		Timeout:           5 * time.Second,
		RetryAttempts:     1,
		KeepAliveInterval: time.Minute,
	}, slog.Default())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestExecMidCommandDropIsNotRetried(t *testing.T) {
	s := newSSHTestServer(t)
	s.dropOn = "setsid nohup"
	c := newTestClient(t, s.addr())
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	launch := "setsid nohup bash -c '(true); echo $? > /tmp/j.exit' > /tmp/j.out 2> /tmp/j.err < /dev/null & echo $!"
	_, _, _, err := c.Exec(ctx, launch, 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)

	// The remote side may already be running the command; a second send
	// would start it twice.
	assert.Equal(t, 1, s.countCmds("setsid nohup"))
}

func TestExecReconnectsBeforeIssuingCommand(t *testing.T) {
	s := newSSHTestServer(t)
	c := newTestClient(t, s.addr())
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	out, _, _, err := c.Exec(ctx, "echo alive", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alive", strings.TrimSpace(out))

	s.closeConns()
	time.Sleep(50 * time.Millisecond)

	// The dead channel is detected at session open, before the command is
	// sent, so the transparent reconnect is safe.
	out, _, _, err = c.Exec(ctx, "echo alive", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alive", strings.TrimSpace(out))
	assert.GreaterOrEqual(t, s.connCount(), 2)
}

func TestPutFileReconnectsAndRetries(t *testing.T) {
	s := newSSHTestServer(t)
	c := newTestClient(t, s.addr())
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	s.closeConns()
	time.Sleep(50 * time.Millisecond)

	content := []byte("print('ok')\n")
	require.NoError(t, c.PutFile(ctx, content, "/tmp/solution.py"))
	assert.Equal(t, content, s.file("/tmp/solution.py"))
	assert.GreaterOrEqual(t, s.connCount(), 2)
}
