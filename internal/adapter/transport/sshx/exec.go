package sshx

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gradelab/gpuqueue/internal/domain"
)

func trimmed(s string) string { return strings.TrimSpace(s) }

// shellQuote single-quotes s for safe interpolation into a remote shell
// command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Exec runs cmd on the node and returns stdout, stderr and the exit status.
// A dead channel is re-established before the command is issued; once the
// command is on the wire the remote side may already be running it, so a
// mid-command failure surfaces to the caller instead of being retried.
func (c *Client) Exec(ctx domain.Context, cmd string, timeout time.Duration) (string, string, int, error) {
	sess, err := c.nodeSession(ctx)
	if err != nil {
		return "", "", domain.ExitUnknown, err
	}
	return runSession(ctx, sess, cmd, timeout)
}

// nodeSession opens a command session on the node, reconnecting once when the
// channel is down. The retry lives here, before any command is issued, so a
// command is never sent twice.
func (c *Client) nodeSession(ctx domain.Context) (*ssh.Session, error) {
	sess, err := c.openSession(false)
	if err == nil {
		return sess, nil
	}
	c.log.Warn("channel dead, reconnecting", slog.String("error", err.Error()))
	c.mu.Lock()
	rerr := c.connectLocked(ctx)
	c.mu.Unlock()
	if rerr != nil {
		return nil, rerr
	}
	return c.openSession(false)
}

// openSession opens a session on the node (or the bastion) without any
// reconnection.
func (c *Client) openSession(onBastion bool) (*ssh.Session, error) {
	c.mu.Lock()
	target := c.node
	if onBastion {
		target = c.bastion
	}
	c.mu.Unlock()
	if target == nil {
		return nil, fmt.Errorf("op=sshx.session: %w: not connected", domain.ErrTransport)
	}
	sess, err := target.NewSession()
	if err != nil {
		return nil, fmt.Errorf("op=sshx.session: %w: open session: %v", domain.ErrTransport, err)
	}
	return sess, nil
}

// ExecOnBastion runs a command on the jump host itself; used for workspace
// container restarts. Session-open failures reconnect once, like Exec.
func (c *Client) ExecOnBastion(ctx domain.Context, cmd string, timeout time.Duration) (string, string, int, error) {
	sess, err := c.openSession(true)
	if err != nil {
		c.mu.Lock()
		rerr := c.connectLocked(ctx)
		c.mu.Unlock()
		if rerr != nil {
			return "", "", domain.ExitUnknown, rerr
		}
		if sess, err = c.openSession(true); err != nil {
			return "", "", domain.ExitUnknown, err
		}
	}
	return runSession(ctx, sess, cmd, timeout)
}

func runSession(ctx domain.Context, sess *ssh.Session, cmd string, timeout time.Duration) (string, string, int, error) {
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), domain.ExitUnknown,
			fmt.Errorf("op=sshx.Exec: %w: %v", domain.ErrTransport, ctx.Err())
	case <-timer:
		_ = sess.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), domain.ExitUnknown,
			fmt.Errorf("op=sshx.Exec: %w: command timed out after %s", domain.ErrTransport, timeout)
	case err := <-done:
		exit := 0
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				exit = exitErr.ExitStatus()
				err = nil
			} else {
				return stdout.String(), stderr.String(), domain.ExitUnknown,
					fmt.Errorf("op=sshx.Exec: %w: %v", domain.ErrTransport, err)
			}
		}
		return stdout.String(), stderr.String(), exit, nil
	}
}

// isChannelDead distinguishes a broken transport from a command that ran and
// failed: remote exit statuses never indicate a dead channel.
func isChannelDead(err error) bool {
	if err == nil {
		return false
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return false
	}
	return errors.Is(err, domain.ErrTransport)
}

// PutFile streams data to remotePath over stdin, avoiding an SFTP subsystem
// dependency on the node image. The write is idempotent, so a dead channel at
// any point is re-established and the whole upload retried once.
func (c *Client) PutFile(ctx domain.Context, data []byte, remotePath string) error {
	err := c.putFileOnce(remotePath, data)
	if err == nil || !isChannelDead(err) {
		return err
	}
	c.log.Warn("channel dead during upload, reconnecting", slog.String("error", err.Error()))
	c.mu.Lock()
	rerr := c.connectLocked(ctx)
	c.mu.Unlock()
	if rerr != nil {
		return rerr
	}
	return c.putFileOnce(remotePath, data)
}

func (c *Client) putFileOnce(remotePath string, data []byte) error {
	sess, err := c.openSession(false)
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	sess.Stderr = &stderr

	cmd := "cat > " + shellQuote(remotePath)
	if err := sess.Run(cmd); err != nil {
		// Double-wrap keeps the ExitError visible so isChannelDead can
		// tell a refused write from a dropped channel.
		return fmt.Errorf("op=sshx.PutFile: %w: write %s: %w (%s)",
			domain.ErrTransport, remotePath, err, trimmed(stderr.String()))
	}
	return nil
}

// ReadFile returns the remote file's contents; a missing file reads as empty.
func (c *Client) ReadFile(ctx domain.Context, remotePath string) (string, error) {
	cmd := "cat " + shellQuote(remotePath) + " 2>/dev/null || true"
	out, _, _, err := c.Exec(ctx, cmd, 30*time.Second)
	if err != nil {
		return "", fmt.Errorf("op=sshx.ReadFile: %w", err)
	}
	return out, nil
}

// IsAlivePID reports whether the pid is observable on the node.
func (c *Client) IsAlivePID(ctx domain.Context, pid int) (bool, error) {
	cmd := fmt.Sprintf("ps -p %d > /dev/null 2>&1 && echo running || echo stopped", pid)
	out, _, _, err := c.Exec(ctx, cmd, 15*time.Second)
	if err != nil {
		return false, err
	}
	return trimmed(out) == "running", nil
}

// KillPID terminates pid, escalating TERM to KILL. Success means the pid is
// no longer observable.
func (c *Client) KillPID(ctx domain.Context, pid int) error {
	_, _, _, err := c.Exec(ctx, fmt.Sprintf("kill -TERM %d 2>/dev/null || true", pid), 15*time.Second)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		alive, err := c.IsAlivePID(ctx, pid)
		if err != nil {
			return err
		}
		if !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=sshx.KillPID: %w: %v", domain.ErrTransport, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}

	if _, _, _, err := c.Exec(ctx, fmt.Sprintf("kill -KILL %d 2>/dev/null || true", pid), 15*time.Second); err != nil {
		return err
	}
	alive, err := c.IsAlivePID(ctx, pid)
	if err != nil {
		return err
	}
	if alive {
		return fmt.Errorf("op=sshx.KillPID: %w: pid %d survived SIGKILL", domain.ErrTransport, pid)
	}
	return nil
}
