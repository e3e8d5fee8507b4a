// Package sshx implements the resilient two-hop command channel to a compute
// node: an authenticated hop to the bastion, then a tunneled hop to the node
// itself. Each worker owns exactly one client; the client owns keepalives and
// reconnection, callers own retry policy for non-idempotent commands.
package sshx

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// Config carries everything needed to reach one node.
type Config struct {
	Node        int
	NodeAddress string

	BastionAddress   string
	BastionUser      string
	BastionSecondary string
	BastionKeyPath   string
	AllowDirect      bool

	RemoteUser     string
	RemotePassword string

	Timeout           time.Duration
	KeepAliveInterval time.Duration
	RetryAttempts     int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 60 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	return c
}

// Client is the two-hop SSH channel to one node.
type Client struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	bastion *ssh.Client
	node    *ssh.Client
	stopKA  chan struct{}
}

// New builds a disconnected client; call Connect before use.
func New(cfg Config, log *slog.Logger) *Client {
	return &Client{
		cfg: cfg.withDefaults(),
		log: log.With(slog.Int("node", cfg.Node)),
	}
}

// Connect establishes both hops, retrying with a constant backoff. The
// secondary bastion is attempted when the primary fails, and a direct
// connection last when permitted.
func (c *Client) Connect(ctx domain.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx domain.Context) error {
	c.closeLocked()

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(2*time.Second), uint64(c.cfg.RetryAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := c.dialOnce(); err != nil {
			c.log.Warn("connect attempt failed",
				slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("op=sshx.Connect node=%d: %w: %v", c.cfg.Node, domain.ErrTransport, err)
	}

	c.stopKA = make(chan struct{})
	go c.keepAlive(c.stopKA)
	c.log.Info("transport connected")
	return nil
}

func (c *Client) dialOnce() error {
	bastions := []string{c.cfg.BastionAddress}
	if c.cfg.BastionSecondary != "" {
		bastions = append(bastions, c.cfg.BastionSecondary)
	}

	var lastErr error
	for _, addr := range bastions {
		if addr == "" {
			continue
		}
		bastion, err := c.dialBastion(addr)
		if err != nil {
			lastErr = err
			continue
		}
		node, err := c.dialNodeVia(bastion)
		if err != nil {
			_ = bastion.Close()
			lastErr = err
			continue
		}
		c.bastion = bastion
		c.node = node
		return nil
	}

	if c.cfg.AllowDirect {
		node, err := c.dialNodeDirect()
		if err == nil {
			c.bastion = nil
			c.node = node
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no bastion address configured")
	}
	return lastErr
}

func (c *Client) dialBastion(addr string) (*ssh.Client, error) {
	auth, err := c.bastionAuth()
	if err != nil {
		return nil, err
	}
	conf := &ssh.ClientConfig{
		User: c.cfg.BastionUser,
		Auth: auth,
		// Nodes live on a closed network behind the bastion; host keys
		// rotate with container restarts.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.Timeout,
	}
	client, err := ssh.Dial("tcp", addr, conf)
	if err != nil {
		return nil, fmt.Errorf("dial bastion %s: %w", addr, err)
	}
	return client, nil
}

func (c *Client) bastionAuth() ([]ssh.AuthMethod, error) {
	keyPath := c.cfg.BastionKeyPath
	if keyPath == "" {
		home, _ := os.UserHomeDir()
		keyPath = home + "/.ssh/id_rsa"
	}
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read bastion key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse bastion key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func (c *Client) dialNodeVia(bastion *ssh.Client) (*ssh.Client, error) {
	tunnel, err := bastion.Dial("tcp", c.cfg.NodeAddress)
	if err != nil {
		return nil, fmt.Errorf("tunnel to node %s: %w", c.cfg.NodeAddress, err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(tunnel, c.cfg.NodeAddress, c.nodeConfig())
	if err != nil {
		_ = tunnel.Close()
		return nil, fmt.Errorf("handshake with node %s: %w", c.cfg.NodeAddress, err)
	}
	return ssh.NewClient(conn, chans, reqs), nil
}

func (c *Client) dialNodeDirect() (*ssh.Client, error) {
	conn, err := net.DialTimeout("tcp", c.cfg.NodeAddress, c.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("direct dial node %s: %w", c.cfg.NodeAddress, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.cfg.NodeAddress, c.nodeConfig())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("direct handshake with node %s: %w", c.cfg.NodeAddress, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (c *Client) nodeConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            c.cfg.RemoteUser,
		Auth:            []ssh.AuthMethod{ssh.Password(c.cfg.RemotePassword)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.Timeout,
	}
}

func (c *Client) keepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			node, bastion := c.node, c.bastion
			c.mu.Unlock()
			if node != nil {
				if _, _, err := node.SendRequest("keepalive@openssh.com", true, nil); err != nil {
					c.log.Warn("node keepalive failed", slog.String("error", err.Error()))
				}
			}
			if bastion != nil {
				if _, _, err := bastion.SendRequest("keepalive@openssh.com", true, nil); err != nil {
					c.log.Warn("bastion keepalive failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// Close tears down both hops and the keepalive loop.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.stopKA != nil {
		close(c.stopKA)
		c.stopKA = nil
	}
	if c.node != nil {
		_ = c.node.Close()
		c.node = nil
	}
	if c.bastion != nil {
		_ = c.bastion.Close()
		c.bastion = nil
	}
}

// Alive reports whether the node channel answers a lightweight echo. No
// reconnection happens here; callers decide when to re-establish.
func (c *Client) Alive(ctx domain.Context) bool {
	sess, err := c.openSession(false)
	if err != nil {
		return false
	}
	out, _, _, err := runSession(ctx, sess, "echo alive", 5*time.Second)
	return err == nil && trimmed(out) == "alive"
}
