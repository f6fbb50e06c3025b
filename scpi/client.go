// Package scpi speaks newline-framed SCPI over the raw TCP socket that
// bench instruments expose, typically on port 5555.
package scpi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

const DefaultPort = 5555

type Config struct {
	Addr    string        // host:port of the instrument
	Timeout time.Duration // per-exchange deadline (default: 5s)
	MinGap  time.Duration // minimum spacing between commands; 0 disables pacing
}

// Client is a line-oriented SCPI session. It is not safe for concurrent
// use; the bench runner issues commands from a single goroutine.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	logger logging.Logger

	timeout time.Duration
	minGap  time.Duration
	nextAt  time.Time
}

func Dial(ctx context.Context, cfg Config, logger logging.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("instrument address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Addr, err)
	}

	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		logger:  logger,
		timeout: timeout,
		minGap:  cfg.MinGap,
	}
	c.drainBanner()
	return c, nil
}

// drainBanner discards the welcome line some instrument sockets print on
// connect. Runs once before the bufio reader sees the connection.
func (c *Client) drainBanner() {
	c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 4096)
	if n, _ := c.conn.Read(buf); n > 0 {
		c.logger.Debugf("discarded %d banner bytes", n)
	}
	c.conn.SetReadDeadline(time.Time{})
}

// pace holds the caller until the configured inter-command gap has passed.
// Some scopes drop or garble commands that arrive back to back.
func (c *Client) pace(ctx context.Context) error {
	if c.minGap <= 0 {
		return nil
	}
	if wait := time.Until(c.nextAt); wait > 0 {
		if !goutils.SelectContextOrWait(ctx, wait) {
			return ctx.Err()
		}
	}
	c.nextAt = time.Now().Add(c.minGap)
	return nil
}

// Send writes one SCPI command. No reply is expected.
func (c *Client) Send(ctx context.Context, cmd string) error {
	if err := c.pace(ctx); err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("sending %q: %w", cmd, err)
	}
	c.logger.Debugf("scpi > %s", cmd)
	return nil
}

// Query writes one SCPI command and returns the single-line reply with
// surrounding whitespace stripped.
func (c *Client) Query(ctx context.Context, cmd string) (string, error) {
	if err := c.Send(ctx, cmd); err != nil {
		return "", err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", fmt.Errorf("setting read deadline: %w", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading reply to %q: %w", cmd, err)
	}
	reply := strings.TrimSpace(line)
	c.logger.Debugf("scpi < %s", reply)
	return reply, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
