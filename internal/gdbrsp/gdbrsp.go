// Package gdbrsp implements the slice of the GDB remote serial protocol
// this tool needs against an emulator's debug stub: memory reads,
// register reads, hardware write watchpoints and execution control. It
// satisfies the remote capability interfaces; nothing above cmd depends
// on it concretely.
package gdbrsp

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"kernsym/internal/remote"
)

// x86-64 stub register numbers for the expressions Evaluate accepts.
const (
	regRSP = 7
	regRIP = 16
)

// Client is a single-connection RSP client. Requests are strictly
// sequential; the session model issues one round-trip at a time.
type Client struct {
	addr   string
	logger log.Logger
	conn   net.Conn
	br     *bufio.Reader
}

// Dial connects to a debug stub, e.g. QEMU's gdbserver on localhost:1234.
func Dial(addr string, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Client{addr: addr, logger: logger}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("gdbrsp: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	return nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ReadMemory implements remote.Channel.
func (c *Client) ReadMemory(ctx context.Context, addr uint64, n int) ([]byte, error) {
	reply, err := c.transact(ctx, fmt.Sprintf("m%x,%x", addr, n))
	if err != nil {
		return nil, err
	}
	if isError(reply) || reply == "" {
		return nil, fmt.Errorf("%w: 0x%x+%d (stub: %q)", remote.ErrInaccessible, addr, n, reply)
	}
	buf, err := hex.DecodeString(reply)
	if err != nil {
		return nil, fmt.Errorf("gdbrsp: bad memory reply at 0x%x: %w", addr, err)
	}
	return buf, nil
}

// Evaluate implements remote.Channel. The stub has no expression
// engine, so only register names and integer literals resolve here.
func (c *Client) Evaluate(ctx context.Context, expr string) (uint64, error) {
	switch strings.TrimSpace(expr) {
	case "$pc", "$rip":
		return c.readRegister(ctx, regRIP)
	case "$sp", "$rsp":
		return c.readRegister(ctx, regRSP)
	}
	if v, err := strconv.ParseUint(strings.TrimSpace(expr), 0, 64); err == nil {
		return v, nil
	}
	return 0, fmt.Errorf("%w: cannot evaluate %q over the stub", remote.ErrEval, expr)
}

func (c *Client) readRegister(ctx context.Context, reg int) (uint64, error) {
	reply, err := c.transact(ctx, fmt.Sprintf("p%x", reg))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", remote.ErrEval, err)
	}
	if isError(reply) || reply == "" {
		return 0, fmt.Errorf("%w: register %d (stub: %q)", remote.ErrEval, reg, reply)
	}
	buf, err := hex.DecodeString(reply)
	if err != nil || len(buf) == 0 || len(buf) > 8 {
		return 0, fmt.Errorf("%w: bad register reply %q", remote.ErrEval, reply)
	}
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- { // little-endian register image
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// SetWatch implements remote.Control with a hardware write watchpoint.
func (c *Client) SetWatch(ctx context.Context, addr uint64, length int) error {
	return c.expectOK(ctx, fmt.Sprintf("Z2,%x,%x", addr, length))
}

// ClearWatch implements remote.Control.
func (c *Client) ClearWatch(ctx context.Context, addr uint64, length int) error {
	return c.expectOK(ctx, fmt.Sprintf("z2,%x,%x", addr, length))
}

func (c *Client) expectOK(ctx context.Context, payload string) error {
	reply, err := c.transact(ctx, payload)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("gdbrsp: %s: stub replied %q", payload, reply)
	}
	return nil
}

// Continue resumes the target and blocks until a stop reply arrives.
func (c *Client) Continue(ctx context.Context) (remote.Stop, error) {
	if err := c.send(ctx, "c"); err != nil {
		return remote.Stop{}, err
	}
	return c.waitStop(ctx)
}

// Interrupt sends the break byte and waits for the stop acknowledgement.
func (c *Client) Interrupt(ctx context.Context) error {
	if err := c.applyDeadline(ctx); err != nil {
		return err
	}
	if _, err := c.conn.Write([]byte{0x03}); err != nil {
		return fmt.Errorf("gdbrsp: interrupt: %w", err)
	}
	_, err := c.waitStop(ctx)
	return err
}

// Reconnect implements the disconnect-and-reconnect recovery step.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	level.Debug(c.logger).Log("msg", "reconnecting", "addr", c.addr)
	_ = c.Close()
	return c.connect()
}

func (c *Client) waitStop(ctx context.Context) (remote.Stop, error) {
	reply, err := c.recv(ctx)
	if err != nil {
		return remote.Stop{}, fmt.Errorf("gdbrsp: wait for stop: %w", err)
	}
	return parseStopReply(reply)
}

// parseStopReply decodes S/T/W/X stop packets.
func parseStopReply(reply string) (remote.Stop, error) {
	if reply == "" {
		return remote.Stop{}, errors.New("gdbrsp: empty stop reply")
	}
	var stop remote.Stop
	switch reply[0] {
	case 'W':
		stop.Exited = true
		code, _ := strconv.ParseInt(firstField(reply[1:]), 16, 32)
		stop.ExitCode = int(code)
	case 'X':
		stop.Exited = true
		sig, _ := strconv.ParseInt(firstField(reply[1:]), 16, 32)
		stop.Signal = int(sig)
	case 'S':
		sig, _ := strconv.ParseInt(reply[1:], 16, 32)
		stop.Signal = int(sig)
	case 'T':
		if len(reply) < 3 {
			return stop, fmt.Errorf("gdbrsp: short stop reply %q", reply)
		}
		sig, _ := strconv.ParseInt(reply[1:3], 16, 32)
		stop.Signal = int(sig)
		for _, pair := range strings.Split(reply[3:], ";") {
			k, v, ok := strings.Cut(pair, ":")
			if !ok {
				continue
			}
			switch k {
			case "watch", "rwatch", "awatch":
				if a, err := strconv.ParseUint(v, 16, 64); err == nil {
					stop.WatchAddr = a
				}
			}
		}
	default:
		return stop, fmt.Errorf("gdbrsp: unexpected stop reply %q", reply)
	}
	return stop, nil
}

func firstField(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		return s[:i]
	}
	return s
}

func isError(reply string) bool {
	return len(reply) == 3 && reply[0] == 'E' && isHex(reply[1]) && isHex(reply[2])
}

func isHex(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'f' || b >= 'A' && b <= 'F'
}
