package gdbrsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Packet framing: $<payload>#<2-hex checksum>, acknowledged with '+' or
// '-'. One retransmission is attempted on a negative ack; the stub side
// of a wedged channel rarely recovers from more.

func checksum(payload string) byte {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	return sum
}

// applyDeadline projects the context deadline onto the connection, so a
// blocked round-trip unwinds when the caller's budget runs out.
func (c *Client) applyDeadline(ctx context.Context) error {
	if c.conn == nil {
		return errors.New("gdbrsp: not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok {
		return c.conn.SetDeadline(d)
	}
	return c.conn.SetDeadline(time.Time{})
}

func (c *Client) send(ctx context.Context, payload string) error {
	if err := c.applyDeadline(ctx); err != nil {
		return err
	}
	frame := fmt.Sprintf("$%s#%02x", payload, checksum(payload))
	for attempt := 0; ; attempt++ {
		if _, err := c.conn.Write([]byte(frame)); err != nil {
			return fmt.Errorf("gdbrsp: send: %w", err)
		}
		ack, err := c.br.ReadByte()
		if err != nil {
			return fmt.Errorf("gdbrsp: read ack: %w", err)
		}
		switch ack {
		case '+':
			return nil
		case '-':
			if attempt >= 1 {
				return errors.New("gdbrsp: stub rejected packet twice")
			}
		default:
			// Stray byte (late notification); leave it to recv.
			if err := c.br.UnreadByte(); err != nil {
				return err
			}
			return nil
		}
	}
}

func (c *Client) recv(ctx context.Context) (string, error) {
	if err := c.applyDeadline(ctx); err != nil {
		return "", err
	}
	// Skip to the packet start, tolerating stray acks.
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			return "", fmt.Errorf("gdbrsp: recv: %w", err)
		}
		if b == '$' {
			break
		}
	}

	// The checksum covers the wire bytes, escapes included, so it is
	// accumulated while unescaping.
	var payload []byte
	var wireSum byte
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			return "", fmt.Errorf("gdbrsp: recv payload: %w", err)
		}
		if b == '#' {
			break
		}
		wireSum += b
		if b == '}' { // escape: next byte xor 0x20
			nb, err := c.br.ReadByte()
			if err != nil {
				return "", fmt.Errorf("gdbrsp: recv escape: %w", err)
			}
			wireSum += nb
			payload = append(payload, nb^0x20)
			continue
		}
		payload = append(payload, b)
	}

	var sum [2]byte
	if _, err := io.ReadFull(c.br, sum[:]); err != nil {
		return "", fmt.Errorf("gdbrsp: recv checksum: %w", err)
	}
	want := fmt.Sprintf("%02x", wireSum)
	if string(sum[:]) != want {
		_, _ = c.conn.Write([]byte{'-'})
		return "", fmt.Errorf("gdbrsp: checksum mismatch: got %s want %s", sum, want)
	}
	if _, err := c.conn.Write([]byte{'+'}); err != nil {
		return "", fmt.Errorf("gdbrsp: send ack: %w", err)
	}
	return string(payload), nil
}

// transact is one command/response round-trip.
func (c *Client) transact(ctx context.Context, payload string) (string, error) {
	if err := c.send(ctx, payload); err != nil {
		return "", err
	}
	return c.recv(ctx)
}
