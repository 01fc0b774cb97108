package gdbrsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/go-kit/log"

	"kernsym/internal/remote"
)

// fakeStub is the emulator side of a net.Pipe, scripted per test.
type fakeStub struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func pipeClient(t *testing.T) (*Client, *fakeStub) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	c := &Client{addr: "pipe", logger: log.NewNopLogger(), conn: a, br: bufio.NewReader(a)}
	return c, &fakeStub{t: t, conn: b, br: bufio.NewReader(b)}
}

func (s *fakeStub) readFrame() string {
	for {
		b, err := s.br.ReadByte()
		if err != nil {
			s.t.Errorf("stub read: %v", err)
			return ""
		}
		if b == '$' {
			break
		}
	}
	var payload []byte
	for {
		b, err := s.br.ReadByte()
		if err != nil {
			s.t.Errorf("stub read payload: %v", err)
			return ""
		}
		if b == '#' {
			break
		}
		payload = append(payload, b)
	}
	var sum [2]byte
	if _, err := io.ReadFull(s.br, sum[:]); err != nil {
		s.t.Errorf("stub read checksum: %v", err)
	}
	return string(payload)
}

func (s *fakeStub) ack() { s.conn.Write([]byte{'+'}) }
func (s *fakeStub) nak() { s.conn.Write([]byte{'-'}) }

func (s *fakeStub) reply(payload string) {
	fmt.Fprintf(s.conn, "$%s#%02x", payload, checksum(payload))
	b, err := s.br.ReadByte()
	if err != nil {
		s.t.Errorf("stub read client ack: %v", err)
		return
	}
	if b != '+' {
		s.t.Errorf("client ack = %q, want +", b)
	}
}

// handle serves one scripted round-trip.
func (s *fakeStub) handle(want, reply string) {
	if got := s.readFrame(); got != want {
		s.t.Errorf("request = %q, want %q", got, want)
	}
	s.ack()
	s.reply(reply)
}

func TestChecksum(t *testing.T) {
	if got := checksum("OK"); got != 0x9a {
		t.Errorf("checksum(OK) = 0x%02x, want 0x9a", got)
	}
	if got := checksum(""); got != 0 {
		t.Errorf("checksum(empty) = 0x%02x, want 0", got)
	}
}

func TestReadMemory(t *testing.T) {
	c, s := pipeClient(t)
	go s.handle("m140000000,4", "deadbeef")

	buf, err := c.ReadMemory(context.Background(), 0x140000000, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if len(buf) != 4 || buf[0] != want[0] || buf[3] != want[3] {
		t.Errorf("buf = %x, want %x", buf, want)
	}
}

func TestReadMemoryErrorReply(t *testing.T) {
	c, s := pipeClient(t)
	go s.handle("m10000,8", "E14")

	_, err := c.ReadMemory(context.Background(), 0x10000, 8)
	if !errors.Is(err, remote.ErrInaccessible) {
		t.Fatalf("err = %v, want ErrInaccessible", err)
	}
}

func TestEvaluateRegister(t *testing.T) {
	c, s := pipeClient(t)
	// rip = 0x140001000, little-endian register image.
	go s.handle("p10", "0010004001000000")

	v, err := c.Evaluate(context.Background(), "$pc")
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x140001000 {
		t.Errorf("pc = 0x%x, want 0x140001000", v)
	}
}

func TestEvaluateLiteral(t *testing.T) {
	c, _ := pipeClient(t)
	v, err := c.Evaluate(context.Background(), "0x141000000")
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x141000000 {
		t.Errorf("v = 0x%x", v)
	}
}

func TestEvaluateSymbolUnsupported(t *testing.T) {
	c, _ := pipeClient(t)
	_, err := c.Evaluate(context.Background(), "&__jit_debug_descriptor")
	if !errors.Is(err, remote.ErrEval) {
		t.Fatalf("err = %v, want ErrEval", err)
	}
}

func TestWatchpoints(t *testing.T) {
	c, s := pipeClient(t)
	go func() {
		s.handle("Z2,10000,8", "OK")
		s.handle("z2,10000,8", "OK")
	}()

	if err := c.SetWatch(context.Background(), 0x10000, 8); err != nil {
		t.Fatal(err)
	}
	if err := c.ClearWatch(context.Background(), 0x10000, 8); err != nil {
		t.Fatal(err)
	}
}

func TestWatchpointRejected(t *testing.T) {
	c, s := pipeClient(t)
	go s.handle("Z2,10000,8", "E01")

	if err := c.SetWatch(context.Background(), 0x10000, 8); err == nil {
		t.Fatal("expected error from rejected watchpoint")
	}
}

func TestContinueWatchStop(t *testing.T) {
	c, s := pipeClient(t)
	go s.handle("c", "T05watch:0000000000010000;thread:01;")

	stop, err := c.Continue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stop.Exited {
		t.Error("watch stop reported as exit")
	}
	if stop.Signal != 5 {
		t.Errorf("signal = %d, want 5", stop.Signal)
	}
	if stop.WatchAddr != 0x10000 {
		t.Errorf("watch addr = 0x%x, want 0x10000", stop.WatchAddr)
	}
}

func TestInterrupt(t *testing.T) {
	c, s := pipeClient(t)
	go func() {
		b, err := s.br.ReadByte()
		if err != nil || b != 0x03 {
			s.t.Errorf("interrupt byte = %q, %v", b, err)
			return
		}
		s.reply("S05")
	}()

	if err := c.Interrupt(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSendRetransmitsOnceOnNak(t *testing.T) {
	c, s := pipeClient(t)
	go func() {
		s.readFrame()
		s.nak()
		s.readFrame() // retransmission
		s.ack()
		s.reply("OK")
	}()

	reply, err := c.transact(context.Background(), "Z2,10000,8")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "OK" {
		t.Errorf("reply = %q", reply)
	}
}

func TestSendGivesUpAfterTwoNaks(t *testing.T) {
	c, s := pipeClient(t)
	go func() {
		s.readFrame()
		s.nak()
		s.readFrame()
		s.nak()
	}()

	if err := c.send(context.Background(), "m0,1"); err == nil {
		t.Fatal("expected error after repeated nak")
	}
}

func TestRecvEscapedPayload(t *testing.T) {
	c, s := pipeClient(t)
	// Wire payload "a}]b" decodes to "a}b"; the checksum covers the wire
	// bytes, escape included.
	wire := "a}]b"
	go func() {
		fmt.Fprintf(s.conn, "$%s#%02x", wire, checksum(wire))
		b, _ := s.br.ReadByte()
		if b != '+' {
			s.t.Errorf("client ack = %q", b)
		}
	}()

	got, err := c.recv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "a}b" {
		t.Errorf("payload = %q, want a}b", got)
	}
}

func TestRecvChecksumMismatch(t *testing.T) {
	c, s := pipeClient(t)
	go func() {
		fmt.Fprint(s.conn, "$OK#00")
		b, _ := s.br.ReadByte()
		if b != '-' {
			s.t.Errorf("client sent %q, want - on bad checksum", b)
		}
	}()

	if _, err := c.recv(context.Background()); err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestParseStopReply(t *testing.T) {
	cases := []struct {
		reply string
		want  remote.Stop
		bad   bool
	}{
		{reply: "S05", want: remote.Stop{Signal: 5}},
		{reply: "T05watch:140010000;thread:01;", want: remote.Stop{Signal: 5, WatchAddr: 0x140010000}},
		{reply: "T05rwatch:ff;", want: remote.Stop{Signal: 5, WatchAddr: 0xff}},
		{reply: "T05thread:01;", want: remote.Stop{Signal: 5}},
		{reply: "W00", want: remote.Stop{Exited: true}},
		{reply: "W2a;process:1", want: remote.Stop{Exited: true, ExitCode: 0x2a}},
		{reply: "X09", want: remote.Stop{Exited: true, Signal: 9}},
		{reply: "", bad: true},
		{reply: "T0", bad: true},
		{reply: "Qfoo", bad: true},
	}
	for _, c := range cases {
		got, err := parseStopReply(c.reply)
		if c.bad {
			if err == nil {
				t.Errorf("parseStopReply(%q): expected error", c.reply)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseStopReply(%q): %v", c.reply, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseStopReply(%q) = %+v, want %+v", c.reply, got, c.want)
		}
	}
}
