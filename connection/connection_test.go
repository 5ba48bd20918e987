package connection

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"

	tnet "badc0de.net/pkg/go-otserv/net"
	"badc0de.net/pkg/go-otserv/ttesting"
)

type recorder struct {
	first  chan byte
	steady chan byte
}

func newRecorder() *recorder {
	return &recorder{first: make(chan byte, 1), steady: make(chan byte, 1)}
}

func (r *recorder) OnConnect()                                  {}
func (r *recorder) OnRecvFirstMessage(msg *tnet.Message)        { r.first <- msg.GetByte() }
func (r *recorder) OnRecvMessage(msg *tnet.Message)             { r.steady <- msg.GetByte() }
func (r *recorder) OnSendMessage(msg *tnet.OutputMessage) error { return msg.AddCryptoHeader(false) }
func (r *recorder) Disconnect()                                 {}
func (r *recorder) IP() uint32                                  { return 0 }
func (r *recorder) Name() string                                { return "recorder" }

func frame(t *testing.T, checksum bool, body ...byte) []byte {
	out := tnet.NewOutputMessage()
	out.AddBytes(body)
	if err := out.AddCryptoHeader(checksum); err != nil {
		t.Fatalf("failed to frame: %v", err)
	}
	return append([]byte(nil), out.OutputBuffer()...)
}

func waitByte(t *testing.T, name string, ch <-chan byte) byte {
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", name)
	}
	return 0
}

func TestDispatchFirstThenSteady(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	reg := NewRegistry()
	c := New(server, reg, Options{})
	defer c.Close()
	r := newRecorder()
	if err := c.Start(r); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	first, second := frame(t, true, 0x01, 0xAA), frame(t, false, 0xBB)
	go func() {
		client.Write(first)
		client.Write(second)
	}()

	ttesting.AssertEqualInt(t, "first message skips protocol id", int(waitByte(t, "first message", r.first)), 0xAA)
	ttesting.AssertEqualInt(t, "steady message", int(waitByte(t, "second message", r.steady)), 0xBB)
}

func TestStartTwice(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := New(server, NewRegistry(), Options{})
	defer c.Close()
	if err := c.Start(newRecorder()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := c.Start(newRecorder()); !errors.Is(err, tnet.ErrProtocolViolation) {
		t.Errorf("got %v; want ErrProtocolViolation", err)
	}
}

func TestSendBlocksWhenQueueFull(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := New(server, NewRegistry(), Options{})
	defer c.Close()

	for i := 0; i < SendQueueSize; i++ {
		msg := tnet.NewOutputMessage()
		msg.AddByte(byte(i))
		if err := c.Send(msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		msg := tnet.NewOutputMessage()
		msg.AddByte(0xFF)
		done <- c.Send(msg)
	}()

	select {
	case err := <-done:
		t.Fatalf("send on a full queue returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	go c.writeLoop()
	go io.Copy(io.Discard, client)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("blocked send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("send still blocked after the write loop drained the queue")
	}
}

func TestTrySendFullQueueLeavesMessageReusable(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := New(server, NewRegistry(), Options{})
	defer c.Close()
	c.protocol.Store(&protocolBox{newRecorder()})

	for i := 0; i < SendQueueSize; i++ {
		queued := tnet.NewOutputMessage()
		queued.AddByte(byte(i))
		if ok, err := c.TrySend(queued); !ok || err != nil {
			t.Fatalf("TrySend %d = %v, %v; want true, nil", i, ok, err)
		}
	}

	msg := tnet.NewOutputMessage()
	msg.AddBytes([]byte("hi"))
	ok, err := c.TrySend(msg)
	if ok || err != nil {
		t.Fatalf("TrySend on a full queue = %v, %v; want false, nil", ok, err)
	}
	ttesting.AssertEqualBytes(t, "refused message", msg.OutputBuffer(), []byte("hi"))

	for i := 0; i < SendQueueSize; i++ {
		<-c.out
	}

	ok, err = c.TrySend(msg)
	if !ok || err != nil {
		t.Fatalf("TrySend after drain = %v, %v; want true, nil", ok, err)
	}
	queued := <-c.out
	ttesting.AssertEqualBytes(t, "queued frame", queued.OutputBuffer(), []byte{2, 0, 'h', 'i'})
	ttesting.AssertEqualBytes(t, "sent message", msg.OutputBuffer(), []byte("hi"))
}

func TestTrySendAfterClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := New(server, NewRegistry(), Options{})
	c.Close()

	if ok, err := c.TrySend(tnet.NewOutputMessage()); ok || !errors.Is(err, tnet.ErrChannelClosed) {
		t.Errorf("got %v, %v; want false, ErrChannelClosed", ok, err)
	}
}

func TestSendAfterClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	reg := NewRegistry()
	c := New(server, reg, Options{})
	c.Close()

	if err := c.Send(tnet.NewOutputMessage()); !errors.Is(err, tnet.ErrChannelClosed) {
		t.Errorf("got %v; want ErrChannelClosed", err)
	}
	ttesting.AssertEqualInt(t, "registry size", reg.Len(), 0)
}

func TestCloseAfterFlush(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	reg := NewRegistry()
	c := New(server, reg, Options{})
	if err := c.Start(newRecorder()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	msg := tnet.NewOutputMessage()
	msg.AddBytes([]byte("bye"))
	if err := c.Send(msg); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	c.CloseAfterFlush()

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	ttesting.AssertEqualBytes(t, "wire", got, []byte{3, 0, 'b', 'y', 'e'})

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection not closed after flush")
	}
	ttesting.AssertEqualInt(t, "registry size", reg.Len(), 0)
}

func TestProtocolBaseLiveness(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := New(server, NewRegistry(), Options{})
	b := NewProtocolBase(c)
	if got, ok := b.Connection(); !ok || got != c {
		t.Fatalf("live connection not found")
	}
	b.Disconnect()
	if _, ok := b.Connection(); ok {
		t.Errorf("connection still resolvable after disconnect")
	}
	ttesting.AssertBool(t, "closed", c.Closed(), true)
}

func TestProtocolBaseXTEA(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := New(server, NewRegistry(), Options{})
	defer c.Close()
	b := NewProtocolBase(c)
	if err := b.SetXTEAKey(tnet.XTEAKey{0xA, 0xB, 0xC, 0xD}); err != nil {
		t.Fatalf("failed to set key: %v", err)
	}
	b.EnableXTEA()

	out := tnet.NewOutputMessage()
	out.AddBytes([]byte("hello"))
	if err := b.OnSendMessage(out); err != nil {
		t.Fatalf("failed to frame: %v", err)
	}
	wire := out.OutputBuffer()
	ttesting.AssertEqualInt(t, "wire length", len(wire), tnet.HeaderLength+tnet.ChecksumLength+8)
	if bytes.Contains(wire, []byte("hello")) {
		t.Errorf("plaintext visible on the wire: % x", wire)
	}

	in, err := tnet.ReadMessage(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("failed to read back: %v", err)
	}
	ttesting.AssertBool(t, "checksum", in.ReadChecksum(), true)
	if err := b.DecryptMessage(in); err != nil {
		t.Fatalf("failed to decrypt: %v", err)
	}
	ttesting.AssertEqualInt(t, "remaining", in.Remaining(), 5)
	ttesting.AssertEqualBytes(t, "body", in.GetBytes(5), []byte("hello"))
}

func TestProtocolBasePlain(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := New(server, NewRegistry(), Options{})
	defer c.Close()
	b := NewProtocolBase(c)
	b.DisableChecksum()

	out := tnet.NewOutputMessage()
	out.AddByte(0x1F)
	if err := b.OnSendMessage(out); err != nil {
		t.Fatalf("failed to frame: %v", err)
	}
	ttesting.AssertEqualBytes(t, "wire", out.OutputBuffer(), []byte{1, 0, 0x1F})
}
