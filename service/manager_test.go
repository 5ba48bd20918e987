package service

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/go-test/deep"

	"badc0de.net/pkg/go-otserv/connection"
	tnet "badc0de.net/pkg/go-otserv/net"
	"badc0de.net/pkg/go-otserv/ttesting"
)

// echoProtocol answers the first frame with its remaining bytes.
type echoProtocol struct {
	*connection.ProtocolBase
}

func (p *echoProtocol) Name() string { return "echo" }
func (p *echoProtocol) OnConnect()   {}
func (p *echoProtocol) OnRecvFirstMessage(msg *tnet.Message) {
	c, ok := p.Connection()
	if !ok {
		return
	}
	out := tnet.NewOutputMessage()
	out.AddBytes(msg.GetBytes(msg.Remaining()))
	c.Send(out)
	c.CloseAfterFlush()
}
func (p *echoProtocol) OnRecvMessage(msg *tnet.Message) {}

type echoService struct {
	id         byte
	sendsFirst bool
	plain      bool
}

func (s *echoService) ProtocolName() string     { return "echo" }
func (s *echoService) ProtocolIdentifier() byte { return s.id }
func (s *echoService) IsChecksummed() bool      { return !s.plain }
func (s *echoService) ServerSendsFirst() bool   { return s.sendsFirst }
func (s *echoService) MakeProtocol(c *connection.Connection) connection.Protocol {
	return &echoProtocol{ProtocolBase: connection.NewProtocolBase(c)}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestAddPortZero(t *testing.T) {
	m := NewManager(connection.NewRegistry(), Options{})
	if err := m.Add(0, &echoService{id: 1}); err == nil {
		t.Errorf("Add(0) succeeded")
	}
	ttesting.AssertEqualInt(t, "ports after Add(0)", len(m.Ports()), 0)

	if err := m.Add(7171, &echoService{id: 1}); err != nil {
		t.Fatalf("Add(7171): %v", err)
	}
	if diff := deep.Equal(m.Ports(), []int{7171}); diff != nil {
		t.Error(diff)
	}
}

func TestAddSharedPort(t *testing.T) {
	m := NewManager(connection.NewRegistry(), Options{})
	if err := m.Add(7171, &echoService{id: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(7171, &echoService{id: 1}); err == nil {
		t.Errorf("two services with the same identifier on one port")
	}
	if err := m.Add(7171, &echoService{id: 2, sendsFirst: true}); err == nil {
		t.Errorf("a server-sends-first service shared a port")
	}
	if err := m.Add(7171, &echoService{id: 2}); err != nil {
		t.Errorf("Add second service: %v", err)
	}
	p, ok := m.Port(7171)
	if !ok {
		t.Fatalf("port 7171 not registered")
	}
	ttesting.AssertEqualInt(t, "services", len(p.Services()), 2)
}

func TestRunWithoutServices(t *testing.T) {
	m := NewManager(connection.NewRegistry(), Options{})
	if err := m.Run(context.Background()); err == nil {
		t.Errorf("Run with no services succeeded")
	}
}

// runEcho starts a manager with svc on a free port, sends "ping" and
// returns the response frame after stopping the manager.
func runEcho(t *testing.T, svc *echoService) *tnet.Message {
	t.Helper()
	port := freePort(t)
	m := NewManager(connection.NewRegistry(), Options{Host: "127.0.0.1"})
	m.SetThrottle(NewThrottle())
	if err := m.Add(port, svc); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	out := tnet.NewOutputMessage()
	out.AddByte(svc.id)
	out.AddBytes([]byte("ping"))
	if err := out.AddCryptoHeader(true); err != nil {
		t.Fatalf("failed to frame: %v", err)
	}
	if _, err := conn.Write(out.OutputBuffer()); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := tnet.ReadMessage(conn)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	ttesting.AssertBool(t, "running", m.IsRunning(), true)

	m.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
	ttesting.AssertBool(t, "running after stop", m.IsRunning(), false)
	ttesting.AssertEqualInt(t, "open connections", m.Registry().Len(), 0)
	return resp
}

func TestRunAcceptsConnections(t *testing.T) {
	resp := runEcho(t, &echoService{id: 1})
	ttesting.AssertBool(t, "checksum", resp.ReadChecksum(), true)
	ttesting.AssertEqualBytes(t, "echo", resp.GetBytes(resp.Remaining()), []byte("ping"))
}

func TestRunUnchecksummedService(t *testing.T) {
	resp := runEcho(t, &echoService{id: 1, plain: true})
	ttesting.AssertEqualBytes(t, "frame body", resp.Body(), []byte("ping"))
}

func TestRunPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	m := NewManager(connection.NewRegistry(), Options{Host: "127.0.0.1"})
	if err := m.Add(port, &echoService{id: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Run(context.Background()); err == nil {
		t.Errorf("Run on a busy port succeeded")
	}
	ttesting.AssertBool(t, "running", m.IsRunning(), false)
}
