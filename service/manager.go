package service

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"
	"golang.org/x/sync/errgroup"

	"badc0de.net/pkg/go-otserv/connection"
)

// Port is one listening port and the services registered on it, in the
// order they were added.
type Port struct {
	port     int
	services []Service
	listener net.Listener
	events   trace.EventLog
}

func (p *Port) Number() int { return p.port }

// Services returns the registered services in registration order.
func (p *Port) Services() []Service {
	return append([]Service(nil), p.services...)
}

func (p *Port) names() string {
	names := make([]string, 0, len(p.services))
	for _, s := range p.services {
		names = append(names, s.ProtocolName())
	}
	return strings.Join(names, ",")
}

func (p *Port) add(svc Service) error {
	if len(p.services) > 0 && (svc.ServerSendsFirst() || p.services[0].ServerSendsFirst()) {
		return errors.Errorf("port %d: %s cannot share a port with %s", p.port, svc.ProtocolName(), p.names())
	}
	for _, s := range p.services {
		if s.ProtocolIdentifier() == svc.ProtocolIdentifier() {
			return errors.Errorf("port %d: protocol identifier %#02x already taken by %s", p.port, svc.ProtocolIdentifier(), s.ProtocolName())
		}
	}
	p.services = append(p.services, svc)
	return nil
}

type Options struct {
	// Host to listen on; empty listens on all addresses.
	Host       string
	ReusePort  bool
	Connection connection.Options
}

// Manager owns the listening ports.
type Manager struct {
	opts     Options
	registry *connection.Registry

	mu       sync.Mutex
	ports    map[int]*Port
	throttle *Throttle
	running  bool
	cancel   context.CancelFunc

	accepts sync.WaitGroup
}

func NewManager(registry *connection.Registry, opts Options) *Manager {
	return &Manager{
		opts:     opts,
		registry: registry,
		ports:    make(map[int]*Port),
	}
}

// SetThrottle installs an accept throttle; nil disables throttling.
func (m *Manager) SetThrottle(t *Throttle) {
	m.mu.Lock()
	m.throttle = t
	m.mu.Unlock()
}

func (m *Manager) Registry() *connection.Registry { return m.registry }

// Add registers svc on port. Port 0 is refused; the manager stays usable.
func (m *Manager) Add(port int, svc Service) error {
	if port <= 0 || port > 65535 {
		glog.Errorf("no port provided for service %s; service disabled", svc.ProtocolName())
		return errors.Errorf("invalid port %d for service %s", port, svc.ProtocolName())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("cannot add services to a running manager")
	}
	p, ok := m.ports[port]
	if !ok {
		p = &Port{port: port}
	}
	if err := p.add(svc); err != nil {
		return err
	}
	m.ports[port] = p
	return nil
}

// Ports returns the registered port numbers in ascending order.
func (m *Manager) Ports() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.ports))
	for port := range m.ports {
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}

// Port returns the registered port with the given number.
func (m *Manager) Port(port int) (*Port, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[port]
	return p, ok
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stop makes Run return.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run listens on every registered port and accepts connections until ctx
// is done or Stop is called. All ports are bound before the first
// connection is accepted. Open connections are closed when Run returns.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("service manager already running")
	}
	if len(m.ports) == 0 {
		m.mu.Unlock()
		return errors.New("no services registered")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	ports := make([]*Port, 0, len(m.ports))
	for _, p := range m.ports {
		ports = append(ports, p)
	}
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.running = false
		m.cancel = nil
		m.mu.Unlock()
	}()

	lc := listenConfig(m.opts.ReusePort)
	for i, p := range ports {
		addr := net.JoinHostPort(m.opts.Host, strconv.Itoa(p.port))
		l, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			for _, opened := range ports[:i] {
				opened.listener.Close()
				opened.events.Finish()
			}
			return errors.Wrapf(err, "listening on %s", addr)
		}
		p.listener = l
		p.events = trace.NewEventLog("otserv.Port", fmt.Sprintf("%d %s", p.port, p.names()))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range ports {
		p := p
		g.Go(func() error { return m.serve(gctx, p) })
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, p := range ports {
			p.listener.Close()
		}
		return nil
	})
	err := g.Wait()
	m.accepts.Wait()

	for _, p := range ports {
		p.events.Finish()
	}
	m.registry.CloseAll()
	glog.Infof("service manager stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (m *Manager) serve(ctx context.Context, p *Port) error {
	glog.Infof("waiting for %s connections on %v", p.names(), p.listener.Addr())
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.Wrapf(err, "port %d", p.port)
			}
			glog.Warningf("failed to accept connection on port %d: %v", p.port, err)
			p.events.Errorf("accept: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		m.accepts.Add(1)
		go m.accept(p, conn)
	}
}

// checksumDisabler is implemented by protocols embedding
// connection.ProtocolBase.
type checksumDisabler interface {
	DisableChecksum()
}

func (m *Manager) accept(p *Port, conn net.Conn) {
	defer m.accepts.Done()

	m.mu.Lock()
	throttle := m.throttle
	m.mu.Unlock()

	c := connection.New(conn, m.registry, m.opts.Connection)
	if throttle != nil && !throttle.Allow(c.RemoteIP()) {
		glog.V(2).Infof("throttled connection from %s", conn.RemoteAddr())
		p.events.Printf("throttled %s", conn.RemoteAddr())
		c.Close()
		return
	}

	// Only the first service of a port is used.
	svc := p.services[0]
	proto := svc.MakeProtocol(c)
	if !svc.IsChecksummed() {
		if cs, ok := proto.(checksumDisabler); ok {
			cs.DisableChecksum()
		}
	}
	if err := c.Start(proto); err != nil {
		glog.Errorf("starting %s connection from %s: %v", svc.ProtocolName(), conn.RemoteAddr(), err)
		c.Close()
		return
	}
	glog.V(2).Infof("accepted %s connection %d from %s", svc.ProtocolName(), c.ID(), conn.RemoteAddr())
	p.events.Printf("accepted %s connection %d from %s", svc.ProtocolName(), c.ID(), conn.RemoteAddr())
}
