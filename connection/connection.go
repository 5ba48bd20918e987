// Package connection runs one TCP client: a read loop feeding a Protocol
// and a write loop draining a bounded outbound queue.
package connection

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
	"golang.org/x/net/trace"

	tnet "badc0de.net/pkg/go-otserv/net"
)

// SendQueueSize is the capacity of the outbound queue. Send blocks while
// it is full.
const SendQueueSize = 128

type Options struct {
	// ReadTimeout bounds the wait for each incoming frame. Zero disables it.
	ReadTimeout time.Duration
	// WriteTimeout bounds each socket write. Zero disables it.
	WriteTimeout time.Duration
	// MaxPacketsPerSecond closes connections sending more frames than
	// this in any one second window. Zero disables the check.
	MaxPacketsPerSecond int
}

var DefaultOptions = Options{
	ReadTimeout:         30 * time.Second,
	WriteTimeout:        30 * time.Second,
	MaxPacketsPerSecond: 25,
}

type protocolBox struct {
	p Protocol
}

// Connection is a single accepted socket.
type Connection struct {
	id       ID
	conn     net.Conn
	registry *Registry
	opts     Options
	ip       uint32

	out      chan *tnet.OutputMessage
	protocol atomic.Pointer[protocolBox]

	// mu is held while one frame is routed to the protocol.
	mu            sync.Mutex
	receivedFirst bool

	closeOnce sync.Once
	closed    syncx.DoneChan
	flushOnce sync.Once

	trMu sync.Mutex
	tr   trace.Trace
}

// New registers a connection for conn. Nothing is read or written until
// Start binds a protocol.
func New(conn net.Conn, registry *Registry, opts Options) *Connection {
	c := &Connection{
		conn:     conn,
		registry: registry,
		opts:     opts,
		ip:       addrToIP(conn.RemoteAddr()),
		out:      make(chan *tnet.OutputMessage, SendQueueSize),
		closed:   syncx.NewDoneChan(),
	}
	c.id = registry.add(c)
	return c
}

func addrToIP(addr net.Addr) uint32 {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0
	}
	ip4 := tcp.IP.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

// Start binds p, calls its OnConnect and starts both loops. A connection
// can only be started once.
func (c *Connection) Start(p Protocol) error {
	if p == nil {
		return errors.New("nil protocol")
	}
	if !c.protocol.CompareAndSwap(nil, &protocolBox{p}) {
		return errors.Wrap(tnet.ErrProtocolViolation, "protocol already bound")
	}

	c.trMu.Lock()
	c.tr = trace.New("otserv.Connection", p.Name()+" "+c.conn.RemoteAddr().String())
	c.trMu.Unlock()

	glog.V(2).Infof("connection %d from %s bound to %s", c.id, c.conn.RemoteAddr(), p.Name())
	p.OnConnect()

	go c.writeLoop()
	go c.readLoop()
	return nil
}

func (c *Connection) ID() ID { return c.id }

// Protocol returns the bound protocol, or nil before Start.
func (c *Connection) Protocol() Protocol {
	b := c.protocol.Load()
	if b == nil {
		return nil
	}
	return b.p
}

func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// RemoteIP returns the remote IPv4 address in network byte order, or 0 for
// anything that is not IPv4 over TCP.
func (c *Connection) RemoteIP() uint32 { return c.ip }

// Done is signaled once the connection is closed.
func (c *Connection) Done() syncx.DoneChanR { return c.closed.R() }

func (c *Connection) Closed() bool { return c.closed.R().Done() }

func (c *Connection) tracef(format string, args ...interface{}) {
	c.trMu.Lock()
	if c.tr != nil {
		c.tr.LazyPrintf(format, args...)
	}
	c.trMu.Unlock()
}

func (c *Connection) traceError(format string, args ...interface{}) {
	c.trMu.Lock()
	if c.tr != nil {
		c.tr.LazyPrintf(format, args...)
		c.tr.SetError()
	}
	c.trMu.Unlock()
}

func (c *Connection) readLoop() {
	defer c.Close()

	var (
		windowStart time.Time
		packets     int
	)
	for {
		if c.opts.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		msg, err := tnet.ReadMessage(c.conn)
		if err != nil {
			if c.Closed() {
				return
			}
			if err == io.EOF {
				glog.V(2).Infof("connection %d: peer closed", c.id)
				c.tracef("eof")
			} else {
				glog.Warningf("connection %d: %v", c.id, err)
				c.traceError("read: %v", err)
			}
			return
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			packets = 0
		}
		packets++
		if c.opts.MaxPacketsPerSecond > 0 && packets > c.opts.MaxPacketsPerSecond {
			glog.Warningf("connection %d from %s: more than %d packets per second", c.id, c.conn.RemoteAddr(), c.opts.MaxPacketsPerSecond)
			c.traceError("packet rate exceeded")
			return
		}

		if !c.dispatch(msg) {
			return
		}
	}
}

// dispatch routes msg to the protocol and reports whether reading should go on.
func (c *Connection) dispatch(msg *tnet.Message) bool {
	p := c.Protocol()
	if p == nil {
		return false
	}

	checksummed := msg.ReadChecksum()
	c.tracef("recv %d bytes (checksum %v)", msg.Length(), checksummed)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed() {
		return false
	}
	if !c.receivedFirst {
		c.receivedFirst = true
		// protocol identifier
		msg.GetByte()
		p.OnRecvFirstMessage(msg)
	} else {
		p.OnRecvMessage(msg)
	}
	return true
}

// Do runs f with the routing lock held, so f never overlaps the delivery
// of an incoming frame. It reports false without running f once the
// connection is closed.
func (c *Connection) Do(f func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed() {
		return false
	}
	f()
	return true
}

func (c *Connection) writeLoop() {
	defer c.Close()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.out:
			if msg == nil {
				glog.V(2).Infof("connection %d: flushed, closing", c.id)
				c.tracef("close after flush")
				return
			}
			if err := c.write(msg); err != nil {
				if !c.Closed() {
					glog.Warningf("connection %d: %v", c.id, err)
					c.traceError("write: %v", err)
				}
				return
			}
		}
	}
}

func (c *Connection) write(msg *tnet.OutputMessage) error {
	if c.opts.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	buf := msg.OutputBuffer()
	n, err := c.conn.Write(buf)
	if err != nil {
		return errors.Wrapf(tnet.ErrChannelClosed, "write: %v", err)
	}
	glog.V(3).Infof("connection %d: written %d bytes", c.id, n)
	c.tracef("sent %d bytes", n)
	return nil
}

// Send finishes framing msg through the protocol and queues it. It blocks
// while the queue is full, and fails with ErrChannelClosed once the
// connection is closed.
func (c *Connection) Send(msg *tnet.OutputMessage) error {
	if msg == nil {
		return errors.New("nil message")
	}
	if p := c.Protocol(); p != nil {
		if err := p.OnSendMessage(msg); err != nil {
			return err
		}
	}
	return c.enqueue(msg)
}

// TrySend is Send without blocking; it reports false if the queue is full.
// A framed copy is queued and msg itself is left untouched, so a refused
// message can be sent again later.
func (c *Connection) TrySend(msg *tnet.OutputMessage) (bool, error) {
	if msg == nil {
		return false, errors.New("nil message")
	}
	if c.Closed() {
		return false, tnet.ErrChannelClosed
	}
	if len(c.out) == cap(c.out) {
		return false, nil
	}
	framed := new(tnet.OutputMessage)
	*framed = *msg
	if p := c.Protocol(); p != nil {
		if err := p.OnSendMessage(framed); err != nil {
			return false, err
		}
	}
	select {
	case c.out <- framed:
		return true, nil
	default:
		return false, nil
	}
}

func (c *Connection) enqueue(msg *tnet.OutputMessage) error {
	if c.Closed() {
		return tnet.ErrChannelClosed
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return tnet.ErrChannelClosed
	}
}

// CloseAfterFlush closes the connection once everything queued so far has
// been written. Later sends are still accepted but never written.
func (c *Connection) CloseAfterFlush() {
	c.flushOnce.Do(func() {
		if err := c.enqueue(nil); err != nil {
			glog.V(2).Infof("connection %d: close after flush: %v", c.id, err)
		}
	})
}

// Close tears the connection down immediately. Queued messages are dropped.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.SetDone()
		if err := c.conn.Close(); err != nil {
			glog.V(2).Infof("connection %d: close: %v", c.id, err)
		}
		c.registry.remove(c.id)

		c.trMu.Lock()
		if c.tr != nil {
			c.tr.Finish()
			c.tr = nil
		}
		c.trMu.Unlock()
		glog.V(2).Infof("connection %d closed", c.id)
	})
}
