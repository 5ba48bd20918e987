// Package login implements the login protocol: it decodes a client's
// handshake, checks the credentials and answers with the character list.
package login

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-otserv/account"
	"badc0de.net/pkg/go-otserv/config"
	"badc0de.net/pkg/go-otserv/connection"
	tnet "badc0de.net/pkg/go-otserv/net"
	"badc0de.net/pkg/go-otserv/tasks"
)

// authTimeout bounds a single round trip to the account store.
const authTimeout = 10 * time.Second

// Service creates a login Protocol for each accepted connection.
type Service struct {
	cfg        *config.Config
	rsa        Decrypter
	accounts   account.Checker
	dispatcher *tasks.Dispatcher
	scheduler  *tasks.Scheduler

	now func() time.Time
}

// NewService creates the login service. dispatcher and scheduler may be
// nil; responses are then sent from the authentication goroutine and the
// handshake timeout is not enforced.
func NewService(cfg *config.Config, rsa Decrypter, accounts account.Checker, dispatcher *tasks.Dispatcher, scheduler *tasks.Scheduler) (*Service, error) {
	if cfg == nil || rsa == nil || accounts == nil {
		return nil, errors.New("login service needs a config, an rsa key and an account checker")
	}
	return &Service{
		cfg:        cfg,
		rsa:        rsa,
		accounts:   accounts,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		now:        time.Now,
	}, nil
}

func (s *Service) ProtocolName() string     { return "login" }
func (s *Service) ProtocolIdentifier() byte { return ProtocolIdentifier }
func (s *Service) IsChecksummed() bool      { return true }
func (s *Service) ServerSendsFirst() bool   { return false }

func (s *Service) MakeProtocol(c *connection.Connection) connection.Protocol {
	return &Protocol{
		ProtocolBase: connection.NewProtocolBase(c),
		svc:          s,
	}
}

// Protocol is the login protocol bound to one connection.
type Protocol struct {
	*connection.ProtocolBase
	svc *Service

	mu           sync.Mutex
	timeoutEvent uint32
}

func (p *Protocol) Name() string { return "login" }

// OnConnect arms the handshake timeout.
func (p *Protocol) OnConnect() {
	timeout := p.svc.cfg.HandshakeTimeout
	if p.svc.scheduler == nil || timeout <= 0 {
		return
	}
	id := p.svc.scheduler.AddEvent(timeout, func() {
		glog.Infof("login: connection %d sent no handshake within %v", p.ConnectionID(), timeout)
		p.Disconnect()
	})
	p.mu.Lock()
	p.timeoutEvent = id
	p.mu.Unlock()
}

func (p *Protocol) stopTimeout() {
	p.mu.Lock()
	id := p.timeoutEvent
	p.timeoutEvent = 0
	p.mu.Unlock()
	if id != 0 && p.svc.scheduler != nil {
		p.svc.scheduler.StopEvent(id)
	}
}

// OnRecvFirstMessage parses the handshake and starts checking the
// credentials. The check runs on its own goroutine so the connection is
// free while the account store answers.
func (p *Protocol) OnRecvFirstMessage(msg *tnet.Message) {
	p.stopTimeout()

	hs, err := ParseHandshake(msg, p.svc.rsa)
	if err != nil {
		glog.Warningf("login: connection %d: %v", p.ConnectionID(), err)
		f := &Failure{Reason: reasonBadPacket}
		errors.As(err, &f)
		p.disconnectClient(f.Reason, f.Version)
		return
	}

	if err := p.SetXTEAKey(hs.XTEAKey); err != nil {
		glog.Errorf("login: connection %d: %v", p.ConnectionID(), err)
		p.disconnectClient(reasonInternal, hs.Version)
		return
	}
	if p.svc.cfg.XTEAResponses {
		p.EnableXTEA()
	}

	go p.authenticate(hs)
}

// OnRecvMessage is never expected: a login connection carries a single
// request.
func (p *Protocol) OnRecvMessage(msg *tnet.Message) {
	glog.Warningf("login: connection %d: unexpected %d byte frame after the handshake", p.ConnectionID(), msg.Length())
	p.Disconnect()
}

func (p *Protocol) authenticate(hs *Handshake) {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	ok, err := p.svc.accounts.CheckAccount(ctx, hs.AccountName, hs.Password)
	if err != nil {
		err = tnet.Classify(tnet.ErrPersistence, err)
		glog.Errorf("login: checking account %q: %v", hs.AccountName, err)
		p.respond(func() { p.locked(func() { p.disconnectClient(reasonInternal, hs.Version) }) })
		return
	}
	if !ok {
		glog.Infof("login: rejected account %q from connection %d", hs.AccountName, p.ConnectionID())
		p.respond(func() { p.locked(func() { p.disconnectClient(reasonBadCredentials, hs.Version) }) })
		return
	}

	listing := &account.Listing{}
	if lister, ok := p.svc.accounts.(account.CharacterLister); ok {
		l, err := lister.Characters(ctx, hs.AccountName)
		if err != nil {
			err = tnet.Classify(tnet.ErrPersistence, err)
			glog.Errorf("login: listing characters of %q: %v", hs.AccountName, err)
			p.respond(func() { p.locked(func() { p.disconnectClient(reasonInternal, hs.Version) }) })
			return
		}
		listing = l
	}

	glog.Infof("login: account %q logged in from connection %d", hs.AccountName, p.ConnectionID())
	p.respond(func() { p.locked(func() { p.sendCharacterList(hs, listing) }) })
}

// respond runs f on the dispatcher, or right away without one.
func (p *Protocol) respond(f func()) {
	if p.svc.dispatcher != nil && p.svc.dispatcher.AddTask(f) {
		return
	}
	f()
}

// locked runs f under the connection's routing lock, if the connection is
// still there.
func (p *Protocol) locked(f func()) {
	c, ok := p.Connection()
	if !ok {
		glog.V(2).Infof("login: connection %d went away before the response", p.ConnectionID())
		return
	}
	c.Do(f)
}

func (p *Protocol) sendCharacterList(hs *Handshake, listing *account.Listing) {
	c, ok := p.Connection()
	if !ok {
		return
	}
	cfg := p.svc.cfg
	now := p.svc.now()

	out := tnet.NewOutputMessage()
	if cfg.MOTD != "" {
		if err := MOTD(out, fmt.Sprintf("%d\n%s", cfg.MOTDNumber, cfg.MOTD)); err != nil {
			glog.Errorln("error generating the motd message: ", err)
			c.Close()
			return
		}
	}
	key := fmt.Sprintf("%s\n%s\n%s\n%d", hs.AccountName, hs.Password, hs.AuthToken, now.Unix()/30)
	if err := SessionKey(out, key); err != nil {
		glog.Errorln("error generating the session key message: ", err)
		c.Close()
		return
	}

	worlds := []World{{
		ID:   0,
		Name: cfg.ServerName,
		Host: cfg.IP,
		Port: uint16(cfg.GameProtocolPort),
	}}
	chars := make([]CharacterListEntry, 0, len(listing.Characters))
	for _, name := range listing.Characters {
		chars = append(chars, CharacterListEntry{WorldID: 0, Name: name})
	}
	if err := CharacterList(out, worlds, chars); err != nil {
		glog.Errorln("error generating the character list message: ", err)
		c.Close()
		return
	}

	premium := cfg.FreePremium || listing.PremiumEndsAt.After(now)
	var premiumEnd uint32
	if !cfg.FreePremium && premium {
		premiumEnd = uint32(listing.PremiumEndsAt.Unix())
	}
	if err := Premium(out, premium, premiumEnd); err != nil {
		glog.Errorln("error generating the premium message: ", err)
		c.Close()
		return
	}

	if err := c.Send(out); err != nil {
		glog.Errorf("error sending login message response: %s", err)
		c.Close()
		return
	}
	c.CloseAfterFlush()
}

// disconnectClient sends an error with reason and closes the connection
// once it is written.
func (p *Protocol) disconnectClient(reason string, version uint16) {
	c, ok := p.Connection()
	if !ok {
		return
	}
	out := tnet.NewOutputMessage()
	if err := Error(out, version, reason); err != nil {
		glog.Errorln("error generating the login error message: ", err)
		c.Close()
		return
	}
	if err := c.Send(out); err != nil {
		glog.V(2).Infof("login: connection %d: %v", p.ConnectionID(), err)
		c.Close()
		return
	}
	c.CloseAfterFlush()
}
