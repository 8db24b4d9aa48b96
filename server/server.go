// Package server multiplexes sensor telemetry and dashboard requests
// onto the packet protocol. Dashboard clients connect over TCP or unix socket,
// each request packet gets zero or more response packets.
// Server holds no device state, slave manager is the source of truth.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/wemosbridge/bridge/hardware/slave"
	"github.com/wemosbridge/bridge/helpers"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/protocol"
	"github.com/wemosbridge/bridge/tele"
)

// Manager is the part of slave.Manager used by server.
type Manager interface {
	Snapshot() []slave.Device
	DeviceByID(id uint8) (slave.Device, bool)
	Command(context.Context, protocol.Packet) (protocol.Packet, error)
}

var _ Manager = &slave.Manager{}

type Server struct {
	alive *alive.Alive
	conns struct {
		sync.RWMutex
		m map[*Conn]struct{}
	}
	listens struct {
		sync.RWMutex
		m map[string]net.Listener
	}
	log  *log2.Log
	mgr  Manager
	tele tele.Teler
	stat SessionStat

	CommandTimeout time.Duration
}

type Options struct {
	Log     *log2.Log
	Manager Manager
	Tele    tele.Teler // nil means tele.Noop
}

type ListenOptions struct {
	URL            string // tcp://host:port or unix:///path
	NetworkTimeout time.Duration
	ReadLimit      int
	Broadcast      bool
}

const DefaultCommandTimeout = 5 * time.Second

func NewServer(opt Options) *Server {
	s := &Server{
		alive:          alive.NewAlive(),
		log:            opt.Log,
		mgr:            opt.Manager,
		tele:           opt.Tele,
		CommandTimeout: DefaultCommandTimeout,
	}
	if s.tele == nil {
		s.tele = tele.Noop{}
	}
	s.conns.m = make(map[*Conn]struct{})
	s.listens.m = make(map[string]net.Listener)
	return s
}

func (s *Server) Addrs() []string {
	s.listens.RLock()
	defer s.listens.RUnlock()
	addrs := make([]string, 0, len(s.listens.m))
	for _, l := range s.listens.m {
		addrs = append(addrs, helpers.AddrString(l.Addr()))
	}
	return addrs
}

func (s *Server) Listen(ctx context.Context, opts []ListenOptions) error {
	s.listens.Lock()
	defer s.listens.Unlock()

	if !s.alive.Add(len(opts)) {
		return errors.Errorf("Listen after Close")
	}
	errs := make([]error, 0)
	for _, opt := range opts {
		if opt.NetworkTimeout == 0 {
			opt.NetworkTimeout = DefaultNetworkTimeout
		}
		s.log.Debugf("listen url=%s timeout=%v", opt.URL, opt.NetworkTimeout)
		if err := s.listen(opt); err != nil {
			s.alive.Done()
			errs = append(errs, errors.Annotatef(err, "listen %s", opt.URL))
		}
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) Stat() *SessionStat { return &s.stat }

// SetManager is for construction order, manager needs server as event sink.
// Must be called before Listen.
func (s *Server) SetManager(m Manager) { s.mgr = m }

// Close stops listeners and connections, waits for handlers.
func (s *Server) Close() error {
	s.alive.Stop()
	helpers.WithLock(&s.listens, func() {
		for _, ll := range s.listens.m {
			_ = ll.Close()
		}
	})
	helpers.WithLock(s.conns.RLocker(), func() {
		for c := range s.conns.m {
			_ = c.Close()
		}
	})
	s.alive.Wait()
	return nil
}

func (s *Server) listen(opt ListenOptions) error {
	network, address, err := helpers.ParseURI(opt.URL)
	if err != nil {
		return errors.Annotate(err, "parse url")
	}
	ll, err := net.Listen(network, address)
	if err != nil {
		return errors.Annotatef(err, "net.Listen network=%s address=%s", network, address)
	}
	s.listens.m[opt.URL] = ll
	go s.acceptLoop(ll, opt)
	return nil
}

func (s *Server) acceptLoop(ll net.Listener, opt ListenOptions) {
	defer s.alive.Done() // one alive subtask for each listener
	for {
		conn, err := ll.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			err = errors.Annotatef(err, "accept listen=%s", helpers.AddrString(ll.Addr()))
			s.log.Error(err)
			s.alive.Stop()
			return
		}

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = conn.Close()
			return
		}
		go s.processConn(NewConn(conn, ConnOptions{
			Log:            s.log,
			NetworkTimeout: opt.NetworkTimeout,
			ReadLimit:      opt.ReadLimit,
			Broadcast:      opt.Broadcast,
		}))
	}
}

func (s *Server) processConn(conn *Conn) {
	defer s.alive.Done()
	helpers.WithLock(&s.conns, func() { s.conns.m[conn] = struct{}{} })
	if !s.alive.IsRunning() {
		_ = conn.Close()
	}
	s.log.Debugf("accept conn=%s", conn.String())

	// receive loop
	for s.alive.IsRunning() {
		p, err := conn.Receive()
		if err != nil {
			if conn.Closed() {
				break
			}
			// malformed but framed packet is dropped
			s.log.Debugf("conn=%s drop err=%v", conn.String(), err)
			continue
		}
		s.processPacket(conn, p)
	}

	// mandatory cleanup on connection closed
	_ = conn.Close()
	helpers.WithLock(&s.conns, func() { delete(s.conns.m, conn) })
	s.stat.AddMoveFrom(conn.Stat())
}

func (s *Server) processPacket(conn *Conn, p protocol.Packet) {
	ctx, cancel := context.WithTimeout(context.Background(), s.CommandTimeout)
	defer cancel()
	rs, err := s.Handle(ctx, p)
	if err != nil {
		s.log.Errorf("conn=%s p=%s err=%v", conn.String(), p.String(), err)
	}
	for _, r := range rs {
		if err := conn.Send(ctx, r); err != nil {
			s.log.Debugf("conn=%s send err=%v", conn.String(), err)
			return
		}
	}
}

func (s *Server) broadcast(p protocol.Packet) {
	s.conns.RLock()
	defer s.conns.RUnlock()
	for c := range s.conns.m {
		c.Broadcast(p)
	}
}
