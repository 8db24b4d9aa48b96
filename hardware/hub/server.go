package hub

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/wemosbridge/bridge/hardware/bus"
	"github.com/wemosbridge/bridge/helpers"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/protocol"
)

// Server exports local bus to hub clients.
// Responses padded by fixed size reads are trimmed to packet length.
type Server struct {
	alive  *alive.Alive
	driver bus.Driver
	ll     net.Listener
	log    *log2.Log
}

func NewServer(d bus.Driver, log *log2.Log) *Server {
	return &Server{
		alive:  alive.NewAlive(),
		driver: d,
		log:    log,
	}
}

func (s *Server) Listen(url string) error {
	network, address, err := helpers.ParseURI(url)
	if err != nil {
		return err
	}
	ll, err := net.Listen(network, address)
	if err != nil {
		return errors.Annotatef(err, "net.Listen network=%s address=%s", network, address)
	}
	if !s.alive.Add(1) {
		ll.Close()
		return errors.Errorf("Listen after Close")
	}
	s.ll = ll
	go s.acceptLoop(ll)
	return nil
}

func (s *Server) Addr() string { return helpers.AddrString(s.ll.Addr()) }

func (s *Server) Close() error {
	s.alive.Stop()
	if s.ll != nil {
		_ = s.ll.Close()
	}
	s.alive.Wait()
	return nil
}

func (s *Server) acceptLoop(ll net.Listener) {
	defer s.alive.Done()
	for {
		conn, err := ll.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "hub accept listen=%s", helpers.AddrString(ll.Addr())))
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go s.processConn(conn)
	}
}

func (s *Server) processConn(conn net.Conn) {
	defer s.alive.Done()
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.alive.StopChan():
			_ = conn.SetDeadline(time.Now())
		case <-done:
		}
	}()
	remote := helpers.AddrString(conn.RemoteAddr())
	rd := protocol.NewReader(conn, 0)
	for s.alive.IsRunning() {
		addr, err := rd.ReadByte()
		if err == nil {
			var request []byte
			if request, err = rd.Read(); err == nil {
				err = s.reply(conn, addr, request)
			}
		}
		if err != nil {
			if errors.Cause(err) != io.EOF {
				s.log.Debugf("hub client=%s err=%v", remote, err)
			}
			return
		}
	}
}

func (s *Server) reply(w io.Writer, addr uint8, request []byte) error {
	response, err := s.driver.Tx(context.Background(), addr, request)
	var frame []byte
	if err == nil {
		frame, _, err = protocol.Split(response)
		if frame == nil && err == nil {
			err = errors.NotValidf("response=%x truncated", response)
		}
	}
	st := statusOf(err)
	if err != nil {
		s.log.Debugf("hub addr=%02x status=%d err=%v", addr, st, err)
		frame = nil
	}
	out := make([]byte, 0, 1+len(frame))
	out = append(out, byte(st))
	out = append(out, frame...)
	return helpers.WriteAll(w, out)
}
