package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
	"github.com/wemosbridge/bridge/helpers"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/protocol"
)

const (
	DefaultNetworkTimeout = time.Minute
	outboxSize            = 32
)

var ErrClosing = fmt.Errorf("closing")

type ConnOptions struct {
	Log            *log2.Log
	NetworkTimeout time.Duration
	ReadLimit      int
	Broadcast      bool // send sensor telemetry to this connection
}

// Conn is one dashboard client. Reads happen on server goroutine,
// writes are serialized through outbox and writer goroutine.
type Conn struct {
	err  helpers.AtomicError
	last atomic_clock.Clock
	rd   *protocol.Reader
	net  net.Conn
	opt  ConnOptions
	out  chan protocol.Packet
	done chan struct{}
	stat SessionStat
	w    io.Writer
}

func NewConn(netConn net.Conn, opt ConnOptions) *Conn {
	c := &Conn{
		net:  netConn,
		opt:  opt,
		out:  make(chan protocol.Packet, outboxSize),
		done: make(chan struct{}),
	}
	if tcp, ok := c.net.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(false)
		_ = tcp.SetLinger(0)
	}
	const tcpOverhead = 40
	statread := helpers.NewStatReader(c.net, &c.stat.Recv.Total.Size, tcpOverhead)
	c.w = helpers.NewStatWriter(c.net, &c.stat.Send.Total.Size, tcpOverhead)
	c.rd = protocol.NewReader(statread, opt.ReadLimit)
	c.last.SetNow()
	c.stat.Conn.Set(1)
	go c.writer()
	return c
}

func (c *Conn) Close() error {
	return c.die(ErrClosing)
}

func (c *Conn) Closed() bool {
	_, ok := c.err.Load()
	return ok
}

// Receive reads one packet. Framing errors close connection.
// Decode error of well framed packet is returned with connection alive.
func (c *Conn) Receive() (protocol.Packet, error) {
	var deadline time.Time
	if c.opt.NetworkTimeout > 0 {
		deadline = time.Now().Add(c.opt.NetworkTimeout)
	}
	if err := c.net.SetReadDeadline(deadline); err != nil {
		err = errors.Annotate(err, "SetReadDeadline")
		_ = c.die(err)
		return protocol.Packet{}, err
	}
	b, err := c.rd.Read()
	if err != nil {
		err = errors.Annotate(err, "receive")
		_ = c.die(err)
		return protocol.Packet{}, err
	}
	c.last.SetNow()
	p, err := protocol.Decode(b)
	if err != nil && !protocol.IsUnknownVariant(err) {
		return protocol.Packet{}, errors.Annotatef(err, "receive %s", protocol.Format(b))
	}
	c.stat.Recv.Register(p)
	return p, nil
}

// Send queues packet, blocks while outbox is full.
func (c *Conn) Send(ctx context.Context, p protocol.Packet) error {
	select {
	case c.out <- p:
		return nil
	case <-c.done:
		err, _ := c.err.Load()
		return err
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Broadcast queues packet if there is space, never blocks.
func (c *Conn) Broadcast(p protocol.Packet) bool {
	if !c.opt.Broadcast || c.Closed() {
		return false
	}
	select {
	case c.out <- p:
		return true
	default:
		c.opt.Log.Debugf("conn=%s outbox full, drop %s", c.String(), p.String())
		return false
	}
}

func (c *Conn) RemoteAddr() net.Addr         { return c.net.RemoteAddr() }
func (c *Conn) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }
func (c *Conn) Stat() *SessionStat           { return &c.stat }
func (c *Conn) String() string               { return helpers.AddrString(c.RemoteAddr()) }

func (c *Conn) writer() {
	for {
		select {
		case p := <-c.out:
			if err := c.write(p); err != nil {
				_ = c.die(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(p protocol.Packet) error {
	b, err := protocol.Encode(p)
	if err != nil {
		// drop packet, not connection
		c.opt.Log.Errorf("conn=%s encode %s err=%v", c.String(), p.String(), err)
		return nil
	}
	c.opt.Log.Debugf("send conn=%s p=%s b=%s", c.String(), p.String(), protocol.Format(b))
	var deadline time.Time
	if c.opt.NetworkTimeout > 0 {
		deadline = time.Now().Add(c.opt.NetworkTimeout)
	}
	if err = c.net.SetWriteDeadline(deadline); err != nil {
		return errors.Annotate(err, "SetWriteDeadline")
	}
	if err = helpers.WriteAll(c.w, b); err != nil {
		return errors.Annotate(err, "send")
	}
	c.stat.Send.Register(p)
	return nil
}

func (c *Conn) die(e error) error {
	if err, found := c.err.StoreOnce(e); found {
		return err
	}
	close(c.done)
	_ = c.net.Close()

	// reformat some well known errors for easier log reading
	estr := e.Error()
	if neterr, ok := errors.Cause(e).(net.Error); ok && neterr.Timeout() {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "i/o timeout") {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") {
		estr = "closed by remote"
	} else if errors.Cause(e) == io.EOF {
		estr = "closed by remote"
	}
	c.opt.Log.Debugf("die conn=%s e=%s", c.String(), estr)
	return e
}
