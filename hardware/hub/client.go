package hub

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/wemosbridge/bridge/hardware/bus"
	"github.com/wemosbridge/bridge/helpers"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/protocol"
)

const DefaultNetworkTimeout = 5 * time.Second

// Client is bus.Driver over hub connection. Lost connection is dialed again
// on next Tx, not sooner than backoff allows.
type Client struct {
	URL            string
	NetworkTimeout time.Duration

	backoff helpers.Backoff
	dialer  net.Dialer
	log     *log2.Log
	lk      sync.Mutex
	conn    net.Conn
	rd      *protocol.Reader
}

var _ bus.Driver = &Client{}

func NewClient(url string, networkTimeout time.Duration, log *log2.Log) *Client {
	if networkTimeout <= 0 {
		networkTimeout = DefaultNetworkTimeout
	}
	return &Client{
		URL:            url,
		NetworkTimeout: networkTimeout,
		backoff: helpers.Backoff{
			Min: 100 * time.Millisecond,
			Max: 30 * time.Second,
			K:   2,
		},
		log: log,
	}
}

func (c *Client) Tx(ctx context.Context, addr uint8, request []byte) ([]byte, error) {
	c.lk.Lock()
	defer c.lk.Unlock()

	if err := c.connect(ctx); err != nil {
		return nil, bus.NewError(bus.KindBusy, addr, err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.NetworkTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, c.fail(addr, errors.Annotate(err, "SetDeadline"))
	}

	frame := make([]byte, 0, 1+len(request))
	frame = append(frame, addr)
	frame = append(frame, request...)
	if err := helpers.WriteAll(c.conn, frame); err != nil {
		return nil, c.fail(addr, errors.Annotate(err, "send"))
	}
	st, err := c.rd.ReadByte()
	if err != nil {
		return nil, c.fail(addr, errors.Annotate(err, "status"))
	}
	if err = errorOf(Status(st), addr); err != nil {
		if Status(st) > StatusMalformed {
			c.drop(err)
		}
		return nil, err
	}
	response, err := c.rd.Read()
	if err != nil {
		return nil, c.fail(addr, errors.Annotate(err, "response"))
	}
	return response, nil
}

func (c *Client) Close() error {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.rd = nil, nil
	return err
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	if d := c.backoff.DelayBefore(); d > 0 {
		return errors.Errorf("hub %s reconnect in %s", c.URL, d)
	}
	network, address, err := helpers.ParseURI(c.URL)
	if err != nil {
		return err
	}
	c.dialer.Timeout = c.NetworkTimeout
	conn, err := c.dialer.DialContext(ctx, network, address)
	if err != nil {
		c.backoff.Failure()
		c.log.Errorf("hub dial %s err=%v retry in %s", c.URL, err, c.backoff.DelayBefore())
		return errors.Annotatef(err, "hub dial %s", c.URL)
	}
	c.backoff.Reset()
	c.log.Debugf("hub connected %s", helpers.AddrString(conn.RemoteAddr()))
	c.conn = conn
	c.rd = protocol.NewReader(conn, 0)
	return nil
}

// fail drops connection, stream position is unknown after any I/O error.
func (c *Client) fail(addr uint8, err error) error {
	c.drop(err)
	if ne, ok := errors.Cause(err).(net.Error); ok && ne.Timeout() {
		return bus.NewError(bus.KindTimeout, addr, err)
	}
	if errors.IsNotValid(err) {
		return err
	}
	return bus.NewError(bus.KindBusy, addr, err)
}

func (c *Client) drop(err error) {
	if c.conn == nil {
		return
	}
	c.log.Debugf("hub drop %s err=%v", c.URL, err)
	_ = c.conn.Close()
	c.conn, c.rd = nil, nil
	c.backoff.Failure()
}
