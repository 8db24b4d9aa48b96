// Package bus serializes addressed transactions to slave devices.
// Only one transaction is in flight at any time, see Client.
package bus

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/protocol"
)

const DefaultTimeout = 200 * time.Millisecond

// Driver performs one write-then-read exchange with device at addr.
// Implementations need not be safe for concurrent use, Client calls Tx sequentially.
type Driver interface {
	Tx(ctx context.Context, addr uint8, request []byte) ([]byte, error)
}

type result struct {
	b   []byte
	err error
}

type tx struct {
	ctx     context.Context
	addr    uint8
	request []byte
	done    chan result
}

// Client funnels all transactions through one worker goroutine.
// Each transaction is bounded by timeout. Result of a timed out transaction
// is discarded but next transaction waits until driver returns.
// No retries.
type Client struct {
	alive   *alive.Alive
	driver  Driver
	log     *log2.Log
	q       chan *tx
	timeout time.Duration
}

var _ Driver = &Client{}

func NewClient(d Driver, timeout time.Duration, log *log2.Log) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		alive:   alive.NewAlive(),
		driver:  d,
		log:     log,
		q:       make(chan *tx),
		timeout: timeout,
	}
	c.alive.Add(1)
	go c.worker()
	return c
}

func (c *Client) Tx(ctx context.Context, addr uint8, request []byte) ([]byte, error) {
	t := &tx{ctx: ctx, addr: addr, request: request, done: make(chan result, 1)}
	select {
	case c.q <- t:
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	case <-c.alive.StopChan():
		return nil, errors.Errorf("bus client closed")
	}
	select {
	case r := <-t.done:
		return r.b, r.err
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

func (c *Client) Close() error {
	c.alive.Stop()
	c.alive.Wait()
	return nil
}

func (c *Client) worker() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for {
		select {
		case t := <-c.q:
			c.do(t)
		case <-stopch:
			return
		}
	}
}

func (c *Client) do(t *tx) {
	if err := t.ctx.Err(); err != nil {
		t.done <- result{err: errors.Trace(err)}
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, c.timeout)
	defer cancel()
	rch := make(chan result, 1)
	go func() {
		b, err := c.driver.Tx(ctx, t.addr, t.request)
		rch <- result{b, err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	var r result
	select {
	case r = <-rch:
		if r.err != nil && errors.Cause(r.err) == context.DeadlineExceeded {
			r = result{err: NewError(KindTimeout, t.addr, r.err)}
		}
	case <-timer.C:
		t.done <- result{err: NewError(KindTimeout, t.addr, errors.Timeoutf("tx %s", c.timeout))}
		c.log.Debugf("bus addr=%02x timeout, wait driver", t.addr)
		<-rch
		return
	}
	if c.log.Enabled(log2.LDebug) {
		c.log.Debugf("bus addr=%02x > %s < %s err=%v",
			t.addr, protocol.Format(t.request), protocol.Format(r.b), r.err)
	}
	t.done <- r
}
