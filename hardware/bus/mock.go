package bus

// Public API to easy create bus stubs to test your code.

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/juju/errors"
)

// MockR is one expected transaction.
// Empty Request matches any request. Err is returned instead of Response.
type MockR struct {
	Addr     uint8
	Request  string
	Response string
	Err      error
}

type MockHandler func(addr uint8, request []byte) ([]byte, error)

// Mock driver plays expectations in order.
// When script is empty, Handler is called, default Handler fails test.
type Mock struct {
	t       testing.TB
	mu      sync.Mutex
	script  []MockR
	Handler MockHandler
	Calls   int
}

var _ Driver = &Mock{}

func NewMock(t testing.TB) *Mock {
	return &Mock{t: t}
}

func (m *Mock) Expect(rs []MockR) {
	m.mu.Lock()
	m.script = append(m.script, rs...)
	m.mu.Unlock()
}

func (m *Mock) Tx(ctx context.Context, addr uint8, request []byte) ([]byte, error) {
	m.mu.Lock()
	m.Calls++
	if len(m.script) == 0 {
		h := m.Handler
		m.mu.Unlock()
		if h == nil {
			m.t.Errorf("bus mock unexpected addr=%02x request=%x", addr, request)
			return nil, NewError(KindNoAck, addr, errors.Errorf("mock script empty"))
		}
		return h(addr, request)
	}
	r := m.script[0]
	m.script = m.script[1:]
	m.mu.Unlock()

	if r.Addr != addr {
		m.t.Errorf("bus mock addr=%02x expected=%02x request=%x", addr, r.Addr, request)
	}
	if r.Request != "" {
		if actual := hex.EncodeToString(request); actual != r.Request {
			m.t.Errorf("bus mock addr=%02x request=%s expected=%s", addr, actual, r.Request)
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	b, err := hex.DecodeString(r.Response)
	if err != nil {
		m.t.Errorf("bus mock invalid response=%s err=%v", r.Response, err)
		return nil, errors.Trace(err)
	}
	return b, nil
}

// ExpectDone fails test if some expectations were not used.
func (m *Mock) ExpectDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) != 0 {
		m.t.Errorf("bus mock unused expectations: %v", m.script)
	}
}

// Close checks expectations.
func (m *Mock) Close() error {
	m.ExpectDone()
	return nil
}

// NoAckHandler simulates empty addresses.
func NoAckHandler(addr uint8, request []byte) ([]byte, error) {
	return nil, NewError(KindNoAck, addr, nil)
}
