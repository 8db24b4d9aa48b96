package i2c

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/wemosbridge/bridge/hardware/bus"
	pi2c "periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

type periphTxer interface {
	Tx(addr uint16, w, r []byte) error
}

// Periph driver works on any host supported by periph.io.
type Periph struct {
	Name         string
	ResponseSize int

	lk     sync.Mutex
	txer   periphTxer
	closer pi2c.BusCloser
}

var _ bus.Driver = &Periph{}

// NewPeriph name is i2creg bus name or number, empty means first available.
func NewPeriph(name string, responseSize int) *Periph {
	if responseSize <= 0 {
		responseSize = DefaultResponseSize
	}
	return &Periph{Name: name, ResponseSize: responseSize}
}

func (p *Periph) Open() error {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.open()
}

func (p *Periph) open() error {
	if p.txer != nil {
		return nil
	}
	if _, err := host.Init(); err != nil {
		return errors.Annotate(err, "periph/init")
	}
	b, err := i2creg.Open(p.Name)
	if err != nil {
		return errors.Annotatef(err, "i2creg open bus=%s", p.Name)
	}
	p.txer, p.closer = b, b
	return nil
}

func (p *Periph) Tx(ctx context.Context, addr uint8, request []byte) ([]byte, error) {
	p.lk.Lock()
	defer p.lk.Unlock()
	if err := p.open(); err != nil {
		return nil, err
	}
	response := make([]byte, p.ResponseSize)
	if err := p.txer.Tx(uint16(addr), request, response); err != nil {
		return nil, classify(addr, err)
	}
	return response, nil
}

func (p *Periph) Close() error {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.closer == nil {
		return nil
	}
	err := p.closer.Close()
	p.txer, p.closer = nil, nil
	return err
}
