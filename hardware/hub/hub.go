// Package hub speaks to a remote I2C hub over a stream connection.
// The hub owns the physical bus and relays transactions:
//
//	request  : addr uint8, packet
//	response : status uint8, packet (only with StatusOK)
package hub

import (
	"github.com/juju/errors"
	"github.com/wemosbridge/bridge/hardware/bus"
)

type Status uint8

const (
	StatusOK Status = iota
	StatusNoAck
	StatusBusy
	StatusTimeout
	StatusMalformed
)

// statusOf maps driver error to status byte for the wire.
func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case bus.IsNoAck(err):
		return StatusNoAck
	case bus.IsTimeout(err):
		return StatusTimeout
	case errors.IsNotValid(err):
		return StatusMalformed
	}
	return StatusBusy
}

// errorOf is reverse of statusOf on client side.
func errorOf(st Status, addr uint8) error {
	switch st {
	case StatusOK:
		return nil
	case StatusNoAck:
		return bus.NewError(bus.KindNoAck, addr, errors.New("hub"))
	case StatusBusy:
		return bus.NewError(bus.KindBusy, addr, errors.New("hub"))
	case StatusTimeout:
		return bus.NewError(bus.KindTimeout, addr, errors.New("hub"))
	case StatusMalformed:
		return errors.NotValidf("hub addr=%02x response", addr)
	}
	return errors.NotValidf("hub addr=%02x status=%d", addr, st)
}
