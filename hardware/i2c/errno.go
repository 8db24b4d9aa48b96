package i2c

import (
	stderrors "errors"
	"time"

	"github.com/juju/errors"
	"github.com/wemosbridge/bridge/hardware/bus"
	"golang.org/x/sys/unix"
)

const tenMillis = 10 * time.Millisecond

var timeUntil = time.Until

// classify maps kernel i2c adapter errors to bus error kinds.
// Unknown errors are returned annotated.
func classify(addr uint8, err error) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if !stderrors.As(err, &errno) {
		return errors.Annotatef(err, "i2c addr=%02x", addr)
	}
	switch errno {
	case unix.ENXIO, unix.EREMOTEIO, unix.ENODEV:
		return bus.NewError(bus.KindNoAck, addr, errno)
	case unix.ETIMEDOUT:
		return bus.NewError(bus.KindTimeout, addr, errno)
	case unix.EAGAIN, unix.EBUSY:
		return bus.NewError(bus.KindBusy, addr, errno)
	}
	return errors.Annotatef(errno, "i2c addr=%02x", addr)
}
