// Package i2c provides bus drivers for Linux i2c-dev and periph.io.
// Thanks to
// https://github.com/kidoman/embd and https://bitbucket.org/gmcbay/i2c
package i2c

import (
	"context"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/juju/errors"
	"github.com/wemosbridge/bridge/hardware/bus"
	"golang.org/x/sys/unix"
)

const (
	// as defined in /usr/include/linux/i2c-dev.h
	I2C_TIMEOUT = 0x0702 /* set timeout in units of 10 ms */
	I2C_RDWR    = 0x0707 /* Combined R/W transfer (one STOP only) */

	// i2c_msg flags
	// as defined in /usr/include/linux/i2c.h
	I2C_M_RD = 0x0001 /* read data, from slave to master */
)

const DefaultResponseSize = 32

type i2c_msg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

type i2c_rdwr_ioctl_data struct {
	msgs uintptr
	nmsg uint32
}

// Dev talks to /dev/i2c-N with combined write+read transfer.
// Response is read with fixed size, devices pad after packet.
type Dev struct {
	Path         string
	ResponseSize int

	file *os.File
	lk   sync.Mutex
}

var _ bus.Driver = &Dev{}

// NewDev accepts bus number or full device path.
func NewDev(device string, responseSize int) *Dev {
	path := device
	if len(device) > 0 && device[0] != '/' {
		path = fmt.Sprintf("/dev/i2c-%s", device)
	}
	if responseSize <= 0 {
		responseSize = DefaultResponseSize
	}
	return &Dev{Path: path, ResponseSize: responseSize}
}

func (d *Dev) Open() error {
	d.lk.Lock()
	defer d.lk.Unlock()
	return d.open()
}

func (d *Dev) open() error {
	if d.file != nil {
		return nil
	}
	f, err := os.OpenFile(d.Path, os.O_RDWR, 0)
	if err != nil {
		return errors.Annotatef(err, "i2c open %s", d.Path)
	}
	d.file = f
	return nil
}

func (d *Dev) Tx(ctx context.Context, addr uint8, request []byte) ([]byte, error) {
	d.lk.Lock()
	defer d.lk.Unlock()

	if err := d.open(); err != nil {
		return nil, err
	}
	if len(request) == 0 {
		return nil, errors.NotValidf("i2c addr=%02x empty request", addr)
	}
	if dl, ok := ctx.Deadline(); ok {
		// kernel adapter timeout, 10ms units, best effort
		if tenms := int(timeUntil(dl) / tenMillis); tenms > 0 {
			_ = unix.IoctlSetInt(int(d.file.Fd()), I2C_TIMEOUT, tenms)
		}
	}

	response := make([]byte, d.ResponseSize)
	msgs := [2]i2c_msg{
		{addr: uint16(addr), flags: 0, len: uint16(len(request)), buf: uintptr(unsafe.Pointer(&request[0]))},
		{addr: uint16(addr), flags: I2C_M_RD, len: uint16(len(response)), buf: uintptr(unsafe.Pointer(&response[0]))},
	}
	rdwr := i2c_rdwr_ioctl_data{
		msgs: uintptr(unsafe.Pointer(&msgs[0])),
		nmsg: uint32(len(msgs)),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL,
		d.file.Fd(), uintptr(I2C_RDWR), uintptr(unsafe.Pointer(&rdwr)))
	if errno != 0 {
		return nil, classify(addr, errno)
	}
	return response, nil
}

func (d *Dev) Close() error {
	d.lk.Lock()
	defer d.lk.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
