package bus

import (
	"context"
	"fmt"

	"github.com/juju/errors"
)

type ErrorKind uint8

const (
	KindNoAck ErrorKind = iota + 1
	KindTimeout
	KindBusy
)

func (self ErrorKind) String() string {
	switch self {
	case KindNoAck:
		return "no ack"
	case KindTimeout:
		return "timeout"
	case KindBusy:
		return "bus busy"
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(self))
}

// Error is transaction failure at one address. Drivers should return it
// so that callers may tell transient bus faults apart.
type Error struct {
	Kind    ErrorKind
	Address uint8
	Err     error
}

func NewError(kind ErrorKind, addr uint8, err error) *Error {
	return &Error{Kind: kind, Address: addr, Err: err}
}

func (self *Error) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("bus addr=%02x %s: %v", self.Address, self.Kind.String(), self.Err)
	}
	return fmt.Sprintf("bus addr=%02x %s", self.Address, self.Kind.String())
}

func (self *Error) Timeout() bool { return self.Kind == KindTimeout }
func (self *Error) Unwrap() error { return self.Err }

func kindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Kind
	}
	return 0
}

func IsNoAck(err error) bool { return kindOf(err) == KindNoAck }
func IsBusy(err error) bool  { return kindOf(err) == KindBusy }
func IsTimeout(err error) bool {
	if kindOf(err) == KindTimeout {
		return true
	}
	cause := errors.Cause(err)
	return cause == context.DeadlineExceeded || errors.IsTimeout(cause)
}
