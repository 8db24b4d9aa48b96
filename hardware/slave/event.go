package slave

import (
	"fmt"
	"time"

	"github.com/wemosbridge/bridge/protocol"
)

type EventKind uint8

const (
	EventPacket  EventKind = iota + 1 // decoded DATA/HEARTBEAT or command reply
	EventFailure                      // failed exchange, Err is set
	EventState                        // Prev -> State transition
)

type Event struct {
	Kind     EventKind
	Address  uint8
	SensorID uint8
	Packet   protocol.Packet
	Prev     State
	State    State
	Err      error
	At       time.Time
}

func (e Event) String() string {
	switch e.Kind {
	case EventPacket:
		return fmt.Sprintf("addr=%02x packet %s", e.Address, e.Packet.String())
	case EventFailure:
		return fmt.Sprintf("addr=%02x failure err=%v", e.Address, e.Err)
	case EventState:
		return fmt.Sprintf("addr=%02x state %s -> %s", e.Address, e.Prev.String(), e.State.String())
	}
	return fmt.Sprintf("addr=%02x event=%d", e.Address, e.Kind)
}

// Sink receives events on manager goroutine. Emit must not block
// and must not call Manager.Command.
type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type nullSink struct{}

func (nullSink) Emit(Event) {}
