package slave

import (
	"time"

	"github.com/wemosbridge/bridge/protocol"
)

// DeviceConfig is one entry of static device table.
type DeviceConfig struct {
	Address    uint8
	SensorID   uint8
	SensorType protocol.SensorType
}

// Device is a copy of table entry, safe to keep.
type Device struct {
	Address    uint8
	SensorID   uint8
	SensorType protocol.SensorType
	State      State
	LastSeen   time.Time
	Failures   int
	Last       protocol.Packet // DATA or reply, Last.Data=nil until first one
	LastError  error
}

func (d Device) Meta() protocol.Metadata {
	return protocol.Metadata{SensorID: d.SensorID, SensorType: d.SensorType}
}

// Response is DASHBOARD_RESPONSE with cached payload.
// Device without data yet gives generic NOOP with its sensor id.
func (d Device) Response() protocol.Packet {
	if d.Last.Data != nil {
		if kind, _ := protocol.KindOf(protocol.PTypeDashboardResponse, d.SensorType); kind == d.Last.Data.Kind() {
			return protocol.NewPacket(protocol.PTypeDashboardResponse, d.Last.Data)
		}
	}
	return protocol.NewPacket(protocol.PTypeDashboardResponse,
		protocol.Generic{Metadata: protocol.Metadata{SensorID: d.SensorID}})
}

type device struct {
	addr     uint8
	id       uint8
	stype    protocol.SensorType
	state    State
	seen     time.Time
	failures int
	last     protocol.Packet
	lastErr  error
}

func (d *device) copy() Device {
	return Device{
		Address:    d.addr,
		SensorID:   d.id,
		SensorType: d.stype,
		State:      d.state,
		LastSeen:   d.seen,
		Failures:   d.failures,
		Last:       d.last,
		LastError:  d.lastErr,
	}
}

// success resets failures. Returns previous state.
func (d *device) success(p protocol.Packet) State {
	prev := d.state
	d.failures = 0
	d.lastErr = nil
	d.seen = time.Now()
	if p.Header.PType != protocol.PTypeHeartbeat {
		d.last = p
	}
	if prev == StateUnknown {
		d.state = StateDiscovered
	} else {
		d.state = StateHealthy
	}
	return prev
}

// failure counts consecutive errors, threshold reached means offline.
func (d *device) failure(err error, threshold int) State {
	prev := d.state
	d.failures++
	d.lastErr = err
	switch {
	case d.failures >= threshold:
		d.state = StateOffline
	case prev == StateUnknown:
	default:
		d.state = StateDegraded
	}
	return prev
}
