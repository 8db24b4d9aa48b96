// Package protocol implements the bridge wire packet:
// fixed header, sensor metadata and one payload variant selected by discriminants.
//
//	Header   : length uint16 (whole packet incl. header), ptype uint8
//	Metadata : sensor_id uint8, sensor_type uint8
//	Payload  : per variant, see Data
//
// Multi-byte fields are little-endian.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
	"github.com/wemosbridge/bridge/helpers"
)

const (
	HeaderSize      = 3
	MetadataSize    = 2
	PacketMinLength = HeaderSize + MetadataSize
	PacketMaxLength = 1024

	// SensorIDAll in DASHBOARD_GET asks for every known device.
	SensorIDAll uint8 = 0xff
)

var ByteOrder = binary.LittleEndian

type Header struct {
	Length uint16
	PType  PType
}

type Packet struct {
	Header Header
	Data   Data
}

// NewPacket sets Header.Length from data size.
func NewPacket(pt PType, d Data) Packet {
	p := Packet{Header: Header{PType: pt}, Data: d}
	p.Header.Length = uint16(p.Size())
	return p
}

func NewHeartbeat(id uint8, st SensorType) Packet {
	return NewPacket(PTypeHeartbeat, Heartbeat{Metadata{SensorID: id, SensorType: st}})
}

func NewGet(id uint8) Packet {
	return NewPacket(PTypeDashboardGet, Generic{Metadata{SensorID: id}})
}

// Size is encoded length of the packet.
func (self Packet) Size() int {
	if self.Data == nil {
		return HeaderSize
	}
	return PacketMinLength + self.Data.payloadSize()
}

func (self Packet) Meta() Metadata {
	if self.Data == nil {
		return Metadata{}
	}
	return self.Data.Meta()
}

func (self Packet) String() string {
	if self.Data == nil {
		return fmt.Sprintf("%s len=%d data=nil", self.Header.PType.String(), self.Header.Length)
	}
	return fmt.Sprintf("%s len=%d %s", self.Header.PType.String(), self.Header.Length, self.Data.String())
}

func (self Packet) MarshalBinary() ([]byte, error) { return Encode(self) }

func (self *Packet) UnmarshalBinary(b []byte) error {
	p, err := Decode(b)
	if err != nil && !IsUnknownVariant(err) {
		return err
	}
	*self = p
	return err
}

// Encode checks that data variant matches discriminants.
// Header.Length=0 means auto, other value must equal encoded size.
func Encode(p Packet) ([]byte, error) {
	if !p.Header.PType.Valid() {
		return nil, errors.NotValidf("encode ptype=%d", uint8(p.Header.PType))
	}
	if p.Data == nil {
		return nil, errors.NotValidf("encode %s data=nil", p.Header.PType.String())
	}
	meta := p.Data.Meta()
	expect, _ := KindOf(p.Header.PType, meta.SensorType)
	if actual := p.Data.Kind(); actual != expect {
		return nil, errors.NotValidf("encode %s sensor=%s variant=%s expected=%s",
			p.Header.PType.String(), meta.SensorType.String(), actual.String(), expect.String())
	}
	size := p.Size()
	if size > PacketMaxLength {
		return nil, errors.NotValidf("encode size=%d > max=%d", size, PacketMaxLength)
	}
	if p.Header.Length != 0 && int(p.Header.Length) != size {
		return nil, errors.NotValidf("encode header length=%d actual=%d", p.Header.Length, size)
	}

	b := make([]byte, size)
	ByteOrder.PutUint16(b[0:], uint16(size))
	b[2] = byte(p.Header.PType)
	b[3] = meta.SensorID
	b[4] = byte(meta.SensorType)
	p.Data.putPayload(b[PacketMinLength:])
	return b, nil
}

func MustEncode(p Packet) []byte {
	b, err := Encode(p)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode never reads past b.
// Unknown sensor type returns packet with Opaque data and error, check IsUnknownVariant.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, errors.NotValidf("packet=%x length=%d < header=%d", b, len(b), HeaderSize)
	}
	if len(b) > PacketMaxLength {
		return Packet{}, errors.NotValidf("packet length=%d > max=%d", len(b), PacketMaxLength)
	}
	h := Header{Length: ByteOrder.Uint16(b[0:]), PType: PType(b[2])}
	if int(h.Length) != len(b) {
		return Packet{}, errors.NotValidf("packet=%x claims length=%d input=%d", b, h.Length, len(b))
	}
	if !h.PType.Valid() {
		return Packet{}, errors.NotValidf("packet=%x ptype=%d", b, b[2])
	}
	if len(b) < PacketMinLength {
		return Packet{}, errors.NotValidf("packet=%x metadata", b)
	}
	meta := Metadata{SensorID: b[3], SensorType: SensorType(b[4])}
	payload := b[PacketMinLength:]
	p := Packet{Header: h}

	kind, known := KindOf(h.PType, meta.SensorType)
	if !known {
		o := Opaque{Metadata: meta}
		if len(payload) > 0 {
			o.Raw = append([]byte(nil), payload...)
		}
		p.Data = o
		return p, errors.NotSupportedf("packet=%x sensor type=%d", b, byte(meta.SensorType))
	}

	var d Data
	switch kind {
	case KindGeneric:
		d = Generic{meta}
	case KindHeartbeat:
		d = Heartbeat{meta}
	case KindTemperature:
		if len(payload) == 2 {
			d = Temperature{meta, int16(ByteOrder.Uint16(payload))}
		}
	case KindCO2:
		if len(payload) == 2 {
			d = CO2{meta, ByteOrder.Uint16(payload)}
		}
	case KindHumidity:
		if len(payload) == 2 {
			d = Humidity{meta, ByteOrder.Uint16(payload)}
		}
	case KindLight:
		if len(payload) == 1 {
			d = Light{meta, payload[0]}
		}
	case KindRGBLight:
		if len(payload) == 3 {
			d = RGBLight{meta, payload[0], payload[1], payload[2]}
		}
	case KindLichtkrant:
		d = Lichtkrant{meta, string(payload)}
	}
	if d == nil || d.payloadSize() != len(payload) {
		return Packet{}, errors.NotValidf("packet=%x %s payload length=%d", b, kind.String(), len(payload))
	}
	p.Data = d
	return p, nil
}

// IsMalformed reports length/discriminant inconsistency, packet must be dropped.
func IsMalformed(err error) bool { return errors.IsNotValid(err) }

// IsUnknownVariant reports sensor type unknown to decoder, packet data is Opaque.
func IsUnknownVariant(err error) bool { return errors.IsNotSupported(err) }

// Format hex bytes for logs.
func Format(b []byte) string { return helpers.HexSpaced(b) }
