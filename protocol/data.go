package protocol

import (
	"encoding/hex"
	"fmt"
)

type Metadata struct {
	SensorID   uint8
	SensorType SensorType
}

func (self Metadata) Meta() Metadata { return self }

func (self Metadata) String() string {
	return fmt.Sprintf("id=%d type=%s", self.SensorID, self.SensorType.String())
}

// Data is one of the variants below, selected by KindOf(ptype, sensor type).
type Data interface {
	Meta() Metadata
	Kind() Kind
	String() string
	payloadSize() int
	putPayload(b []byte)
}

type Generic struct{ Metadata }

type Heartbeat struct{ Metadata }

// Temperature value is in tenths of degree Celsius.
type Temperature struct {
	Metadata
	Value int16
}

// CO2 value is in ppm.
type CO2 struct {
	Metadata
	Value uint16
}

// Humidity value is in tenths of percent relative humidity.
type Humidity struct {
	Metadata
	Value uint16
}

type Light struct {
	Metadata
	TargetState uint8
}

type RGBLight struct {
	Metadata
	Red   uint8
	Green uint8
	Blue  uint8
}

// Lichtkrant text bytes are in display codepage, see slave.Options.Codepage.
type Lichtkrant struct {
	Metadata
	Text string
}

// Opaque is produced by decoder for sensor types it does not know.
type Opaque struct {
	Metadata
	Raw []byte
}

var (
	_ Data = Generic{}
	_ Data = Heartbeat{}
	_ Data = Temperature{}
	_ Data = CO2{}
	_ Data = Humidity{}
	_ Data = Light{}
	_ Data = RGBLight{}
	_ Data = Lichtkrant{}
	_ Data = Opaque{}
)

func (Generic) Kind() Kind     { return KindGeneric }
func (Heartbeat) Kind() Kind   { return KindHeartbeat }
func (Temperature) Kind() Kind { return KindTemperature }
func (CO2) Kind() Kind         { return KindCO2 }
func (Humidity) Kind() Kind    { return KindHumidity }
func (Light) Kind() Kind       { return KindLight }
func (RGBLight) Kind() Kind    { return KindRGBLight }
func (Lichtkrant) Kind() Kind  { return KindLichtkrant }
func (Opaque) Kind() Kind      { return KindOpaque }

func (Generic) payloadSize() int         { return 0 }
func (Heartbeat) payloadSize() int       { return 0 }
func (Temperature) payloadSize() int     { return 2 }
func (CO2) payloadSize() int             { return 2 }
func (Humidity) payloadSize() int        { return 2 }
func (Light) payloadSize() int           { return 1 }
func (RGBLight) payloadSize() int        { return 3 }
func (self Lichtkrant) payloadSize() int { return len(self.Text) }
func (self Opaque) payloadSize() int     { return len(self.Raw) }

func (Generic) putPayload([]byte)   {}
func (Heartbeat) putPayload([]byte) {}
func (self Temperature) putPayload(b []byte) {
	ByteOrder.PutUint16(b, uint16(self.Value))
}
func (self CO2) putPayload(b []byte)      { ByteOrder.PutUint16(b, self.Value) }
func (self Humidity) putPayload(b []byte) { ByteOrder.PutUint16(b, self.Value) }
func (self Light) putPayload(b []byte)    { b[0] = self.TargetState }
func (self RGBLight) putPayload(b []byte) {
	b[0], b[1], b[2] = self.Red, self.Green, self.Blue
}
func (self Lichtkrant) putPayload(b []byte) { copy(b, self.Text) }
func (self Opaque) putPayload(b []byte)     { copy(b, self.Raw) }

func (self Generic) String() string   { return "generic " + self.Metadata.String() }
func (self Heartbeat) String() string { return "heartbeat " + self.Metadata.String() }
func (self Temperature) String() string {
	return fmt.Sprintf("%s value=%s", self.Metadata.String(), tenths(int(self.Value)))
}
func (self CO2) String() string {
	return fmt.Sprintf("%s value=%dppm", self.Metadata.String(), self.Value)
}
func (self Humidity) String() string {
	return fmt.Sprintf("%s value=%s%%", self.Metadata.String(), tenths(int(self.Value)))
}
func (self Light) String() string {
	return fmt.Sprintf("%s target=%d", self.Metadata.String(), self.TargetState)
}
func (self RGBLight) String() string {
	return fmt.Sprintf("%s rgb=%02x%02x%02x", self.Metadata.String(), self.Red, self.Green, self.Blue)
}
func (self Lichtkrant) String() string {
	return fmt.Sprintf("%s text=%q", self.Metadata.String(), self.Text)
}
func (self Opaque) String() string {
	return fmt.Sprintf("opaque %s raw=%s", self.Metadata.String(), hex.EncodeToString(self.Raw))
}

func tenths(v int) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%d", sign, v/10, v%10)
}
