package tele

import (
	"encoding/hex"
	"encoding/json"

	"github.com/wemosbridge/bridge/hardware/slave"
	"github.com/wemosbridge/bridge/protocol"
)

// Reading is flat representation of slave.Event for publishers.
type Reading struct {
	Address  uint8    `json:"addr"`
	SensorID uint8    `json:"id"`
	Type     string   `json:"type,omitempty"`
	Kind     string   `json:"kind,omitempty"`
	Value    *float64 `json:"value,omitempty"`
	Text     string   `json:"text,omitempty"`
	Raw      string   `json:"raw,omitempty"`
	State    string   `json:"state,omitempty"`
	Error    string   `json:"error,omitempty"`
	Time     int64    `json:"time"` // unix milliseconds
}

func NewReading(e slave.Event) Reading {
	r := Reading{
		Address:  e.Address,
		SensorID: e.SensorID,
		Time:     e.At.UnixNano() / 1e6,
	}
	switch e.Kind {
	case slave.EventPacket:
		if e.Packet.Data == nil {
			break
		}
		r.Type = e.Packet.Meta().SensorType.String()
		r.Kind = e.Packet.Data.Kind().String()
		setValue(&r, e.Packet.Data)
	case slave.EventFailure:
		if e.Err != nil {
			r.Error = e.Err.Error()
		}
	case slave.EventState:
		r.State = e.State.String()
	}
	return r
}

func setValue(r *Reading, d protocol.Data) {
	v := 0.0
	switch x := d.(type) {
	case protocol.Temperature:
		v = float64(x.Value) / 10
	case protocol.CO2:
		v = float64(x.Value)
	case protocol.Humidity:
		v = float64(x.Value) / 10
	case protocol.Light:
		v = float64(x.TargetState)
	case protocol.RGBLight:
		v = float64(uint32(x.Red)<<16 | uint32(x.Green)<<8 | uint32(x.Blue))
	case protocol.Lichtkrant:
		r.Text = x.Text
		return
	case protocol.Opaque:
		r.Raw = hex.EncodeToString(x.Raw)
		return
	default:
		return
	}
	r.Value = &v
}

func (self Reading) JSON() []byte {
	b, err := json.Marshal(self)
	if err != nil {
		// all fields are plain types
		panic("code error tele.Reading json err=" + err.Error())
	}
	return b
}

// Fields for hash-like stores, only non-empty values.
func (self Reading) Fields() map[string]interface{} {
	m := map[string]interface{}{
		"addr": self.Address,
		"time": self.Time,
	}
	put := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	put("type", self.Type)
	put("kind", self.Kind)
	put("text", self.Text)
	put("raw", self.Raw)
	put("state", self.State)
	put("error", self.Error)
	if self.Value != nil {
		m["value"] = *self.Value
	}
	return m
}
