package protocol

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wemosbridge/bridge/helpers"
)

type codecCase struct {
	name   string
	packet Packet
	hex    string
}

func validCases() []codecCase {
	return []codecCase{
		{"data-temperature", NewPacket(PTypeData, Temperature{Metadata{1, SensorTemperature}, 215}), "0700000102d700"},
		{"data-temperature-negative", NewPacket(PTypeData, Temperature{Metadata{1, SensorTemperature}, -5}), "0700000102fbff"},
		{"data-co2", NewPacket(PTypeData, CO2{Metadata{2, SensorCO2}, 415}), "07000002039f01"},
		{"data-humidity", NewPacket(PTypeData, Humidity{Metadata{3, SensorHumidity}, 455}), "0700000304c701"},
		{"data-button", NewPacket(PTypeData, Generic{Metadata{8, SensorButton}}), "0500000801"},
		{"data-motion", NewPacket(PTypeData, Generic{Metadata{9, SensorMotion}}), "0500000907"},
		{"heartbeat", NewHeartbeat(0x10, SensorTemperature), "0500011002"},
		{"heartbeat-master", NewHeartbeat(0, SensorNoop), "0500010000"},
		{"get", NewGet(0x10), "0500031000"},
		{"get-all", NewGet(SensorIDAll), "050003ff00"},
		{"post-light", NewPacket(PTypeDashboardPost, Light{Metadata{4, SensorLight}, 1}), "060002040601"},
		{"post-lichtkrant", NewPacket(PTypeDashboardPost, Lichtkrant{Metadata{6, SensorLichtkrant}, "hi"}), "07000206096869"},
		{"post-lichtkrant-empty", NewPacket(PTypeDashboardPost, Lichtkrant{Metadata{6, SensorLichtkrant}, ""}), "0500020609"},
		{"response-rgb", NewPacket(PTypeDashboardResponse, RGBLight{Metadata{5, SensorRGBLight}, 0xff, 0x80, 0}), "0800040508ff8000"},
		{"response-noop", NewPacket(PTypeDashboardResponse, Generic{Metadata{0x42, SensorNoop}}), "0500044200"},
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	cases := validCases()
	helpers.RandUnix().Shuffle(len(cases), func(i int, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode(c.packet)
			require.NoError(t, err)
			assert.Equal(t, c.hex, hex.EncodeToString(b))
			assert.Equal(t, int(c.packet.Header.Length), len(b))

			p, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, c.packet, p)

			var u Packet
			require.NoError(t, u.UnmarshalBinary(b))
			assert.Equal(t, c.packet, u)
			mb, err := u.MarshalBinary()
			require.NoError(t, err)
			assert.Equal(t, b, mb)
		})
	}
}

func TestLengthInvariant(t *testing.T) {
	t.Parallel()
	for _, c := range validCases() {
		c := c
		t.Run(c.name, func(t *testing.T) {
			good := helpers.MustHex(c.hex)
			for claim := 0; claim <= len(good)+8; claim++ {
				if claim == len(good) {
					continue
				}
				b := append([]byte(nil), good...)
				ByteOrder.PutUint16(b, uint16(claim))
				_, err := Decode(b)
				assert.True(t, IsMalformed(err), "claim=%d err=%v", claim, err)
			}
			// truncated and extended buffers keep original claim
			for n := 0; n < len(good); n++ {
				_, err := Decode(good[:n])
				assert.True(t, IsMalformed(err), "truncated n=%d err=%v", n, err)
			}
			_, err := Decode(append(append([]byte(nil), good...), 0))
			assert.True(t, IsMalformed(err), "extended err=%v", err)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()
	type Case struct {
		name      string
		input     string
		expectErr string
	}
	cases := []Case{
		{"empty", "", "packet= length=0 < header=3 not valid"},
		{"short", "0300", "packet=0300 length=2 < header=3 not valid"},
		{"header-only", "030001", "packet=030001 metadata not valid"},
		{"ptype-unknown", "0500050100", "packet=0500050100 ptype=5 not valid"},
		{"claims-more", "0600000100", "packet=0600000100 claims length=6 input=5 not valid"},
		{"temperature-short", "06000001020a", "packet=06000001020a temperature payload length=1 not valid"},
		{"light-long", "07000004060101", "packet=07000004060101 light payload length=2 not valid"},
		{"heartbeat-payload", "06000110020a", "packet=06000110020a heartbeat payload length=1 not valid"},
		{"get-payload", "0600031000ff", "packet=0600031000ff generic payload length=1 not valid"},
		{"rgb-short", "070004050801ff", "packet=070004050801ff rgb_light payload length=2 not valid"},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i int, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			p, err := Decode(helpers.MustHex(c.input))
			require.Error(t, err)
			assert.True(t, IsMalformed(err))
			assert.False(t, IsUnknownVariant(err))
			assert.Equal(t, c.expectErr, err.Error())
			assert.Nil(t, p.Data)
		})
	}
}

func TestDecodeUnknownSensorType(t *testing.T) {
	t.Parallel()
	b := helpers.MustHex("07000007ffabcd")
	p, err := Decode(b)
	require.Error(t, err)
	assert.True(t, IsUnknownVariant(err))
	assert.False(t, IsMalformed(err))
	require.IsType(t, Opaque{}, p.Data)
	assert.Equal(t, Opaque{Metadata{7, 0xff}, []byte{0xab, 0xcd}}, p.Data)
	assert.Equal(t, KindOpaque, p.Data.Kind())
	assert.Equal(t, PTypeData, p.Header.PType)
	assert.Equal(t, b, MustEncode(p))

	var u Packet
	err = u.UnmarshalBinary(helpers.MustHex("05000007ff"))
	assert.True(t, IsUnknownVariant(err))
	assert.Equal(t, Opaque{Metadata: Metadata{7, 0xff}}, u.Data)

	// heartbeat does not depend on sensor type
	p, err = Decode(helpers.MustHex("05000107ff"))
	require.NoError(t, err)
	assert.Equal(t, Heartbeat{Metadata{7, 0xff}}, p.Data)
}

func TestDecodeFuzz(t *testing.T) {
	t.Parallel()
	rnd := helpers.RandUnix()
	buf := make([]byte, 64)
	for i := 0; i < 20000; i++ {
		b := buf[:rnd.Intn(len(buf)+1)]
		rnd.Read(b)
		if len(b) >= 2 && rnd.Intn(2) == 0 {
			// valid length claim reaches deeper checks
			ByteOrder.PutUint16(b, uint16(len(b)))
			if len(b) >= 3 {
				b[2] = byte(rnd.Intn(int(ptypeEnd) + 1))
			}
		}
		p, err := Decode(b)
		switch {
		case err == nil || IsUnknownVariant(err):
			assert.Equal(t, b, MustEncode(p), "input=%x", b)
		default:
			assert.True(t, IsMalformed(err), "input=%x err=%v", b, err)
		}
	}
}

func TestEncodeInvalid(t *testing.T) {
	t.Parallel()
	type Case struct {
		name   string
		packet Packet
	}
	cases := []Case{
		{"data-nil", Packet{Header: Header{PType: PTypeData}}},
		{"ptype-invalid", Packet{Header: Header{PType: 7}, Data: Generic{}}},
		{"variant-mismatch", NewPacket(PTypeData, Temperature{Metadata{1, SensorCO2}, 5})},
		{"heartbeat-generic", NewPacket(PTypeHeartbeat, Generic{Metadata{1, SensorNoop}})},
		{"get-temperature", NewPacket(PTypeDashboardGet, Temperature{Metadata{1, SensorTemperature}, 5})},
		{"opaque-known-type", NewPacket(PTypeData, Opaque{Metadata{1, SensorTemperature}, []byte{1, 2}})},
		{"length-mismatch", Packet{Header: Header{Length: 9, PType: PTypeData}, Data: Light{Metadata{4, SensorLight}, 1}}},
		{"too-long", NewPacket(PTypeDashboardPost, Lichtkrant{Metadata{6, SensorLichtkrant}, string(make([]byte, PacketMaxLength))})},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := Encode(c.packet)
			assert.True(t, IsMalformed(err), "err=%v", err)
		})
	}

	// zero length means auto
	b, err := Encode(Packet{Header: Header{PType: PTypeData}, Data: Light{Metadata{4, SensorLight}, 1}})
	require.NoError(t, err)
	assert.Equal(t, "060000040601", hex.EncodeToString(b))
}

func TestPacketString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "DATA len=7 id=1 type=temperature value=21.5",
		NewPacket(PTypeData, Temperature{Metadata{1, SensorTemperature}, 215}).String())
	assert.Equal(t, "DATA len=7 id=1 type=temperature value=-0.5",
		NewPacket(PTypeData, Temperature{Metadata{1, SensorTemperature}, -5}).String())
	assert.Equal(t, "DASHBOARD_GET len=5 generic id=16 type=noop", NewGet(0x10).String())
	assert.Equal(t, "0700 0001 02d7 00", Format(helpers.MustHex("0700000102d700")))
}

func TestParseSensorType(t *testing.T) {
	t.Parallel()
	for st := SensorNoop; st < sensorEnd; st++ {
		parsed, err := ParseSensorType(st.String())
		assert.NoError(t, err)
		assert.Equal(t, st, parsed)
	}
	st, err := ParseSensorType(" RGB_Light ")
	assert.NoError(t, err)
	assert.Equal(t, SensorRGBLight, st)
	_, err = ParseSensorType("thermostat")
	assert.True(t, IsMalformed(err))
	assert.Equal(t, "sensor(255)", SensorType(0xff).String())
}
