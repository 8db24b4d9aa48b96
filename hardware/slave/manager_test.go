package slave

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wemosbridge/bridge/hardware/bus"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/protocol"
)

const pollHex = "0500010000"

type eventLog struct {
	mu sync.Mutex
	es []Event
}

func (l *eventLog) Emit(e Event) {
	l.mu.Lock()
	l.es = append(l.es, e)
	l.mu.Unlock()
}

func (l *eventLog) states() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ss := make([]string, 0, len(l.es))
	for _, e := range l.es {
		if e.Kind == EventState {
			ss = append(ss, e.String())
		}
	}
	return ss
}

func newTestManager(t testing.TB, mock *bus.Mock, opt Options, sink Sink) *Manager {
	opt.Log = log2.NewTest(t, log2.LDebug)
	m, err := NewManager(mock, opt, sink)
	require.NoError(t, err)
	return m
}

func TestNewManagerInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		opt    Options
		expect string
	}{
		{"duplicate-address", Options{Devices: []DeviceConfig{
			{Address: 0x10, SensorID: 1},
			{Address: 0x10, SensorID: 2},
		}}, "device address=10 already exists"},
		{"duplicate-id", Options{Devices: []DeviceConfig{
			{Address: 0x10, SensorID: 1},
			{Address: 0x11, SensorID: 1},
		}}, "device address=11 sensor id=1 (address=10) already exists"},
		{"id-all", Options{Devices: []DeviceConfig{
			{Address: 0x10, SensorID: protocol.SensorIDAll},
		}}, "device address=10 sensor id=255 not valid"},
		{"discover-range", Options{DiscoverFrom: 0x20, DiscoverTo: 0x10}, "discover range 20-10 not valid"},
		{"codepage", Options{Codepage: "no-such-codepage"}, "codepage=no-such-codepage"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := NewManager(bus.NewMock(t), c.opt, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.expect)
		})
	}
}

func TestSensorIDDefaultsToAddress(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, bus.NewMock(t), Options{Devices: []DeviceConfig{{Address: 0x21, SensorType: protocol.SensorLight}}}, nil)
	d, ok := m.DeviceByID(0x21)
	require.True(t, ok)
	assert.Equal(t, uint8(0x21), d.Address)
	assert.Equal(t, StateUnknown, d.State)
}

// Temperature reading from 0x10 is cached and served as dashboard response.
func TestPollTemperature(t *testing.T) {
	t.Parallel()
	mock := bus.NewMock(t)
	defer mock.Close()
	events := &eventLog{}
	m := newTestManager(t, mock, Options{Devices: []DeviceConfig{
		{Address: 0x10, SensorID: 0x10, SensorType: protocol.SensorTemperature},
	}}, events)

	mock.Expect([]bus.MockR{
		{Addr: 0x10, Request: pollHex, Response: "0700001002d700"},
		// padded response from i2c driver
		{Addr: 0x10, Request: pollHex, Response: "0500011002ffffffff"},
	})
	m.PollOnce(context.Background())
	d, ok := m.Device(0x10)
	require.True(t, ok)
	assert.Equal(t, StateDiscovered, d.State)
	assert.Equal(t, protocol.Temperature{Metadata: d.Meta(), Value: 215}, d.Last.Data)
	assert.WithinDuration(t, time.Now(), d.LastSeen, time.Second)

	m.PollOnce(context.Background())
	d, _ = m.Device(0x10)
	assert.Equal(t, StateHealthy, d.State)
	// heartbeat keeps cached reading
	assert.Equal(t, protocol.Temperature{Metadata: d.Meta(), Value: 215}, d.Last.Data)

	r := d.Response()
	assert.Equal(t, protocol.PTypeDashboardResponse, r.Header.PType)
	b, err := protocol.Encode(r)
	require.NoError(t, err)
	assert.Equal(t, "0700041002d700", hex.EncodeToString(b))

	assert.Equal(t, []string{
		"addr=10 state unknown -> discovered",
		"addr=10 state discovered -> healthy",
	}, events.states())
}

func TestFaultIsolation(t *testing.T) {
	t.Parallel()
	mock := bus.NewMock(t)
	defer mock.Close()
	m := newTestManager(t, mock, Options{Devices: []DeviceConfig{
		{Address: 0x10, SensorID: 0x10, SensorType: protocol.SensorTemperature},
		{Address: 0x11, SensorID: 0x11, SensorType: protocol.SensorCO2},
		{Address: 0x12, SensorID: 0x12, SensorType: protocol.SensorHumidity},
	}}, nil)

	// poll order is ascending address regardless of failures
	mock.Expect([]bus.MockR{
		{Addr: 0x10, Request: pollHex, Err: bus.NewError(bus.KindNoAck, 0x10, nil)},
		{Addr: 0x11, Request: pollHex, Response: "07000011039001"},
		{Addr: 0x12, Request: pollHex, Response: "0300"},
	})
	m.PollOnce(context.Background())

	ds := m.Snapshot()
	require.Len(t, ds, 3)
	assert.Equal(t, StateUnknown, ds[0].State)
	assert.Equal(t, 1, ds[0].Failures)
	assert.True(t, bus.IsNoAck(ds[0].LastError))
	assert.Equal(t, StateDiscovered, ds[1].State)
	assert.Equal(t, protocol.CO2{Metadata: ds[1].Meta(), Value: 400}, ds[1].Last.Data)
	assert.Equal(t, 1, ds[2].Failures)
	assert.True(t, protocol.IsMalformed(ds[2].LastError), ds[2].LastError)
}

func TestOfflineAndRecovery(t *testing.T) {
	t.Parallel()
	mock := bus.NewMock(t)
	defer mock.Close()
	events := &eventLog{}
	m := newTestManager(t, mock, Options{
		Devices:          []DeviceConfig{{Address: 0x10, SensorID: 0x10, SensorType: protocol.SensorTemperature}},
		FailureThreshold: 3,
	}, events)
	ctx := context.Background()
	timeout := bus.NewError(bus.KindTimeout, 0x10, errors.Timeoutf("bus tx"))

	mock.Expect([]bus.MockR{
		{Addr: 0x10, Response: "0700001002d700"},
		{Addr: 0x10, Err: timeout},
		{Addr: 0x10, Err: timeout},
		{Addr: 0x10, Err: timeout},
	})
	m.PollOnce(ctx)
	m.PollOnce(ctx)
	d, _ := m.Device(0x10)
	assert.Equal(t, StateDegraded, d.State)
	m.PollOnce(ctx)
	d, _ = m.Device(0x10)
	assert.Equal(t, StateDegraded, d.State)
	assert.Equal(t, 2, d.Failures)
	m.PollOnce(ctx)
	d, _ = m.Device(0x10)
	assert.Equal(t, StateOffline, d.State)
	assert.True(t, bus.IsTimeout(d.LastError))

	// offline device is not polled
	m.PollOnce(ctx)
	assert.Equal(t, 4, mock.Calls)

	// discovery probes offline devices, one success is enough
	mock.Expect([]bus.MockR{{Addr: 0x10, Request: pollHex, Response: "0500011002"}})
	assert.Equal(t, 0, m.Discover(ctx))
	d, _ = m.Device(0x10)
	assert.Equal(t, StateHealthy, d.State)
	assert.Equal(t, 0, d.Failures)
	assert.NoError(t, d.LastError)

	assert.Equal(t, []string{
		"addr=10 state unknown -> discovered",
		"addr=10 state discovered -> degraded",
		"addr=10 state degraded -> offline",
		"addr=10 state offline -> healthy",
	}, events.states())
}

func TestIdentityMismatch(t *testing.T) {
	t.Parallel()
	mock := bus.NewMock(t)
	defer mock.Close()
	m := newTestManager(t, mock, Options{Devices: []DeviceConfig{
		{Address: 0x10, SensorID: 0x10, SensorType: protocol.SensorTemperature},
	}}, nil)

	mock.Expect([]bus.MockR{
		{Addr: 0x10, Response: "0500011102"}, // wrong id
		{Addr: 0x10, Response: "0500011003"}, // wrong type
		{Addr: 0x10, Response: "0700041002d700"}, // unexpected ptype
	})
	for i := 1; i <= 3; i++ {
		m.PollOnce(context.Background())
		d, _ := m.Device(0x10)
		assert.Equal(t, i, d.Failures)
		assert.True(t, errors.IsNotValid(d.LastError), d.LastError)
	}
}

func TestUnknownSensorTypeOpaque(t *testing.T) {
	t.Parallel()
	mock := bus.NewMock(t)
	defer mock.Close()
	m := newTestManager(t, mock, Options{Devices: []DeviceConfig{
		{Address: 0x30, SensorID: 0x30, SensorType: protocol.SensorType(0xff)},
	}}, nil)

	mock.Expect([]bus.MockR{{Addr: 0x30, Response: "07000030ffbeef"}})
	m.PollOnce(context.Background())
	d, _ := m.Device(0x30)
	assert.Equal(t, StateDiscovered, d.State)
	assert.Equal(t, protocol.Opaque{Metadata: d.Meta(), Raw: []byte{0xbe, 0xef}}, d.Last.Data)
}

// Cyrillic text grows on decode, cached packet must still encode.
func TestLichtkrantDecodedTextLimit(t *testing.T) {
	t.Parallel()
	mock := bus.NewMock(t)
	defer mock.Close()
	m := newTestManager(t, mock, Options{
		Devices:  []DeviceConfig{{Address: 0x40, SensorID: 0x40, SensorType: protocol.SensorLichtkrant}},
		Codepage: "windows-1251",
	}, nil)

	// 605 bytes on the wire, 600 letters
	mock.Expect([]bus.MockR{
		{Addr: 0x40, Request: pollHex, Response: "5d02004009" + strings.Repeat("cf", 600)},
	})
	m.PollOnce(context.Background())
	d, _ := m.Device(0x40)
	require.Equal(t, StateDiscovered, d.State)
	lk, ok := d.Last.Data.(protocol.Lichtkrant)
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("П", 509), lk.Text)
	assert.True(t, utf8.ValidString(lk.Text))

	b, err := protocol.Encode(d.Response())
	require.NoError(t, err)
	assert.Equal(t, protocol.PacketMinLength+1018, len(b))
}

func TestTruncateText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", truncateText("abc", 5))
	assert.Equal(t, "ab", truncateText("abc", 2))
	assert.Equal(t, "П", truncateText("Пи", 3))
	assert.Equal(t, "", truncateText("Пи", 1))
}

func TestDiscover(t *testing.T) {
	t.Parallel()
	mock := bus.NewMock(t)
	defer mock.Close()
	events := &eventLog{}
	m := newTestManager(t, mock, Options{
		Devices:      []DeviceConfig{{Address: 0x11, SensorID: 0x11, SensorType: protocol.SensorButton}},
		DiscoverFrom: 0x10,
		DiscoverTo:   0x14,
	}, events)

	mock.Expect([]bus.MockR{
		{Addr: 0x10, Request: pollHex, Response: "0700001002d700"},
		// 0x11 is registered, skipped
		{Addr: 0x12, Err: bus.NewError(bus.KindNoAck, 0x12, nil)},
		{Addr: 0x13, Response: "0500011101"}, // id taken by 0x11
		{Addr: 0x14, Response: "060000200601"},
	})
	assert.Equal(t, 2, m.Discover(context.Background()))

	ds := m.Snapshot()
	require.Len(t, ds, 3)
	assert.Equal(t, []uint8{0x10, 0x11, 0x14}, []uint8{ds[0].Address, ds[1].Address, ds[2].Address})
	assert.Equal(t, StateDiscovered, ds[0].State)
	assert.Equal(t, protocol.SensorTemperature, ds[0].SensorType)
	assert.Equal(t, StateUnknown, ds[1].State)
	assert.Equal(t, uint8(0x20), ds[2].SensorID)
	assert.Equal(t, protocol.SensorLight, ds[2].SensorType)
	assert.Equal(t, protocol.Light{Metadata: ds[2].Meta(), TargetState: 1}, ds[2].Last.Data)

	assert.Equal(t, []string{
		"addr=10 state unknown -> discovered",
		"addr=14 state unknown -> discovered",
	}, events.states())
}

func runManager(t testing.TB, m *Manager) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		assert.NoError(t, m.Run(ctx))
		close(done)
	}()
	return ctx, func() { cancel(); <-done }
}

func TestCommand(t *testing.T) {
	t.Parallel()

	type Case struct {
		name    string
		device  DeviceConfig
		post    protocol.Data
		request string
		reply   string
		expect  protocol.Data
		check   func(testing.TB, error)
	}
	light := protocol.Metadata{SensorID: 0x30, SensorType: protocol.SensorLight}
	lk := protocol.Metadata{SensorID: 0x40, SensorType: protocol.SensorLichtkrant}
	cases := []Case{
		{name: "light/data-reply",
			device:  DeviceConfig{Address: 0x30, SensorID: 0x30, SensorType: protocol.SensorLight},
			post:    protocol.Light{Metadata: light, TargetState: 1},
			request: "060002300601",
			reply:   "060000300601",
			expect:  protocol.Light{Metadata: light, TargetState: 1}},
		{name: "light/heartbeat-reply",
			device:  DeviceConfig{Address: 0x30, SensorID: 0x30, SensorType: protocol.SensorLight},
			post:    protocol.Light{Metadata: light, TargetState: 1},
			request: "060002300601",
			reply:   "0500013006",
			expect:  protocol.Generic{Metadata: protocol.Metadata{SensorID: 0x30}}},
		{name: "rgb/response-reply",
			device:  DeviceConfig{Address: 0x31, SensorID: 0x30, SensorType: protocol.SensorRGBLight},
			post:    protocol.RGBLight{Metadata: protocol.Metadata{SensorID: 0x30, SensorType: protocol.SensorRGBLight}, Red: 0xff, Blue: 0x80},
			request: "08000230" + "08ff0080",
			reply:   "08000430" + "08ff0080",
			expect:  protocol.RGBLight{Metadata: protocol.Metadata{SensorID: 0x30, SensorType: protocol.SensorRGBLight}, Red: 0xff, Blue: 0x80}},
		{name: "lichtkrant/codepage",
			device:  DeviceConfig{Address: 0x40, SensorID: 0x40, SensorType: protocol.SensorLichtkrant},
			post:    protocol.Lichtkrant{Metadata: lk, Text: "Пи"},
			request: "07000240" + "09cfe8",
			reply:   "07000040" + "09cfe8",
			expect:  protocol.Lichtkrant{Metadata: lk, Text: "Пи"}},
		{name: "unknown-id",
			device: DeviceConfig{Address: 0x30, SensorID: 0x30, SensorType: protocol.SensorLight},
			post:   protocol.Light{Metadata: protocol.Metadata{SensorID: 0x31, SensorType: protocol.SensorLight}},
			check: func(t testing.TB, err error) {
				assert.True(t, errors.IsNotFound(err), err)
			}},
		{name: "type-mismatch",
			device: DeviceConfig{Address: 0x30, SensorID: 0x30, SensorType: protocol.SensorLight},
			post:   protocol.RGBLight{Metadata: protocol.Metadata{SensorID: 0x30, SensorType: protocol.SensorRGBLight}},
			check: func(t testing.TB, err error) {
				assert.True(t, errors.IsNotValid(err), err)
			}},
		{name: "noack",
			device:  DeviceConfig{Address: 0x30, SensorID: 0x30, SensorType: protocol.SensorLight},
			post:    protocol.Light{Metadata: light},
			request: "060002300600",
			check: func(t testing.TB, err error) {
				assert.True(t, bus.IsNoAck(err), err)
			}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			mock := bus.NewMock(t)
			pollOK := "050001" + hex.EncodeToString([]byte{c.device.SensorID, byte(c.device.SensorType)})
			mock.Handler = func(addr uint8, request []byte) ([]byte, error) {
				assert.Equal(t, c.device.Address, addr)
				switch hex.EncodeToString(request) {
				case pollHex:
					return hex.DecodeString(pollOK)
				case c.request:
					if c.reply == "" {
						return nil, bus.NewError(bus.KindNoAck, addr, nil)
					}
					return hex.DecodeString(c.reply)
				}
				t.Errorf("unexpected request=%x", request)
				return nil, bus.NewError(bus.KindNoAck, addr, nil)
			}
			m := newTestManager(t, mock, Options{
				Devices:      []DeviceConfig{c.device},
				PollInterval: time.Hour,
				Codepage:     "windows-1251",
			}, nil)
			ctx, stop := runManager(t, m)
			defer stop()

			r, err := m.Command(ctx, protocol.NewPacket(protocol.PTypeDashboardPost, c.post))
			if c.check != nil {
				require.Error(t, err)
				c.check(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, protocol.PTypeDashboardResponse, r.Header.PType)
			assert.Equal(t, c.expect, r.Data)
			assert.Equal(t, uint16(r.Size()), r.Header.Length)
		})
	}
}

func TestCommandOffline(t *testing.T) {
	t.Parallel()
	mock := bus.NewMock(t)
	mock.Handler = bus.NoAckHandler
	m := newTestManager(t, mock, Options{
		Devices:          []DeviceConfig{{Address: 0x30, SensorID: 0x30, SensorType: protocol.SensorLight}},
		FailureThreshold: 1,
		PollInterval:     time.Hour,
	}, nil)
	ctx, stop := runManager(t, m)
	defer stop()

	post := protocol.NewPacket(protocol.PTypeDashboardPost, protocol.Light{Metadata: protocol.Metadata{SensorID: 0x30, SensorType: protocol.SensorLight}})
	_, err := m.Command(ctx, post)
	require.Error(t, err)
	assert.Equal(t, ErrOffline, errors.Cause(err))
	assert.Equal(t, "sensor id=48 addr=30: offline", err.Error())
}

func TestCommandNotPost(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, bus.NewMock(t), Options{PollInterval: time.Hour}, nil)
	ctx, stop := runManager(t, m)
	defer stop()
	_, err := m.Command(ctx, protocol.NewGet(1))
	assert.True(t, errors.IsNotValid(err), err)
}

func TestAlertTriggersPoll(t *testing.T) {
	t.Parallel()
	polled := make(chan struct{}, 8)
	mock := bus.NewMock(t)
	mock.Handler = func(addr uint8, request []byte) ([]byte, error) {
		polled <- struct{}{}
		return hex.DecodeString("0500011002")
	}
	alert := make(chan struct{}, 1)
	m := newTestManager(t, mock, Options{
		Devices:      []DeviceConfig{{Address: 0x10, SensorID: 0x10, SensorType: protocol.SensorTemperature}},
		PollInterval: time.Hour,
		Alert:        alert,
	}, nil)
	_, stop := runManager(t, m)
	defer stop()

	<-polled // initial cycle
	alert <- struct{}{}
	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("alert did not trigger poll")
	}
}

func TestTextCodec(t *testing.T) {
	t.Parallel()
	c, err := newTextCodec("windows-1251")
	require.NoError(t, err)
	s, err := c.encode("Привет")
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte{0xcf, 0xf0, 0xe8, 0xe2, 0xe5, 0xf2}, []byte(s)), "%x", s)
	s, err = c.decode(s)
	require.NoError(t, err)
	assert.Equal(t, "Привет", s)

	c, err = newTextCodec("UTF-8")
	require.NoError(t, err)
	assert.Nil(t, c)
	s, _ = c.encode("Привет")
	assert.Equal(t, "Привет", s)
}
