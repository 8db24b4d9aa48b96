// Package slave keeps the table of slave devices behind one bus master:
// polling, discovery, liveness and dashboard commands.
package slave

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/wemosbridge/bridge/hardware/bus"
	"github.com/wemosbridge/bridge/helpers"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/protocol"
)

const (
	DefaultPollInterval     = time.Second
	DefaultDiscoveryEvery   = 10
	DefaultFailureThreshold = 3

	// MasterID is sensor id of poll requests.
	MasterID uint8 = 0
)

type Options struct {
	Devices          []DeviceConfig
	PollInterval     time.Duration
	DiscoveryEvery   int // discovery runs every N poll cycles
	FailureThreshold int
	// Discovery probes addresses in [DiscoverFrom, DiscoverTo], DiscoverTo=0 disables it.
	DiscoverFrom uint8
	DiscoverTo   uint8
	// Codepage of lichtkrant text on devices, empty means UTF-8.
	Codepage string
	// Alert signal triggers immediate poll cycle, may be nil.
	Alert <-chan struct{}
	Log   *log2.Log
}

type command struct {
	p    protocol.Packet
	done chan commandResult
}

type commandResult struct {
	p   protocol.Packet
	err error
}

// Manager owns device table. Bus is used only from Run goroutine
// or from exported step methods, never concurrently.
type Manager struct {
	bus  bus.Driver
	cmds chan *command
	log  *log2.Log
	opt  Options
	sink Sink
	text *textCodec

	step  sync.Mutex // one poll/discovery/command at a time
	polls int
	pollb []byte

	mu    sync.RWMutex
	table map[uint8]*device
}

func NewManager(b bus.Driver, opt Options, sink Sink) (*Manager, error) {
	if opt.PollInterval <= 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.DiscoveryEvery <= 0 {
		opt.DiscoveryEvery = DefaultDiscoveryEvery
	}
	if opt.FailureThreshold <= 0 {
		opt.FailureThreshold = DefaultFailureThreshold
	}
	if sink == nil {
		sink = nullSink{}
	}
	m := &Manager{
		bus:   b,
		cmds:  make(chan *command),
		log:   opt.Log,
		opt:   opt,
		sink:  sink,
		pollb: protocol.MustEncode(protocol.NewHeartbeat(MasterID, protocol.SensorNoop)),
		table: make(map[uint8]*device, len(opt.Devices)),
	}
	var err error
	if m.text, err = newTextCodec(opt.Codepage); err != nil {
		return nil, err
	}

	errs := make([]error, 0)
	ids := make(map[uint8]uint8)
	for _, dc := range opt.Devices {
		if dc.SensorID == MasterID {
			dc.SensorID = dc.Address
		}
		if _, ok := m.table[dc.Address]; ok {
			errs = append(errs, errors.AlreadyExistsf("device address=%02x", dc.Address))
			continue
		}
		if ex, ok := ids[dc.SensorID]; ok {
			errs = append(errs, errors.AlreadyExistsf("device address=%02x sensor id=%d (address=%02x)", dc.Address, dc.SensorID, ex))
			continue
		}
		if dc.SensorID == protocol.SensorIDAll {
			errs = append(errs, errors.NotValidf("device address=%02x sensor id=%d", dc.Address, dc.SensorID))
			continue
		}
		ids[dc.SensorID] = dc.Address
		m.table[dc.Address] = &device{addr: dc.Address, id: dc.SensorID, stype: dc.SensorType}
	}
	if opt.DiscoverTo != 0 && opt.DiscoverFrom > opt.DiscoverTo {
		errs = append(errs, errors.NotValidf("discover range %02x-%02x", opt.DiscoverFrom, opt.DiscoverTo))
	}
	if err = helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	return m, nil
}

// Run polls every PollInterval, discovers every DiscoveryEvery polls,
// serves commands, until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Debugf("slave manager run devices=%d interval=%s", len(m.opt.Devices), m.opt.PollInterval)
	if m.opt.DiscoverTo != 0 {
		m.Discover(ctx)
	}
	m.PollOnce(ctx)

	tick := time.NewTicker(m.opt.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-tick.C:
			m.polls++
			if m.polls%m.opt.DiscoveryEvery == 0 {
				m.Discover(ctx)
			}
			m.PollOnce(ctx)

		case <-m.opt.Alert:
			m.log.Debugf("alert, poll now")
			m.PollOnce(ctx)

		case c := <-m.cmds:
			p, err := m.command(ctx, c.p)
			c.done <- commandResult{p, err}
		}
	}
}

// PollOnce visits every polled device in ascending address order.
// Failure of one device never stops the cycle.
func (m *Manager) PollOnce(ctx context.Context) {
	m.step.Lock()
	defer m.step.Unlock()

	for _, addr := range m.addrs(true) {
		if ctx.Err() != nil {
			return
		}
		p, err := m.exchange(ctx, addr, m.pollb)
		_ = m.update(addr, func(d *device) error {
			if err != nil {
				return err
			}
			return d.check(p)
		}, p)
	}
}

// Discover probes free addresses in configured range and offline devices.
// Returns number of newly registered devices.
func (m *Manager) Discover(ctx context.Context) int {
	m.step.Lock()
	defer m.step.Unlock()

	found := 0
	offline := make(map[uint8]bool)
	for _, d := range m.Snapshot() {
		if d.State == StateOffline {
			offline[d.Address] = true
		}
	}
	for a := int(m.opt.DiscoverFrom); a <= int(m.opt.DiscoverTo) && m.opt.DiscoverTo != 0; a++ {
		addr := uint8(a)
		if ctx.Err() != nil {
			return found
		}
		if _, ok := m.Device(addr); ok {
			continue
		}
		p, err := m.exchange(ctx, addr, m.pollb)
		if err != nil {
			if !bus.IsNoAck(err) {
				m.log.Debugf("discover addr=%02x err=%v", addr, err)
			}
			continue
		}
		if m.register(addr, p) {
			found++
		}
	}
	for _, addr := range m.addrs(false) {
		if !offline[addr] || ctx.Err() != nil {
			continue
		}
		p, err := m.exchange(ctx, addr, m.pollb)
		_ = m.update(addr, func(d *device) error {
			if err != nil {
				return err
			}
			return d.check(p)
		}, p)
	}
	return found
}

// Command sends DASHBOARD_POST to device by sensor id through Run loop.
// Returns device reply as DASHBOARD_RESPONSE.
func (m *Manager) Command(ctx context.Context, p protocol.Packet) (protocol.Packet, error) {
	c := &command{p: p, done: make(chan commandResult, 1)}
	select {
	case m.cmds <- c:
	case <-ctx.Done():
		return protocol.Packet{}, errors.Trace(ctx.Err())
	}
	select {
	case r := <-c.done:
		return r.p, r.err
	case <-ctx.Done():
		return protocol.Packet{}, errors.Trace(ctx.Err())
	}
}

func (m *Manager) command(ctx context.Context, p protocol.Packet) (protocol.Packet, error) {
	m.step.Lock()
	defer m.step.Unlock()

	if p.Header.PType != protocol.PTypeDashboardPost || p.Data == nil {
		return protocol.Packet{}, errors.NotValidf("command %s", p.String())
	}
	meta := p.Meta()
	d, ok := m.DeviceByID(meta.SensorID)
	if !ok {
		return protocol.Packet{}, errors.NotFoundf("sensor id=%d", meta.SensorID)
	}
	if d.State == StateOffline {
		return protocol.Packet{}, errors.Annotatef(ErrOffline, "sensor id=%d addr=%02x", d.SensorID, d.Address)
	}
	if meta.SensorType != d.SensorType {
		return protocol.Packet{}, errors.NotValidf("command sensor id=%d type=%s device type=%s",
			meta.SensorID, meta.SensorType.String(), d.SensorType.String())
	}
	if lk, ok := p.Data.(protocol.Lichtkrant); ok {
		text, err := m.text.encode(lk.Text)
		if err != nil {
			return protocol.Packet{}, errors.Annotatef(err, "sensor id=%d", meta.SensorID)
		}
		lk.Text = text
		p = protocol.NewPacket(protocol.PTypeDashboardPost, lk)
	} else {
		p = protocol.NewPacket(protocol.PTypeDashboardPost, p.Data)
	}
	b, err := protocol.Encode(p)
	if err != nil {
		return protocol.Packet{}, errors.Annotate(err, "command encode")
	}
	m.log.Debugf("command addr=%02x %s", d.Address, p.String())

	reply, err := m.exchange(ctx, d.Address, b)
	err = m.update(d.Address, func(dev *device) error {
		if err != nil {
			return err
		}
		return dev.checkReply(reply)
	}, reply)
	if err != nil {
		return protocol.Packet{}, errors.Annotatef(err, "command sensor id=%d", meta.SensorID)
	}
	d, _ = m.Device(d.Address)
	return d.Response(), nil
}

func (m *Manager) Snapshot() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds := make([]Device, 0, len(m.table))
	for _, d := range m.table {
		ds = append(ds, d.copy())
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].Address < ds[j].Address })
	return ds
}

func (m *Manager) Device(addr uint8) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.table[addr]; ok {
		return d.copy(), true
	}
	return Device{}, false
}

func (m *Manager) DeviceByID(id uint8) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.table {
		if d.id == id {
			return d.copy(), true
		}
	}
	return Device{}, false
}

// addrs sorted, polled=true skips offline devices.
func (m *Manager) addrs(polled bool) []uint8 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	as := make([]uint8, 0, len(m.table))
	for addr, d := range m.table {
		if polled && !d.state.Polled() {
			continue
		}
		as = append(as, addr)
	}
	sort.Slice(as, func(i, j int) bool { return as[i] < as[j] })
	return as
}

// exchange is one bus transaction, response framed and decoded.
// Unknown sensor type is not an error here, data is opaque.
func (m *Manager) exchange(ctx context.Context, addr uint8, request []byte) (protocol.Packet, error) {
	response, err := m.bus.Tx(ctx, addr, request)
	if err != nil {
		return protocol.Packet{}, errors.Annotatef(err, "addr=%02x", addr)
	}
	frame, _, err := protocol.Split(response)
	if err != nil {
		return protocol.Packet{}, errors.Annotatef(err, "addr=%02x response", addr)
	}
	if frame == nil {
		return protocol.Packet{}, errors.NotValidf("addr=%02x response=%x truncated", addr, response)
	}
	p, err := protocol.Decode(frame)
	switch {
	case err == nil:
	case protocol.IsUnknownVariant(err):
		m.log.Debugf("addr=%02x %v", addr, err)
	default:
		return protocol.Packet{}, errors.Annotatef(err, "addr=%02x", addr)
	}
	if lk, ok := p.Data.(protocol.Lichtkrant); ok {
		text, err := m.text.decode(lk.Text)
		if err != nil {
			return protocol.Packet{}, errors.Annotatef(err, "addr=%02x", addr)
		}
		// decoded text may be longer than the wire form
		if max := protocol.PacketMaxLength - protocol.PacketMinLength; len(text) > max {
			m.log.Debugf("addr=%02x lichtkrant text length=%d truncated to %d", addr, len(text), max)
			text = truncateText(text, max)
		}
		lk.Text = text
		p = protocol.NewPacket(p.Header.PType, lk)
	}
	return p, nil
}

// register adds device found by discovery. Sensor id must be free.
func (m *Manager) register(addr uint8, p protocol.Packet) bool {
	meta := p.Meta()
	switch p.Header.PType {
	case protocol.PTypeData, protocol.PTypeHeartbeat:
	default:
		m.log.Errorf("discover addr=%02x unexpected %s", addr, p.String())
		return false
	}
	if meta.SensorID == protocol.SensorIDAll || meta.SensorID == MasterID {
		m.log.Errorf("discover addr=%02x reserved sensor id=%d", addr, meta.SensorID)
		return false
	}
	if ex, ok := m.DeviceByID(meta.SensorID); ok {
		m.log.Errorf("discover addr=%02x sensor id=%d already used by addr=%02x", addr, meta.SensorID, ex.Address)
		return false
	}
	now := time.Now()
	d := &device{addr: addr, id: meta.SensorID, stype: meta.SensorType}
	m.mu.Lock()
	prev := d.success(p)
	m.table[addr] = d
	m.mu.Unlock()
	m.log.Infof("discovered addr=%02x id=%d type=%s", addr, meta.SensorID, meta.SensorType.String())
	m.sink.Emit(Event{Kind: EventState, Address: addr, SensorID: d.id, Prev: prev, State: StateDiscovered, At: now})
	m.sink.Emit(Event{Kind: EventPacket, Address: addr, SensorID: d.id, Packet: p, At: now})
	return true
}

// update applies exchange result to device under lock, then emits events.
// Returns check error.
func (m *Manager) update(addr uint8, check func(*device) error, p protocol.Packet) error {
	now := time.Now()
	events := make([]Event, 0, 2)
	m.mu.Lock()
	d, ok := m.table[addr]
	if !ok {
		m.mu.Unlock()
		return errors.NotFoundf("device addr=%02x", addr)
	}
	var prev State
	err := check(d)
	if err != nil {
		prev = d.failure(err, m.opt.FailureThreshold)
		events = append(events, Event{Kind: EventFailure, Address: addr, SensorID: d.id, Err: err, At: now})
	} else {
		prev = d.success(p)
		events = append(events, Event{Kind: EventPacket, Address: addr, SensorID: d.id, Packet: p, At: now})
	}
	if prev != d.state {
		events = append(events, Event{Kind: EventState, Address: addr, SensorID: d.id, Prev: prev, State: d.state, At: now})
	}
	failures := d.failures
	m.mu.Unlock()

	if err != nil {
		m.log.Debugf("addr=%02x failures=%d err=%v", addr, failures, err)
	}
	for _, e := range events {
		if e.Kind == EventState {
			m.log.Infof("%s", e.String())
		}
		m.sink.Emit(e)
	}
	return err
}

// check validates poll response identity and type.
func (d *device) check(p protocol.Packet) error {
	switch p.Header.PType {
	case protocol.PTypeData, protocol.PTypeHeartbeat:
	default:
		return errors.NotValidf("addr=%02x unexpected %s", d.addr, p.Header.PType.String())
	}
	return d.checkIdentity(p)
}

func (d *device) checkReply(p protocol.Packet) error {
	switch p.Header.PType {
	case protocol.PTypeDashboardResponse, protocol.PTypeData, protocol.PTypeHeartbeat:
	default:
		return errors.NotValidf("addr=%02x unexpected reply %s", d.addr, p.Header.PType.String())
	}
	return d.checkIdentity(p)
}

func (d *device) checkIdentity(p protocol.Packet) error {
	meta := p.Meta()
	if meta.SensorID != d.id || meta.SensorType != d.stype {
		return errors.NotValidf("addr=%02x identity id=%d type=%s expected id=%d type=%s",
			d.addr, meta.SensorID, meta.SensorType.String(), d.id, d.stype.String())
	}
	return nil
}
