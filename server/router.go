package server

import (
	"context"

	"github.com/wemosbridge/bridge/hardware/slave"
	"github.com/wemosbridge/bridge/protocol"
)

var _ slave.Sink = &Server{}

// Emit receives telemetry from slave manager.
// Must not block, runs on manager goroutine.
func (s *Server) Emit(e slave.Event) {
	switch e.Kind {
	case slave.EventPacket:
		switch e.Packet.Header.PType {
		case protocol.PTypeData:
			s.log.Debugf("data addr=%02x %s", e.Address, e.Packet.Data.String())
			s.broadcast(e.Packet)
		case protocol.PTypeHeartbeat:
			s.log.Debugf("heartbeat addr=%02x id=%d", e.Address, e.SensorID)
		default:
			s.log.Debugf("reply addr=%02x %s", e.Address, e.Packet.String())
		}
	case slave.EventFailure:
		s.log.Debugf("failure addr=%02x id=%d err=%v", e.Address, e.SensorID, e.Err)
	case slave.EventState:
		s.log.Infof("sensor id=%d %s", e.SensorID, e.String())
	}
	s.tele.Event(e)
}

// Handle serves one dashboard request.
// On error, returned packets are still a valid reply for the client.
func (s *Server) Handle(ctx context.Context, p protocol.Packet) ([]protocol.Packet, error) {
	switch p.Header.PType {
	case protocol.PTypeDashboardGet:
		id := p.Meta().SensorID
		if id == protocol.SensorIDAll {
			ds := s.mgr.Snapshot()
			if len(ds) == 0 {
				return []protocol.Packet{noopResponse(id)}, nil
			}
			rs := make([]protocol.Packet, 0, len(ds))
			for _, d := range ds {
				rs = append(rs, d.Response())
			}
			return rs, nil
		}
		if d, ok := s.mgr.DeviceByID(id); ok {
			return []protocol.Packet{d.Response()}, nil
		}
		return []protocol.Packet{noopResponse(id)}, nil

	case protocol.PTypeDashboardPost:
		r, err := s.mgr.Command(ctx, p)
		if err != nil {
			return []protocol.Packet{noopResponse(p.Meta().SensorID)}, err
		}
		return []protocol.Packet{r}, nil

	default:
		s.log.Debugf("dashboard drop %s", p.String())
		return nil, nil
	}
}

func noopResponse(id uint8) protocol.Packet {
	return protocol.NewPacket(protocol.PTypeDashboardResponse,
		protocol.Generic{Metadata: protocol.Metadata{SensorID: id}})
}
