package protocol

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

type PType uint8

const (
	PTypeData PType = iota
	PTypeHeartbeat
	PTypeDashboardPost
	PTypeDashboardGet
	PTypeDashboardResponse
	ptypeEnd
)

func (self PType) Valid() bool { return self < ptypeEnd }

func (self PType) String() string {
	switch self {
	case PTypeData:
		return "DATA"
	case PTypeHeartbeat:
		return "HEARTBEAT"
	case PTypeDashboardPost:
		return "DASHBOARD_POST"
	case PTypeDashboardGet:
		return "DASHBOARD_GET"
	case PTypeDashboardResponse:
		return "DASHBOARD_RESPONSE"
	}
	return fmt.Sprintf("PType(%d)", uint8(self))
}

type SensorType uint8

const (
	SensorNoop SensorType = iota
	SensorButton
	SensorTemperature
	SensorCO2
	SensorHumidity
	SensorPressure
	SensorLight
	SensorMotion
	SensorRGBLight
	SensorLichtkrant
	sensorEnd
)

var sensorNames = [sensorEnd]string{
	"noop", "button", "temperature", "co2", "humidity",
	"pressure", "light", "motion", "rgb_light", "lichtkrant",
}

func (self SensorType) Known() bool { return self < sensorEnd }

func (self SensorType) String() string {
	if self.Known() {
		return sensorNames[self]
	}
	return fmt.Sprintf("sensor(%d)", uint8(self))
}

// ParseSensorType accepts names as printed by String(), case insensitive.
func ParseSensorType(s string) (SensorType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range sensorNames {
		if name == s {
			return SensorType(i), nil
		}
	}
	return SensorNoop, errors.NotValidf("sensor type=%q", s)
}

// Kind names the live variant of packet data.
type Kind uint8

const (
	KindGeneric Kind = iota
	KindHeartbeat
	KindTemperature
	KindCO2
	KindHumidity
	KindLight
	KindRGBLight
	KindLichtkrant
	KindOpaque
)

func (self Kind) String() string {
	switch self {
	case KindGeneric:
		return "generic"
	case KindHeartbeat:
		return "heartbeat"
	case KindTemperature:
		return "temperature"
	case KindCO2:
		return "co2"
	case KindHumidity:
		return "humidity"
	case KindLight:
		return "light"
	case KindRGBLight:
		return "rgb_light"
	case KindLichtkrant:
		return "lichtkrant"
	case KindOpaque:
		return "opaque"
	}
	return fmt.Sprintf("Kind(%d)", uint8(self))
}

// KindOf selects variant by discriminants.
// known=false means sensor type is not recognized and data is opaque.
func KindOf(pt PType, st SensorType) (kind Kind, known bool) {
	switch pt {
	case PTypeHeartbeat:
		return KindHeartbeat, true
	case PTypeDashboardGet:
		return KindGeneric, true
	}
	switch st {
	case SensorNoop, SensorButton, SensorPressure, SensorMotion:
		return KindGeneric, true
	case SensorTemperature:
		return KindTemperature, true
	case SensorCO2:
		return KindCO2, true
	case SensorHumidity:
		return KindHumidity, true
	case SensorLight:
		return KindLight, true
	case SensorRGBLight:
		return KindRGBLight, true
	case SensorLichtkrant:
		return KindLichtkrant, true
	}
	return KindOpaque, false
}
