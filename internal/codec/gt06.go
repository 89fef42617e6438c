package codec

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

// GT06 frame shape: 0x78 0x78 | len(1) | proto(1) | payload(len-1-2) |
// crc(2) | 0x0D 0x0A. len covers proto+payload+crc, so a complete frame
// is len+5 bytes long.
const (
	gt06Start1 = 0x78
	gt06Start2 = 0x78
	gt06Stop1  = 0x0D
	gt06Stop2  = 0x0A

	gt06ProtoLogin           = 0x01
	gt06ProtoLocation        = 0x12
	gt06ProtoHeartbeat       = 0x13
	gt06ProtoAlarm           = 0x16
	gt06ProtoCommandResponse = 0x15
)

// GT06Codec implements the GT06 binary dialect.
type GT06Codec struct {
	crc CRC16
}

// NewGT06 builds a GT06 sub-codec with the default checksum algorithm.
func NewGT06() *GT06Codec {
	return &GT06Codec{crc: DefaultCRC16}
}

// NewGT06WithCRC builds a GT06 sub-codec using an alternate CRC16, e.g.
// ITUCRC16 if field testing shows devices expect it instead of the
// default additive sum.
func NewGT06WithCRC(crc CRC16) *GT06Codec {
	return &GT06Codec{crc: crc}
}

func (c *GT06Codec) Fingerprint() Fingerprint { return FingerprintGT06 }

func (c *GT06Codec) Decode(buf []byte) Result {
	if len(buf) < 2 {
		return Result{Outcome: OutcomeNeedMore}
	}
	if buf[0] != gt06Start1 || buf[1] != gt06Start2 {
		return Result{Outcome: OutcomeReject}
	}
	if len(buf) < 3 {
		return Result{Outcome: OutcomeNeedMore}
	}

	total := int(buf[2]) + 5
	if len(buf) < total {
		return Result{Outcome: OutcomeNeedMore}
	}
	if buf[total-2] != gt06Stop1 || buf[total-1] != gt06Stop2 {
		return Result{Outcome: OutcomeReject}
	}

	frame := buf[:total]
	proto := frame[3]
	data := frame[4 : total-4]

	event := &Event{Fingerprint: FingerprintGT06}

	switch proto {
	case gt06ProtoLogin:
		c.decodeLogin(data, event)
	case gt06ProtoLocation:
		event.Kind = KindLocation
		c.decodeLocation(data, event)
	case gt06ProtoHeartbeat:
		event.Kind = KindHeartbeat
		c.decodeHeartbeat(data, event)
	case gt06ProtoAlarm:
		event.Kind = KindAlarm
		c.decodeAlarm(data, event)
	case gt06ProtoCommandResponse:
		event.Kind = KindCommandResponse
		event.Response = strings.TrimSpace(string(data))
	default:
		event.Kind = KindUnknown
		event.Hex = strings.ToUpper(hex.EncodeToString(data))
		event.Length = len(data)
	}

	return Result{Outcome: OutcomeSuccess, Event: event, Consumed: total}
}

func (c *GT06Codec) decodeLogin(data []byte, event *Event) {
	event.Kind = KindLogin
	if len(data) < 8 {
		return
	}
	// 8 BCD bytes hex-encode directly to the 16-digit terminal ID the
	// device identifies itself with (spec §8 S1 uses the full 16 digits,
	// not the 15-digit IMEI a real handset would carry).
	event.IMEI = hex.EncodeToString(data[0:8])
}

func (c *GT06Codec) decodeLocation(data []byte, event *Event) {
	if len(data) < 15 {
		return
	}

	year := 2000 + int(data[0])
	month, day, hour, minute, second := int(data[1]), int(data[2]), int(data[3]), int(data[4]), int(data[5])
	if month >= 1 && month <= 12 && day >= 1 && day <= 31 && hour <= 23 && minute <= 59 && second <= 59 {
		event.RecordedAt = time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	}

	satellites := int((data[6] >> 4) & 0x0F)
	event.Satellites = &satellites

	latRaw := binary.BigEndian.Uint32(data[7:11])
	lonRaw := binary.BigEndian.Uint32(data[11:15])
	lat := float64(latRaw) / 1800000.0
	lon := float64(lonRaw) / 1800000.0

	offset := 15
	var courseStatus uint16
	var speed float64
	if offset+3 <= len(data) {
		speed = float64(data[offset])
		courseStatus = binary.BigEndian.Uint16(data[offset+1 : offset+3])
		offset += 3
	}
	course := float64(courseStatus & 0x03FF)

	// Course-status flag bits (0 means "set"/true per GT06 convention):
	// bit13 real-time, bit12 positioned, bit11 east, bit10 north.
	north := (courseStatus & 0x0400) == 0
	east := (courseStatus & 0x0800) == 0
	if !north {
		lat = -lat
	}
	if !east {
		lon = -lon
	}

	if lat >= -90 && lat <= 90 {
		event.Latitude = &lat
	}
	if lon >= -180 && lon <= 180 {
		event.Longitude = &lon
	}
	event.Speed = &speed
	event.Course = &course
}

func (c *GT06Codec) decodeHeartbeat(data []byte, event *Event) {
	if len(data) < 3 {
		return
	}
	terminalInfo := data[0]
	voltageLevel := int(data[1])
	gsmLevel := int(data[2])

	percentages := []int{0, 10, 25, 40, 60, 80, 100}
	battery := 0
	if voltageLevel < len(percentages) {
		battery = percentages[voltageLevel]
	}
	event.BatteryLevel = &battery

	bars := gsmLevel
	if bars > 4 {
		bars = 4
	}
	event.SignalStrength = &bars

	_ = terminalInfo // ignition/charger bits are not part of the Location/Alert model; available for future use.
}

func (c *GT06Codec) decodeAlarm(data []byte, event *Event) {
	if len(data) < 1 {
		event.AlertKind = AlertOther
		return
	}
	event.AlertKind = alarmCodeToKind(data[0])
	event.Message = alarmCodeToMessage(data[0])
	if len(data) > 1 {
		c.decodeLocation(data[1:], event)
		event.TriggeredAt = event.RecordedAt
	}
}

func alarmCodeToKind(code byte) AlertKind {
	switch code {
	case 0x00:
		return AlertNormal
	case 0x01:
		return AlertSOS
	case 0x02:
		return AlertPowerCut
	case 0x03:
		return AlertVibration
	case 0x04:
		return AlertFenceIn
	case 0x05:
		return AlertFenceOut
	case 0x06:
		return AlertOverSpeed
	default:
		return AlertOther
	}
}

func alarmCodeToMessage(code byte) string {
	switch code {
	case 0x00:
		return "normal"
	case 0x01:
		return "SOS button pressed"
	case 0x02:
		return "power cut detected"
	case 0x03:
		return "vibration/shock detected"
	case 0x04:
		return "entered geofence"
	case 0x05:
		return "left geofence"
	case 0x06:
		return "over speed"
	default:
		return "unrecognized alarm code"
	}
}

// buildFrame assembles 0x78 0x78 | length | data... | crc(2) | 0x0D 0x0A for
// a given length byte, used by both ack and command framing below — they
// disagree on how the length byte relates to len(data), matching the two
// worked examples in spec §8 (S1's login ack vs S4's engine_stop command)
// byte-for-byte rather than the single prose formula in §4.2, which only
// the command case actually follows.
func (c *GT06Codec) buildFrame(length byte, data []byte) []byte {
	out := make([]byte, 0, len(data)+7)
	out = append(out, gt06Start1, gt06Start2, length)
	out = append(out, data...)
	crc := c.crc.Checksum(append([]byte{length}, data...))
	out = append(out, byte(crc>>8), byte(crc))
	out = append(out, gt06Stop1, gt06Stop2)
	return out
}

// ack frames: length byte equals len(data) exactly (S1: ack payload
// [0x01,0x01] ships with length 0x02).
func (c *GT06Codec) ackFrame(data []byte) []byte {
	return c.buildFrame(byte(len(data)), data)
}

// command frames: length byte is len(data)+1 (S4: engine_stop payload
// [0x80,0x05,0x01,0x01] ships with length 0x05).
func (c *GT06Codec) commandFrame(data []byte) []byte {
	return c.buildFrame(byte(len(data)+1), data)
}

func (c *GT06Codec) EncodeAuthAck(ok bool) []byte {
	v := byte(0)
	if ok {
		v = 1
	}
	return c.ackFrame([]byte{0x01, v})
}

func (c *GT06Codec) EncodeLoginAck(ok bool) []byte {
	return c.EncodeAuthAck(ok)
}

func (c *GT06Codec) EncodeLocationAck(sequence uint16) []byte {
	return c.ackFrame([]byte{0x05, 0x01, byte(sequence & 0xFF)})
}

func (c *GT06Codec) EncodeHeartbeatAck() []byte {
	return c.ackFrame([]byte{0x13, 0x01})
}

func (c *GT06Codec) EncodeCommand(kind CommandKind, params map[string]any) ([]byte, error) {
	switch kind {
	case CommandLocate:
		return c.commandFrame([]byte{0x80, 0x01, 0x01, 0x01}), nil
	case CommandReboot:
		return c.commandFrame([]byte{0x80, 0x02, 0x01, 0x01}), nil
	case CommandEngineStop:
		return c.commandFrame([]byte{0x80, 0x05, 0x01, 0x01}), nil
	case CommandEngineResume:
		return c.commandFrame([]byte{0x80, 0x05, 0x01, 0x00}), nil
	case CommandRaw:
		raw, _ := params["raw"].([]byte)
		if raw == nil {
			if s, ok := params["raw"].(string); ok {
				raw = []byte(s)
			}
		}
		if raw == nil {
			return nil, ErrUnsupportedCommand
		}
		return c.commandFrame(raw), nil
	default:
		return nil, ErrUnsupportedCommand
	}
}
