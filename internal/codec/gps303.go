package codec

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// GPS303Codec implements the ASCII gps303 dialect: "##"-prefixed login
// frames and "imei:"-prefixed comma-separated position frames. Neither
// shape carries a length prefix — a frame is whatever the buffer holds up
// to an optional ';' terminator, or the whole buffer if none is present.
type GPS303Codec struct{}

func NewGPS303() *GPS303Codec { return &GPS303Codec{} }

func (c *GPS303Codec) Fingerprint() Fingerprint { return FingerprintGPS303 }

func (c *GPS303Codec) Decode(buf []byte) Result {
	switch {
	case bytes.HasPrefix(buf, []byte("##")):
		consumed := frameEnd(buf)
		return Result{
			Outcome:  OutcomeSuccess,
			Event:    &Event{Kind: KindLogin, Fingerprint: FingerprintGPS303},
			Consumed: consumed,
		}
	case bytes.HasPrefix(buf, []byte("imei:")):
		consumed := frameEnd(buf)
		event := c.decodePosition(buf[:consumed])
		return Result{Outcome: OutcomeSuccess, Event: event, Consumed: consumed}
	default:
		return Result{Outcome: OutcomeReject}
	}
}

// frameEnd returns the index one past a trailing ';' if present, else the
// length of the whole buffer.
func frameEnd(buf []byte) int {
	if i := bytes.IndexByte(buf, ';'); i >= 0 {
		return i + 1
	}
	return len(buf)
}

func (c *GPS303Codec) decodePosition(frame []byte) *Event {
	event := &Event{Kind: KindLocation, Fingerprint: FingerprintGPS303}

	text := strings.TrimSuffix(strings.TrimSpace(string(frame)), ";")
	fields := strings.Split(text, ",")
	if len(fields) < 12 {
		event.Kind = KindUnknown
		event.ASCII = text
		return event
	}

	event.IMEI = strings.TrimPrefix(fields[0], "imei:")

	if t, ok := parseGPS303Datetime(fields[2]); ok {
		event.RecordedAt = t
	} else {
		event.RecordedAt = time.Now().UTC()
	}

	valid := strings.EqualFold(strings.TrimSpace(fields[6]), "A")
	if valid {
		if lat, ok := parseGPS303Coordinate(fields[7]); ok {
			if strings.EqualFold(strings.TrimSpace(fields[8]), "S") {
				lat = -lat
			}
			event.Latitude = &lat
		}
		if lon, ok := parseGPS303Coordinate(fields[9]); ok {
			if strings.EqualFold(strings.TrimSpace(fields[10]), "W") {
				lon = -lon
			}
			event.Longitude = &lon
		}
	}

	if speed, err := strconv.ParseFloat(strings.TrimSpace(fields[11]), 64); err == nil {
		event.Speed = &speed
	}

	return event
}

// parseGPS303Datetime parses a 12-digit YYMMDDhhmmss field.
func parseGPS303Datetime(field string) (time.Time, bool) {
	field = strings.TrimSpace(field)
	if len(field) != 12 {
		return time.Time{}, false
	}
	t, err := time.Parse("060102150405", field)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseGPS303Coordinate decodes a DDMM.MMMM / DDDMM.MMMM field into decimal
// degrees: int(x/100) whole degrees plus (x mod 100)/60 minutes.
func parseGPS303Coordinate(field string) (float64, bool) {
	x, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return 0, false
	}
	degrees := float64(int(x / 100))
	minutes := x - degrees*100
	return degrees + minutes/60, true
}

func (c *GPS303Codec) EncodeAuthAck(ok bool) []byte {
	if !ok {
		return nil
	}
	return []byte("LOAD")
}

func (c *GPS303Codec) EncodeLoginAck(ok bool) []byte {
	return c.EncodeAuthAck(ok)
}

func (c *GPS303Codec) EncodeLocationAck(sequence uint16) []byte {
	return []byte("ON")
}

func (c *GPS303Codec) EncodeHeartbeatAck() []byte {
	return []byte("ON")
}

func (c *GPS303Codec) EncodeCommand(kind CommandKind, params map[string]any) ([]byte, error) {
	return nil, ErrUnsupportedCommand
}
