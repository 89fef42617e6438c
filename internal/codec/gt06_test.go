package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGT06Codec_DecodeLogin(t *testing.T) {
	// 78 78 0D 01 <8-byte BCD IMEI> <2-byte type> <crc:2> 0D 0A
	frame := []byte{
		0x78, 0x78, 0x0D, 0x01,
		0x03, 0x59, 0x71, 0x00, 0x45, 0x49, 0x00, 0x84,
		0x50, 0x00,
		0x00, 0x00,
		0x0D, 0x0A,
	}

	c := NewGT06()
	res := c.Decode(frame)

	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, len(frame), res.Consumed)
	assert.Equal(t, KindLogin, res.Event.Kind)
	assert.Equal(t, "0359710045490084", res.Event.IMEI)
}

func TestGT06Codec_NeedMore(t *testing.T) {
	c := NewGT06()

	res := c.Decode([]byte{0x78})
	assert.Equal(t, OutcomeNeedMore, res.Outcome)

	res = c.Decode([]byte{0x78, 0x78, 0x0D})
	assert.Equal(t, OutcomeNeedMore, res.Outcome)

	res = c.Decode([]byte{0x78, 0x78, 0x0D, 0x01, 0x02})
	assert.Equal(t, OutcomeNeedMore, res.Outcome)
}

func TestGT06Codec_RejectsBadStartOrStop(t *testing.T) {
	c := NewGT06()

	res := c.Decode([]byte{0x79, 0x78, 0x0D})
	assert.Equal(t, OutcomeReject, res.Outcome)

	bad := []byte{0x78, 0x78, 0x03, 0x13, 0x01, 0xAA, 0xAA, 0xAA}
	res = c.Decode(bad)
	assert.Equal(t, OutcomeReject, res.Outcome)
}

func TestGT06Codec_DecodeLocationCoordinateSign(t *testing.T) {
	c := NewGT06()

	// date 25-01-01 12:00:00, 4 sats, lat raw 0 (0,0 boundary case)
	data := []byte{
		25, 1, 1, 12, 0, 0, // date
		0x40,         // satellites nibble
		0, 0, 0, 0,   // lat raw
		0, 0, 0, 0,   // lon raw
		0,            // speed
		0x04, 0x00,   // course+flags: north bit clear -> south per our flag convention
	}
	event := &Event{}
	c.decodeLocation(data, event)

	require.NotNil(t, event.Latitude)
	require.NotNil(t, event.Longitude)
	assert.Equal(t, 0.0, *event.Latitude)
	assert.Equal(t, 0.0, *event.Longitude)
}

func TestGT06Codec_EncodeAcksMatchSpecExamples(t *testing.T) {
	c := NewGT06()

	ack := c.EncodeAuthAck(true)
	// 78 78 02 01 01 <crc:2> 0D 0A
	require.Len(t, ack, 9)
	assert.Equal(t, []byte{0x78, 0x78, 0x02, 0x01, 0x01}, ack[:5])
	assert.Equal(t, []byte{0x0D, 0x0A}, ack[len(ack)-2:])
}

func TestGT06Codec_EncodeCommandMatchesSpecExample(t *testing.T) {
	c := NewGT06()

	bytes, err := c.EncodeCommand(CommandEngineStop, nil)
	require.NoError(t, err)
	// 78 78 05 80 05 01 01 <crc:2> 0D 0A
	require.Len(t, bytes, 11)
	assert.Equal(t, []byte{0x78, 0x78, 0x05, 0x80, 0x05, 0x01, 0x01}, bytes[:7])
	assert.Equal(t, []byte{0x0D, 0x0A}, bytes[len(bytes)-2:])
}

func TestGT06Codec_EncodeCommandUnsupported(t *testing.T) {
	c := NewGT06()

	_, err := c.EncodeCommand(CommandKind("nonexistent"), nil)
	assert.ErrorIs(t, err, ErrUnsupportedCommand)
}

func TestCRC16Implementations(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}

	sum := SumCRC16{}.Checksum(data)
	assert.Equal(t, uint16(10), sum)

	itu := ITUCRC16{}
	assert.NotPanics(t, func() { itu.Checksum(data) })
}
