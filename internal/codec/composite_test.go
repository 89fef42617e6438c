package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposite_FallsThroughToGeneric(t *testing.T) {
	c := NewComposite()

	res, fp := c.Decode([]byte{0x00, 0x01, 0x02}, "")

	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, FingerprintGeneric, fp)
	assert.Equal(t, KindUnknown, res.Event.Kind)
}

func TestComposite_FixesFingerprintOnFirstSuccess(t *testing.T) {
	c := NewComposite()

	loginFrame := []byte{
		0x78, 0x78, 0x0D, 0x01,
		0x03, 0x59, 0x71, 0x00, 0x45, 0x49, 0x00, 0x84,
		0x50, 0x00, 0x00, 0x00,
		0x0D, 0x0A,
	}

	res, fp := c.Decode(loginFrame, "")
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, FingerprintGT06, fp)

	// Once fixed, subsequent decodes on this session go straight to the
	// locked-in sub-codec rather than re-running the trial order.
	heartbeat := []byte{0x78, 0x78, 0x06, 0x13, 0x01, 0x04, 0x03, 0x00, 0x00, 0x0D, 0x0A}
	res2, fp2 := c.Decode(heartbeat, fp)
	require.Equal(t, OutcomeSuccess, res2.Outcome)
	assert.Equal(t, FingerprintGT06, fp2)
	assert.Equal(t, KindHeartbeat, res2.Event.Kind)
}

func TestComposite_FixedFingerprintRejectsUnknownProtocol(t *testing.T) {
	c := NewComposite()
	res, fp := c.Decode([]byte{0x01}, Fingerprint("bogus"))
	assert.Equal(t, OutcomeReject, res.Outcome)
	assert.Equal(t, Fingerprint("bogus"), fp)
}

func TestComposite_NeedMorePreservesBuffer(t *testing.T) {
	c := NewComposite()

	// Looks like the start of a GT06 frame but is too short to decode yet.
	res, fp := c.Decode([]byte{0x78, 0x78}, "")
	assert.Equal(t, OutcomeNeedMore, res.Outcome)
	assert.Equal(t, Fingerprint(""), fp)
}

func TestComposite_DeterministicConsumption(t *testing.T) {
	c := NewComposite()
	frame := []byte{
		0x78, 0x78, 0x0D, 0x01,
		0x03, 0x59, 0x71, 0x00, 0x45, 0x49, 0x00, 0x84,
		0x50, 0x00, 0x00, 0x00,
		0x0D, 0x0A,
	}
	tail := []byte("imei:359710045490084,tracker,250101120000,,F,120000.000,A,2230.0000,S,04310.0000,W,1,x")
	buf := append(append([]byte(nil), frame...), tail...)

	res, fp := c.Decode(buf, "")
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, len(frame), res.Consumed)

	remaining := buf[res.Consumed:]
	assert.Equal(t, tail, remaining)

	_, fp2 := c.Decode(remaining, fp)
	assert.Equal(t, fp, fp2)
}
