package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTK103Codec_LoginFieldExtracted(t *testing.T) {
	c := NewTK103()
	res := c.Decode([]byte("##,tracker,imei:123456789012345,status;"))

	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, KindLogin, res.Event.Kind)
	assert.Equal(t, "123456789012345", res.Event.IMEI)
}

func TestTK103Codec_RejectsNonHashPrefix(t *testing.T) {
	c := NewTK103()
	res := c.Decode([]byte("imei:123456789012345,tracker"))
	assert.Equal(t, OutcomeReject, res.Outcome)
}

func TestTK103Codec_Acks(t *testing.T) {
	c := NewTK103()
	assert.Equal(t, []byte("LOAD"), c.EncodeLoginAck(true))
	assert.Equal(t, []byte("ON"), c.EncodeHeartbeatAck())
}
