package codec

import "testing"

func TestH02Codec_AlwaysRejects(t *testing.T) {
	c := NewH02()
	res := c.Decode([]byte{0x01, 0x02, 0x03})
	if res.Outcome != OutcomeReject {
		t.Fatalf("expected OutcomeReject, got %v", res.Outcome)
	}
}

func TestH02Codec_EncodeCommandUnsupported(t *testing.T) {
	c := NewH02()
	_, err := c.EncodeCommand(CommandLocate, nil)
	if err != ErrUnsupportedCommand {
		t.Fatalf("expected ErrUnsupportedCommand, got %v", err)
	}
}
