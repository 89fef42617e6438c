package codec

// H02Codec is a placeholder: the reference implementation never defined
// this dialect's framing, and spec §9 open question 3 says to reject
// rather than guess. Every buffer is rejected, handing decode down to the
// generic fallback.
type H02Codec struct{}

func NewH02() *H02Codec { return &H02Codec{} }

func (c *H02Codec) Fingerprint() Fingerprint { return FingerprintH02 }

func (c *H02Codec) Decode(buf []byte) Result {
	return Result{Outcome: OutcomeReject}
}

func (c *H02Codec) EncodeAuthAck(ok bool) []byte { return nil }

func (c *H02Codec) EncodeLoginAck(ok bool) []byte { return nil }

func (c *H02Codec) EncodeLocationAck(sequence uint16) []byte { return nil }

func (c *H02Codec) EncodeHeartbeatAck() []byte { return nil }

func (c *H02Codec) EncodeCommand(kind CommandKind, params map[string]any) ([]byte, error) {
	return nil, ErrUnsupportedCommand
}
