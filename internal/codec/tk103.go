package codec

import (
	"bytes"
	"strings"
)

// TK103Codec implements the ASCII tk103 dialect: "##"-prefixed,
// comma-separated frames carrying a field that starts with "imei:". It sits
// after gps303 in the fixed composite order, but gps303 accepts every
// "##"-prefixed buffer unconditionally (per spec §4.2's "any content"
// wording), so Composite.Decode can never fall through to this codec in
// practice — it is structurally unreachable through the composite dispatch
// path and is kept for direct construction (NewTK103) and as documentation
// of the dialect.
type TK103Codec struct{}

func NewTK103() *TK103Codec { return &TK103Codec{} }

func (c *TK103Codec) Fingerprint() Fingerprint { return FingerprintTK103 }

func (c *TK103Codec) Decode(buf []byte) Result {
	if !bytes.HasPrefix(buf, []byte("##")) {
		return Result{Outcome: OutcomeReject}
	}

	consumed := frameEnd(buf)
	text := strings.TrimSuffix(strings.TrimSpace(string(buf[:consumed])), ";")
	fields := strings.Split(text, ",")

	event := &Event{Fingerprint: FingerprintTK103}
	for _, field := range fields {
		if strings.HasPrefix(field, "imei:") {
			event.Kind = KindLogin
			event.IMEI = strings.TrimPrefix(field, "imei:")
			return Result{Outcome: OutcomeSuccess, Event: event, Consumed: consumed}
		}
	}

	event.Kind = KindUnknown
	event.ASCII = text
	return Result{Outcome: OutcomeSuccess, Event: event, Consumed: consumed}
}

func (c *TK103Codec) EncodeAuthAck(ok bool) []byte {
	if !ok {
		return nil
	}
	return []byte("LOAD")
}

func (c *TK103Codec) EncodeLoginAck(ok bool) []byte {
	return c.EncodeAuthAck(ok)
}

func (c *TK103Codec) EncodeLocationAck(sequence uint16) []byte {
	return []byte("ON")
}

func (c *TK103Codec) EncodeHeartbeatAck() []byte {
	return []byte("ON")
}

func (c *TK103Codec) EncodeCommand(kind CommandKind, params map[string]any) ([]byte, error) {
	return nil, ErrUnsupportedCommand
}
