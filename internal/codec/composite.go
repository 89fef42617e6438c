package codec

// Composite tries sub-codecs in a fixed order and falls back to a generic
// catch-all. It never holds per-session state itself — the caller threads
// the session's fixed Fingerprint (or "" before it is known) through each
// call, matching the registry's single-writer-per-session discipline.
type Composite struct {
	order   []SubCodec
	generic SubCodec
}

// NewComposite builds the standard gateway codec: gps303, gt06, tk103, h02
// tried in that order, generic as the catch-all.
func NewComposite() *Composite {
	return &Composite{
		order: []SubCodec{
			NewGPS303(),
			NewGT06(),
			NewTK103(),
			NewH02(),
		},
		generic: NewGeneric(),
	}
}

// Decode tries the fixed sub-codec if one was already locked in for the
// session, otherwise tries each sub-codec in order and returns the first
// one that doesn't reject. The returned Fingerprint is the one the caller
// should remember for subsequent calls on this session; it is only ever
// set (never cleared) by a successful decode.
func (c *Composite) Decode(buf []byte, fixed Fingerprint) (Result, Fingerprint) {
	if fixed != "" {
		sc := c.byFingerprint(fixed)
		if sc == nil {
			return Result{Outcome: OutcomeReject}, fixed
		}
		return sc.Decode(buf), fixed
	}

	for _, sc := range c.order {
		res := sc.Decode(buf)
		if res.Outcome == OutcomeReject {
			continue
		}
		next := fixed
		if res.Outcome == OutcomeSuccess {
			next = sc.Fingerprint()
		}
		return res, next
	}

	res := c.generic.Decode(buf)
	return res, FingerprintGeneric
}

// SubCodecFor returns the sub-codec backing a fixed fingerprint, used by
// sessions to reach Encode* once authenticated.
func (c *Composite) SubCodecFor(fp Fingerprint) SubCodec {
	return c.byFingerprint(fp)
}

func (c *Composite) byFingerprint(fp Fingerprint) SubCodec {
	if fp == FingerprintGeneric {
		return c.generic
	}
	for _, sc := range c.order {
		if sc.Fingerprint() == fp {
			return sc
		}
	}
	return nil
}
