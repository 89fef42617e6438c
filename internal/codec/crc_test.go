package codec

import "testing"

func TestSumCRC16_AdditiveSum(t *testing.T) {
	c := SumCRC16{}
	got := c.Checksum([]byte{0x01, 0x02, 0xFF})
	want := uint16(0x01 + 0x02 + 0xFF)
	if got != want {
		t.Fatalf("Checksum() = 0x%04X, want 0x%04X", got, want)
	}
}

func TestSumCRC16_Empty(t *testing.T) {
	c := SumCRC16{}
	if got := c.Checksum(nil); got != 0 {
		t.Fatalf("Checksum(nil) = 0x%04X, want 0", got)
	}
}

func TestITUCRC16_KnownCheckValue(t *testing.T) {
	// "123456789" is the standard CRC-16/X-25 check string; 0x906E is its
	// published check value for this polynomial/init/xorout combination.
	c := ITUCRC16{}
	got := c.Checksum([]byte("123456789"))
	want := uint16(0x906E)
	if got != want {
		t.Fatalf("Checksum() = 0x%04X, want 0x%04X", got, want)
	}
}

func TestDefaultCRC16_IsSumCRC16(t *testing.T) {
	if _, ok := DefaultCRC16.(SumCRC16); !ok {
		t.Fatalf("DefaultCRC16 = %T, want SumCRC16", DefaultCRC16)
	}
}
