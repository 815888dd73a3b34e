package slot

import "testing"

func TestOfBounds(t *testing.T) {
	keys := []string{"", "foo", "bar", "user:1000", "{}", "x{}", strOfLen(500)}
	for _, k := range keys {
		s := OfString(k)
		if s >= Count {
			t.Fatalf("Of(%q) = %d, want < %d", k, s, Count)
		}
	}
}

func TestEmptyKeySlotIsZero(t *testing.T) {
	if got := OfString(""); got != 0 {
		t.Fatalf("OfString(\"\") = %d, want 0", got)
	}
}

func TestHashTagColocatesKeys(t *testing.T) {
	a := OfString("user:{42}:name")
	b := OfString("user:{42}:email")
	if a != b {
		t.Fatalf("tagged keys got different slots: %d != %d", a, b)
	}
}

func TestEmptyHashTagUsesFullKey(t *testing.T) {
	if OfString("{}") != OfString("{}") {
		t.Fatalf("determinism failed")
	}
	// "{}" and "x{}" must NOT collapse to the same tag -- both use their
	// full key since the tag between the braces is empty.
	full := OfString("x{}")
	bare := OfString("{}")
	// compute each independently against its own full-key CRC to make
	// sure neither was routed through the empty substring.
	if want := crc16([]byte("x{}")) % Count; full != want {
		t.Fatalf("OfString(\"x{}\") did not hash the full key")
	}
	if want := crc16([]byte("{}")) % Count; bare != want {
		t.Fatalf("OfString(\"{}\") did not hash the full key")
	}
}

func TestUnclosedBraceUsesFullKey(t *testing.T) {
	key := "abc{def"
	got := OfString(key)
	want := crc16([]byte(key)) % Count
	if got != want {
		t.Fatalf("unclosed brace should hash full key: got %d want %d", got, want)
	}
}

func TestNestedBracesUseFirstPair(t *testing.T) {
	key := "{a{b}c}"
	got := OfString(key)
	want := crc16([]byte("a{b")) % Count
	if got != want {
		t.Fatalf("nested braces should stop at first '}': got %d want %d", got, want)
	}
}

func TestDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		if OfString("some-key") != OfString("some-key") {
			t.Fatalf("slot computation is not deterministic")
		}
	}
}

// known CRC16-XMODEM vectors, independent of the slot-mod-16384 step
func TestCRC16Vectors(t *testing.T) {
	cases := []struct {
		in   string
		want uint16
	}{
		{"", 0x0000},
		{"123456789", 0x31C3},
	}
	for _, c := range cases {
		if got := crc16([]byte(c.in)); got != c.want {
			t.Fatalf("crc16(%q) = %#04x, want %#04x", c.in, got, c.want)
		}
	}
}

func strOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return string(b)
}
