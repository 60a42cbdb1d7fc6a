package slip

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestEncode_EmptyData(t *testing.T) {
	result := Encode(nil)
	expected := []byte{End, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(nil) = %v, want %v", result, expected)
	}
}

func TestEncode_NoSpecialBytes(t *testing.T) {
	input := []byte{0x01, 0x02, 0x03, 0x04}
	result := Encode(input)
	expected := []byte{End, 0x01, 0x02, 0x03, 0x04, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestEncode_EscapeEndByte(t *testing.T) {
	input := []byte{0x01, End, 0x03}
	result := Encode(input)
	expected := []byte{End, 0x01, Esc, EscEnd, 0x03, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestEncode_EscapeEscByte(t *testing.T) {
	input := []byte{0x01, Esc, 0x03}
	result := Encode(input)
	expected := []byte{End, 0x01, Esc, EscEsc, 0x03, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestDecode_UnescapeEndByte(t *testing.T) {
	frame := []byte{End, 0x01, Esc, EscEnd, 0x03, End}
	result := Decode(frame)
	expected := []byte{0x01, End, 0x03}
	if !bytes.Equal(result, expected) {
		t.Errorf("Decode(%v) = %v, want %v", frame, result, expected)
	}
}

func TestDecode_UnknownEscapeSequence(t *testing.T) {
	// Matches the reference bootloader's tolerant behavior: a lone Esc
	// followed by a byte that isn't EscEnd/EscEsc passes that byte through.
	frame := []byte{End, 0x01, Esc, 0xFF, 0x03, End}
	result := Decode(frame)
	expected := []byte{0x01, 0xFF, 0x03}
	if !bytes.Equal(result, expected) {
		t.Errorf("Decode(%v) = %v, want %v", frame, result, expected)
	}
}

func TestDecode_TooShort(t *testing.T) {
	if Decode([]byte{End}) != nil {
		t.Error("Decode of single byte should be nil")
	}
	if Decode(nil) != nil {
		t.Error("Decode(nil) should be nil")
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x01, 0x02, 0x03},
		{End},
		{Esc},
		{End, Esc},
		{0x00, End, 0x00, Esc, 0x00},
		{0xFF, 0xFE, 0xFD},
	}
	for i, tc := range cases {
		got := Decode(Encode(tc))
		if !bytes.Equal(got, tc) {
			t.Errorf("case %d: round trip = %v, want %v", i, got, tc)
		}
	}
}

func TestEncodeDecode_RoundTrip_Random(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		n := rng.Intn(300)
		b := make([]byte, n)
		rng.Read(b)
		if got := Decode(Encode(b)); !bytes.Equal(got, b) {
			t.Fatalf("round trip failed for %v: got %v", b, got)
		}
	}
}

func TestReadFrame_MultipleFrames(t *testing.T) {
	frame1 := []byte{End, 0x01, 0x02, End}
	frame2 := []byte{End, 0x03, 0x04, End}
	data := append(append([]byte{}, frame1...), frame2...)

	frame, remaining := ReadFrame(data)
	if !bytes.Equal(frame, frame1) {
		t.Errorf("first frame = %v, want %v", frame, frame1)
	}
	if !bytes.Equal(remaining, frame2) {
		t.Errorf("remaining = %v, want %v", remaining, frame2)
	}
}

func TestReadFrame_IncompleteFrame(t *testing.T) {
	data := []byte{End, 0x01, 0x02}
	frame, remaining := ReadFrame(data)
	if frame != nil {
		t.Errorf("incomplete frame = %v, want nil", frame)
	}
	if !bytes.Equal(remaining, data) {
		t.Errorf("remaining = %v, want %v", remaining, data)
	}
}

func TestReadFrame_LeadingGarbage(t *testing.T) {
	data := []byte{0x01, 0x02, End, 0x03, 0x04, End}
	frame, remaining := ReadFrame(data)
	expected := []byte{End, 0x03, 0x04, End}
	if !bytes.Equal(frame, expected) {
		t.Errorf("frame = %v, want %v", frame, expected)
	}
	if len(remaining) != 0 {
		t.Errorf("remaining = %v, want []", remaining)
	}
}

func TestFrameReader_ByteAtATime(t *testing.T) {
	var r FrameReader
	stream := []byte{End, 0x01, 0x02, 0x03, End}

	var got []byte
	for _, b := range stream {
		if f := r.Feed([]byte{b}); f != nil {
			got = f
		}
	}
	if !bytes.Equal(got, stream) {
		t.Errorf("FrameReader byte-at-a-time = %v, want %v", got, stream)
	}
}

func TestFrameReader_DiscardsStrayBytesBeforeOpen(t *testing.T) {
	var r FrameReader
	if f := r.Feed([]byte{0xAA, 0xBB, End}); f != nil {
		t.Fatalf("unexpected frame from opener alone: %v", f)
	}
	got := r.Feed([]byte{0x01, 0x02, End})
	want := []byte{End, 0x01, 0x02, End}
	if !bytes.Equal(got, want) {
		t.Errorf("FrameReader = %v, want %v (stray bytes before opening End must be discarded)", got, want)
	}
}

func TestFrameReader_DoubleEndDoesNotCloseEmptyFrame(t *testing.T) {
	var r FrameReader
	// End End 0x01 End: the second End restarts the opener; only the
	// final End after real content closes a frame.
	if f := r.Feed([]byte{End, End}); f != nil {
		t.Fatalf("two adjacent End bytes must not yield an empty frame, got %v", f)
	}
	got := r.Feed([]byte{0x01, End})
	want := []byte{End, 0x01, End}
	if !bytes.Equal(got, want) {
		t.Errorf("FrameReader = %v, want %v", got, want)
	}
}

func TestFrameReader_MultipleFramesSequentially(t *testing.T) {
	var r FrameReader
	f1 := r.Feed([]byte{End, 0x01, End})
	if !bytes.Equal(f1, []byte{End, 0x01, End}) {
		t.Fatalf("first frame = %v", f1)
	}
	f2 := r.Feed([]byte{End, 0x02, End})
	if !bytes.Equal(f2, []byte{End, 0x02, End}) {
		t.Fatalf("second frame = %v", f2)
	}
}

func TestFrameReader_Reset(t *testing.T) {
	var r FrameReader
	r.Feed([]byte{End, 0x01, 0x02})
	r.Reset()
	got := r.Feed([]byte{0x01, End, 0x03, End})
	want := []byte{End, 0x03, End}
	if !bytes.Equal(got, want) {
		t.Errorf("after Reset, FrameReader = %v, want %v", got, want)
	}
}
