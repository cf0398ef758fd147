package xlog

import (
	"bytes"
	"testing"
)

func TestWireFrameRoundTrip(t *testing.T) {
	row := []byte("a fake encoded row")
	frame, err := EncodeWireFrame(row, false)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadWireFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, row) {
		t.Fatalf("got %q want %q", got, row)
	}
}

func TestWireFrameCompressed(t *testing.T) {
	row := bytes.Repeat([]byte("row-payload-"), 500)
	frame, err := EncodeWireFrame(row, true)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadWireFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, row) {
		t.Fatalf("round trip mismatch, lengths %d vs %d", len(got), len(row))
	}
}

func TestWireEOFMarker(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEOFMarker(&buf); err != nil {
		t.Fatal(err)
	}
	_, err := ReadWireFrame(&buf)
	if err != ErrEOFMarker {
		t.Fatalf("expected ErrEOFMarker, got %v", err)
	}
}
