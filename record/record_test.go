package record

import (
	"bytes"
	"testing"

	"github.com/tinylib/msgp/msgp"
)

func encodeBodyMap() []byte {
	var b []byte
	b = msgp.AppendMapHeader(b, 1)
	b = msgp.AppendString(b, "space_id")
	b = msgp.AppendInt(b, 512)
	return b
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	body := encodeBodyMap()
	r := Row{
		Type:      Insert,
		Sync:      42,
		ServerID:  1,
		LSN:       7,
		Timestamp: 1234.5,
		Body:      [][]byte{body},
	}
	enc := Encode(nil, r)
	got, rest, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes, got %d", len(rest))
	}
	if got.Type != r.Type || got.Sync != r.Sync || got.ServerID != r.ServerID ||
		got.LSN != r.LSN || got.Timestamp != r.Timestamp {
		t.Fatalf("round-trip mismatch: %+v vs %+v", got, r)
	}
	if len(got.Body) != 1 || !bytes.Equal(got.Body[0], body) {
		t.Fatalf("body round-trip mismatch: %v", got.Body)
	}
}

func TestDecodeConcatenatedRows(t *testing.T) {
	r1 := Row{Type: Insert, ServerID: 1, LSN: 1, Body: [][]byte{encodeBodyMap()}}
	r2 := Row{Type: Delete, ServerID: 1, LSN: 2}
	buf := Encode(nil, r1)
	buf = Encode(buf, r2)

	got1, rest, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got1.LSN != 1 {
		t.Fatalf("expected first row lsn 1, got %d", got1.LSN)
	}
	got2, rest, err := Decode(rest)
	if err != nil {
		t.Fatal(err)
	}
	if got2.LSN != 2 || len(got2.Body) != 0 {
		t.Fatalf("expected second row lsn 2 with no body, got %+v", got2)
	}
	if len(rest) != 0 {
		t.Fatalf("expected stream fully consumed, got %d bytes left", len(rest))
	}
}

func TestDecodeTruncatedIsInvalid(t *testing.T) {
	r := Row{Type: Insert, ServerID: 1, LSN: 1, Body: [][]byte{encodeBodyMap()}}
	buf := Encode(nil, r)
	_, _, err := Decode(buf[:len(buf)-2])
	if err == nil {
		t.Fatal("expected decode of truncated buffer to fail")
	}
}

func TestIsLocal(t *testing.T) {
	r := Row{ServerID: 0}
	if !r.IsLocal() {
		t.Fatal("server_id 0 should be local")
	}
	r.ServerID = 3
	if r.IsLocal() {
		t.Fatal("server_id 3 should not be local")
	}
}
