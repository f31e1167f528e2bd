package codec

import (
	"testing"

	"github.com/autobridge/autobridge/protocol"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Get("application/json") == nil {
		t.Fatal("expected JSON codec preloaded")
	}
	if r.Get("application/cbor") != nil {
		t.Fatal("CBOR should not be preloaded")
	}

	c, err := CBOR()
	if err != nil {
		t.Fatalf("cbor init: %v", err)
	}
	r.Register(c)
	if r.Get("application/cbor") == nil {
		t.Fatal("expected CBOR codec after Register")
	}
}

func TestRoundTrip(t *testing.T) {
	cborCodec, err := CBOR()
	if err != nil {
		t.Fatalf("cbor init: %v", err)
	}
	for _, c := range []Codec{JSON(), cborCodec} {
		t.Run(c.ContentType(), func(t *testing.T) {
			in := protocol.Message{Type: protocol.KindCommand, Timestamp: 42}
			data, err := c.Marshal(&in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var out protocol.Message
			if err := c.Unmarshal(data, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out.Type != in.Type || out.Timestamp != in.Timestamp {
				t.Errorf("round trip mismatch: %+v != %+v", out, in)
			}
		})
	}
}
