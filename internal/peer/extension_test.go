package peer

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestExtendedHandshake_MarshalUnmarshalRoundTrip(t *testing.T) {
	h := &ExtendedHandshake{
		M:            map[string]int64{extNameMetadata: 1, extNamePEX: 2},
		P:            6881,
		V:            "rabbitcore/1.0",
		ReqQ:         32,
		MetadataSize: 4096,
	}

	body, err := MarshalExtendedHandshake(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := UnmarshalExtendedHandshake(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.M[extNameMetadata] != 1 || got.M[extNamePEX] != 2 {
		t.Fatalf("M = %v, want metadata=1 pex=2", got.M)
	}
	if got.P != h.P {
		t.Fatalf("P = %d, want %d", got.P, h.P)
	}
	if got.V != h.V {
		t.Fatalf("V = %q, want %q", got.V, h.V)
	}
	if got.ReqQ != h.ReqQ {
		t.Fatalf("ReqQ = %d, want %d", got.ReqQ, h.ReqQ)
	}
	if got.MetadataSize != h.MetadataSize {
		t.Fatalf("MetadataSize = %d, want %d", got.MetadataSize, h.MetadataSize)
	}
}

func TestExtendedHandshake_OmitsZeroOptionalFields(t *testing.T) {
	h := &ExtendedHandshake{M: map[string]int64{extNameMetadata: 1}}

	body, err := MarshalExtendedHandshake(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := UnmarshalExtendedHandshake(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.P != 0 || got.V != "" || got.ReqQ != 0 || got.MetadataSize != 0 {
		t.Fatalf("expected zero optional fields, got %+v", got)
	}
}

func TestExtendedHandshake_IgnoresInvalidYourIP(t *testing.T) {
	h := &ExtendedHandshake{M: map[string]int64{}, YourIP: netip.Addr{}}

	if _, err := MarshalExtendedHandshake(h); err != nil {
		t.Fatalf("marshal with invalid YourIP should not fail: %v", err)
	}
}

func TestMetadataMessage_RequestRoundTrip(t *testing.T) {
	body := marshalMetadataMessage(metadataMessage{Type: metadataRequest, Piece: 3})

	got, err := unmarshalMetadataMessage(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != metadataRequest || got.Piece != 3 {
		t.Fatalf("got %+v, want Type=request Piece=3", got)
	}
	if len(got.Block) != 0 {
		t.Fatalf("request message should carry no block, got %d bytes", len(got.Block))
	}
}

func TestMetadataMessage_DataRoundTripWithTrailingBlock(t *testing.T) {
	block := bytes.Repeat([]byte{0x42}, MetadataBlockSize)
	body := marshalMetadataMessage(metadataMessage{
		Type:      metadataData,
		Piece:     1,
		TotalSize: 40000,
		Block:     block,
	})

	got, err := unmarshalMetadataMessage(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != metadataData || got.Piece != 1 || got.TotalSize != 40000 {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Block, block) {
		t.Fatalf("block mismatch: got %d bytes, want %d", len(got.Block), len(block))
	}
}

func TestMetadataMessage_RejectRoundTrip(t *testing.T) {
	body := marshalMetadataMessage(metadataMessage{Type: metadataReject, Piece: 7})

	got, err := unmarshalMetadataMessage(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != metadataReject || got.Piece != 7 {
		t.Fatalf("got %+v, want Type=reject Piece=7", got)
	}
}

func TestMetadataMessage_MalformedMissingMsgType(t *testing.T) {
	// A dict with no msg_type key should be rejected, not silently zero.
	if _, err := unmarshalMetadataMessage([]byte("d5:piecei0ee")); err == nil {
		t.Fatalf("expected error for missing msg_type")
	}
}
