package codec

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/streambrowse/browserstream-go/internal/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := map[string][]byte{
		"empty":     {},
		"small":     []byte("hello, frame"),
		"jpeg-like": bytes.Repeat([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}, 500),
	}

	random := make([]byte, 4096)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	cases["random"] = random

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			payload, byteLen := Encode(raw)
			if byteLen != len(raw) {
				t.Fatalf("byteLen = %d, want %d", byteLen, len(raw))
			}

			decoded, err := Decode(payload)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(decoded, raw) {
				t.Fatalf("round-trip mismatch: got %d bytes, want %d bytes", len(decoded), len(raw))
			}
		})
	}
}

func TestEncodeProducesNoMIMEPrefix(t *testing.T) {
	payload, _ := Encode([]byte("raster-bytes"))
	if bytes.HasPrefix([]byte(payload), []byte("data:")) {
		t.Fatalf("payload must not carry a data-URL prefix, got %q", payload)
	}
}

func TestDecodeMalformedBase64(t *testing.T) {
	_, err := Decode("not-valid-base64!!!")
	if err == nil {
		t.Fatal("expected error for malformed base64 payload")
	}

	var opErr *types.OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *types.OpError, got %T", err)
	}
	if opErr.Kind != types.KindCodec {
		t.Fatalf("Kind = %v, want %v", opErr.Kind, types.KindCodec)
	}
}

func TestDecodeMalformedDeflateStream(t *testing.T) {
	// Valid base64, but the decoded bytes are not a deflate stream.
	_, err := Decode("aGVsbG8gd29ybGQ=")
	if err == nil {
		t.Fatal("expected error for non-deflate payload")
	}

	var opErr *types.OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *types.OpError, got %T", err)
	}
	if opErr.Kind != types.KindCodec {
		t.Fatalf("Kind = %v, want %v", opErr.Kind, types.KindCodec)
	}
}
