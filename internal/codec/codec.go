// Package codec turns raw raster bytes into the compressed, base64-encoded
// payload carried on the wire by the Frame Codec (spec.md §4.1).
package codec

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"io"

	"github.com/streambrowse/browserstream-go/internal/types"
)

// compressionLevel matches the teacher's preference for a fixed, moderate
// compression level rather than exposing a tunable — flate.DefaultCompression
// (6) balances CPU against payload size well for the ~30-60fps cadence this
// loop targets.
const compressionLevel = flate.DefaultCompression

// Encode DEFLATE-compresses rawBytes and returns the base64 encoding of the
// compressed blob plus its decoded byte length. The returned payload carries
// no image MIME prefix; the client reconstructs a data URL after decoding.
// Quality is assumed already baked into the raster step upstream; Encode
// never fails for well-formed input (flate.NewWriter/Write/Close over an
// in-memory buffer cannot error).
func Encode(rawBytes []byte) (payload string, byteLen int) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, compressionLevel)
	if err != nil {
		// flate.NewWriter only errors for an out-of-range level constant,
		// which compressionLevel never is.
		panic("codec: invalid compression level: " + err.Error())
	}
	if _, err := w.Write(rawBytes); err != nil {
		panic("codec: in-memory flate write failed: " + err.Error())
	}
	if err := w.Close(); err != nil {
		panic("codec: in-memory flate close failed: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), len(rawBytes)
}

// Decode reverses Encode: base64-decode then INFLATE. Provided for
// round-trip symmetry and tests; production encode/decode happens on
// opposite ends of the wire so only one side of this pair runs per process
// in practice.
func Decode(payload string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, types.NewCodecError("decode", err)
	}

	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, types.NewCodecError("decode", err)
	}
	return raw, nil
}
