package plshare

import (
	"bytes"
	"compress/flate"
	"io"
)

// DeflateCodec compresses payloads with raw DEFLATE at the fastest preset.
// It is stateless; one instance may be shared by any number of channels.
type DeflateCodec struct{}

// NewDeflateCodec creates a DeflateCodec
func NewDeflateCodec() *DeflateCodec {
	return &DeflateCodec{}
}

// Encode compresses data
func (c *DeflateCodec) Encode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, codecErrorf("cannot compress an empty payload")
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, codecErrorf("cannot initialize deflate: %s", err)
	}
	if _, err = w.Write(data); err != nil {
		return nil, codecErrorf("deflate write failed: %s", err)
	}
	if err = w.Close(); err != nil {
		return nil, codecErrorf("deflate flush failed: %s", err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses data. Any valid DEFLATE stream is accepted, including
// one that inflates to nothing.
func (c *DeflateCodec) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, codecErrorf("cannot decompress an empty payload")
	}
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, codecErrorf("deflate stream is malformed: %s", err)
	}
	return out, nil
}
