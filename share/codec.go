package plshare

// Codec transforms a payload on its way to or from the wire. Encode and
// Decode must be inverses for every non-empty payload; empty payloads are
// rejected rather than silently passed through, so that a zero-length pipe
// read (the disconnect marker) can never be mistaken for a message.
type Codec interface {
	// Encode transforms a payload for transmission
	Encode(data []byte) ([]byte, error)

	// Decode reverses Encode
	Decode(data []byte) ([]byte, error)
}

// ApplyCodec dispatches to Decode when decode is true, Encode otherwise
func ApplyCodec(c Codec, data []byte, decode bool) ([]byte, error) {
	if decode {
		return c.Decode(data)
	}
	return c.Encode(data)
}

// CompositeCodec chains an ordered list of codecs. Encode applies them in
// order; Decode applies them in reverse order.
type CompositeCodec struct {
	codecs []Codec
}

// NewCompositeCodec creates a CompositeCodec over the given codecs. Nil
// entries are skipped, so optional stages can be passed straight through.
func NewCompositeCodec(codecs ...Codec) *CompositeCodec {
	cc := &CompositeCodec{}
	for _, c := range codecs {
		if c != nil {
			cc.codecs = append(cc.codecs, c)
		}
	}
	return cc
}

// IsEmpty returns true if the chain has no stages
func (cc *CompositeCodec) IsEmpty() bool {
	return len(cc.codecs) == 0
}

// Encode applies each codec in order
func (cc *CompositeCodec) Encode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, codecErrorf("cannot encode an empty payload")
	}
	var err error
	for _, c := range cc.codecs {
		data, err = c.Encode(data)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Decode applies each codec in reverse order
func (cc *CompositeCodec) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, codecErrorf("cannot decode an empty payload")
	}
	var err error
	for i := len(cc.codecs) - 1; i >= 0; i-- {
		data, err = cc.codecs[i].Decode(data)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}
