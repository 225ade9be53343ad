package plshare

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var testPayload = []byte{4, 8, 15, 16, 23, 42}

func TestAESRoundTripSmall(t *testing.T) {
	c1, err := NewAESCodec()
	require.NoError(t, err)

	e1, err := c1.Encode(testPayload)
	require.NoError(t, err)
	e2, err := c1.Encode(testPayload)
	require.NoError(t, err)
	require.NotEqual(t, e1, e2, "repeated encryptions must differ (IV freshness)")

	c2, err := NewAESCodecWithKey(c1.Key())
	require.NoError(t, err)
	d1, err := c2.Decode(e1)
	require.NoError(t, err)
	d2, err := c2.Decode(e2)
	require.NoError(t, err)
	require.Equal(t, testPayload, d1)
	require.Equal(t, testPayload, d2)
}

func TestAESRoundTripLarge(t *testing.T) {
	payload := make([]byte, 8192)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	c, err := NewAESCodec()
	require.NoError(t, err)
	e1, err := c.Encode(payload)
	require.NoError(t, err)
	e2, err := c.Encode(payload)
	require.NoError(t, err)
	require.NotEqual(t, e1, e2)

	for _, e := range [][]byte{e1, e2} {
		d, err := c.Decode(e)
		require.NoError(t, err)
		require.Equal(t, payload, d)
	}
}

func TestAESKeyValidation(t *testing.T) {
	_, err := NewAESCodecWithKey([]byte("short"))
	require.ErrorIs(t, err, ErrConfig)

	c, err := NewAESCodec()
	require.NoError(t, err)
	err = c.SetKey(make([]byte, 16))
	require.ErrorIs(t, err, ErrConfig)
}

func TestAESSetKeyKeepsIV(t *testing.T) {
	c, err := NewAESCodec()
	require.NoError(t, err)
	before := c.KeyPack()

	newKey := make([]byte, AESKeySize)
	_, err = rand.Read(newKey)
	require.NoError(t, err)
	require.NoError(t, c.SetKey(newKey))

	after := c.KeyPack()
	require.Equal(t, newKey, after[:AESKeySize])
	require.Equal(t, before[AESKeySize:], after[AESKeySize:], "SetKey must not touch the IV")
}

func TestAESKeyPackRoundTrip(t *testing.T) {
	c1, err := NewAESCodec()
	require.NoError(t, err)
	pack := c1.KeyPack()
	require.Len(t, pack, KeyPackSize)

	c2, err := NewAESCodec()
	require.NoError(t, err)
	require.NoError(t, c2.LoadKeyPack(pack))

	e, err := c1.Encode(testPayload)
	require.NoError(t, err)
	d, err := c2.Decode(e)
	require.NoError(t, err)
	require.Equal(t, testPayload, d)

	require.ErrorIs(t, c2.LoadKeyPack(pack[:20]), ErrConfig)
}

func TestAESDecodeErrors(t *testing.T) {
	c, err := NewAESCodec()
	require.NoError(t, err)

	_, err = c.Decode(nil)
	require.ErrorIs(t, err, ErrCodec)

	_, err = c.Decode(make([]byte, AESBlockLen))
	require.ErrorIs(t, err, ErrCodec, "ciphertext shorter than IV plus one block")

	_, err = c.Decode(make([]byte, AESBlockLen+7))
	require.ErrorIs(t, err, ErrCodec, "unaligned ciphertext")

	e, err := c.Encode(testPayload)
	require.NoError(t, err)
	e[len(e)-1] ^= 0xff
	_, err = c.Decode(e)
	require.ErrorIs(t, err, ErrCodec, "tampered padding")
}

func TestAESEncodeEmpty(t *testing.T) {
	c, err := NewAESCodec()
	require.NoError(t, err)
	_, err = c.Encode(nil)
	require.ErrorIs(t, err, ErrCodec)
}

func TestAESFromPassphrase(t *testing.T) {
	salt := []byte("pipelink-test-salt")
	c1, err := NewAESCodecFromPassphrase("correct horse battery staple", salt)
	require.NoError(t, err)
	c2, err := NewAESCodecFromPassphrase("correct horse battery staple", salt)
	require.NoError(t, err)
	require.Equal(t, c1.Key(), c2.Key(), "same passphrase and salt must derive the same key")

	c3, err := NewAESCodecFromPassphrase("wrong passphrase", salt)
	require.NoError(t, err)
	require.NotEqual(t, c1.Key(), c3.Key())

	e, err := c1.Encode(testPayload)
	require.NoError(t, err)
	d, err := c2.Decode(e)
	require.NoError(t, err)
	require.Equal(t, testPayload, d)
}

func TestDeflateRoundTrip(t *testing.T) {
	c := NewDeflateCodec()
	payload := bytes.Repeat([]byte("compress me "), 100)
	e, err := c.Encode(payload)
	require.NoError(t, err)
	require.Less(t, len(e), len(payload))
	d, err := c.Decode(e)
	require.NoError(t, err)
	require.Equal(t, payload, d)
}

func TestDeflateErrors(t *testing.T) {
	c := NewDeflateCodec()
	_, err := c.Encode(nil)
	require.ErrorIs(t, err, ErrCodec)
	_, err = c.Decode(nil)
	require.ErrorIs(t, err, ErrCodec)
	_, err = c.Decode([]byte{0x01})
	require.ErrorIs(t, err, ErrCodec, "truncated deflate stream")
}

func TestCompositeRoundTrips(t *testing.T) {
	aes, err := NewAESCodec()
	require.NoError(t, err)
	chains := map[string]*CompositeCodec{
		"deflate":     NewCompositeCodec(NewDeflateCodec()),
		"aes":         NewCompositeCodec(aes),
		"aes+deflate": NewCompositeCodec(NewDeflateCodec(), aes),
	}
	payloads := [][]byte{testPayload, {1, 2, 4, 8, 15, 26, 42}}
	for name, chain := range chains {
		for _, payload := range payloads {
			e, err := ApplyCodec(chain, payload, false)
			if err != nil {
				t.Fatalf("%s: encode failed: %v", name, err)
			}
			d, err := ApplyCodec(chain, e, true)
			if err != nil {
				t.Fatalf("%s: decode failed: %v", name, err)
			}
			if !bytes.Equal(payload, d) {
				t.Errorf("%s: round trip mismatch: got %v want %v", name, d, payload)
			}
		}
	}
}

func TestCompositeEmptyInput(t *testing.T) {
	chain := NewCompositeCodec(NewDeflateCodec())
	_, err := chain.Encode(nil)
	require.ErrorIs(t, err, ErrCodec)
	_, err = chain.Decode(nil)
	require.ErrorIs(t, err, ErrCodec)
}

func TestCompositeSkipsNilStages(t *testing.T) {
	chain := NewCompositeCodec(nil, NewDeflateCodec(), nil)
	e, err := chain.Encode(testPayload)
	require.NoError(t, err)
	d, err := chain.Decode(e)
	require.NoError(t, err)
	require.Equal(t, testPayload, d)

	empty := NewCompositeCodec(nil)
	require.True(t, empty.IsEmpty())
}

func TestErrorKinds(t *testing.T) {
	err := codecErrorf("inner detail %d", 7)
	require.ErrorIs(t, err, ErrCodec)
	require.False(t, errors.Is(err, ErrProtocol))
	require.Contains(t, err.Error(), "inner detail 7")
}
