package plshare

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// AES-256 key and CBC block geometry, and the packed legacy key format
// (key followed by IV) used on the bootstrap pipe.
const (
	AESKeySize  = 32
	AESBlockLen = aes.BlockSize
	KeyPackSize = AESKeySize + AESBlockLen
)

// pbkdf2Rounds is the iteration count for passphrase-derived keys
const pbkdf2Rounds = 4096

// AESCodec encrypts payloads with AES-256-CBC. Each Encode emits the
// current IV followed by the ciphertext and then rotates to a fresh random
// IV, so repeated encryptions of identical plaintext never produce
// identical output. Decode is stateless apart from the key: the IV is taken
// from the first block of the input.
type AESCodec struct {
	lock  sync.Mutex
	key   []byte
	iv    []byte
	block cipher.Block
}

// NewAESCodec creates an AESCodec with a fresh random key and IV
func NewAESCodec() (*AESCodec, error) {
	key := make([]byte, AESKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, osErrorf("cannot draw AES key material: %s", err)
	}
	return NewAESCodecWithKey(key)
}

// NewAESCodecWithKey creates an AESCodec that adopts the given 32-byte key
// and generates a fresh random IV
func NewAESCodecWithKey(key []byte) (*AESCodec, error) {
	c := &AESCodec{}
	if err := c.SetKey(key); err != nil {
		return nil, err
	}
	if err := c.rotateIV(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewAESCodecFromPassphrase creates an AESCodec whose key is derived from a
// passphrase and salt with PBKDF2-SHA256
func NewAESCodecFromPassphrase(passphrase string, salt []byte) (*AESCodec, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, AESKeySize, sha256.New)
	return NewAESCodecWithKey(key)
}

// Key returns a copy of the current key
func (c *AESCodec) Key() []byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]byte(nil), c.key...)
}

// SetKey replaces the key. The current IV is not touched.
func (c *AESCodec) SetKey(key []byte) error {
	if len(key) != AESKeySize {
		return configErrorf("AES key must be %d bytes, got %d", AESKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return codecErrorf("cannot initialize AES cipher: %s", err)
	}
	c.lock.Lock()
	c.key = append([]byte(nil), key...)
	c.block = block
	c.lock.Unlock()
	return nil
}

// KeyPack returns the packed 48-byte key+IV buffer transmitted on the
// bootstrap pipe
func (c *AESCodec) KeyPack() []byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	pack := make([]byte, 0, KeyPackSize)
	pack = append(pack, c.key...)
	pack = append(pack, c.iv...)
	return pack
}

// LoadKeyPack adopts a packed 48-byte key+IV buffer
func (c *AESCodec) LoadKeyPack(pack []byte) error {
	if len(pack) != KeyPackSize {
		return configErrorf("key pack must be %d bytes, got %d", KeyPackSize, len(pack))
	}
	if err := c.SetKey(pack[:AESKeySize]); err != nil {
		return err
	}
	c.lock.Lock()
	c.iv = append([]byte(nil), pack[AESKeySize:]...)
	c.lock.Unlock()
	return nil
}

func (c *AESCodec) rotateIV() error {
	iv := make([]byte, AESBlockLen)
	if _, err := rand.Read(iv); err != nil {
		return osErrorf("cannot draw IV material: %s", err)
	}
	c.lock.Lock()
	c.iv = iv
	c.lock.Unlock()
	return nil
}

// Encode encrypts data under the current IV, returns IV followed by
// ciphertext, and rotates to a fresh random IV
func (c *AESCodec) Encode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, codecErrorf("cannot encrypt an empty payload")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.block == nil {
		return nil, protocolErrorf("encryption requested but no key is set")
	}

	padded := pkcs7Pad(data)
	out := make([]byte, AESBlockLen+len(padded))
	copy(out, c.iv)
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out[AESBlockLen:], padded)

	// rotate before releasing the lock so no two messages share an IV
	iv := make([]byte, AESBlockLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, osErrorf("cannot draw IV material: %s", err)
	}
	c.iv = iv
	return out, nil
}

// Decode reads the IV from the first block and decrypts the remainder
// under the stored key
func (c *AESCodec) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, codecErrorf("cannot decrypt an empty payload")
	}
	if len(data) <= AESBlockLen {
		return nil, codecErrorf("ciphertext shorter than an IV plus one block: %d bytes", len(data))
	}
	c.lock.Lock()
	block := c.block
	c.lock.Unlock()
	if block == nil {
		return nil, protocolErrorf("decryption requested but no key is set")
	}

	iv, ct := data[:AESBlockLen], data[AESBlockLen:]
	if len(ct)%AESBlockLen != 0 {
		return nil, codecErrorf("ciphertext length %d is not block aligned", len(ct))
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return pkcs7Unpad(pt)
}

// pkcs7Pad appends PKCS#7 padding; a full extra block is added when the
// input is already block aligned
func pkcs7Pad(data []byte) []byte {
	n := AESBlockLen - len(data)%AESBlockLen
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// pkcs7Unpad validates and strips PKCS#7 padding
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%AESBlockLen != 0 {
		return nil, codecErrorf("bad padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > AESBlockLen || n > len(data) {
		return nil, codecErrorf("bad padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, codecErrorf("padding bytes are inconsistent")
		}
	}
	return data[:len(data)-n], nil
}
