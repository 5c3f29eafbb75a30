package chunkvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

const (
	sivKeySize = 64
	sivTagSize = 16
)

// SIVEngine implements AES-SIV (RFC 5297): deterministic, nonce-free authenticated
// encryption. The synthetic IV doubles as the authentication tag and is prepended
// to the ciphertext.
type SIVEngine struct {
	mac cipher.Block // k1, for S2V
	ctr cipher.Block // k2, for CTR
	k1  [16]byte     // CMAC subkeys of mac
	k2  [16]byte
}

// NewSIVEngine creates a new AES-SIV engine from a 64 byte key
func NewSIVEngine(key []byte) (*SIVEngine, error) {
	if err := ValidateKey(key, "siv_key", sivKeySize); err != nil {
		return nil, err
	}

	mac, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	ctr, err := aes.NewCipher(key[32:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	e := &SIVEngine{mac: mac, ctr: ctr}
	var l [16]byte
	mac.Encrypt(l[:], l[:])
	e.k1 = dbl(l)
	e.k2 = dbl(e.k1)
	return e, nil
}

// Encrypt seals plaintext; every element of ad is authenticated
func (e *SIVEngine) Encrypt(plaintext []byte, ad ...[]byte) ([]byte, error) {
	iv := e.s2v(plaintext, ad...)

	out := make([]byte, sivTagSize+len(plaintext))
	copy(out, iv[:])
	e.xorKeyStream(iv, out[sivTagSize:], plaintext)
	return out, nil
}

// Decrypt opens ciphertext; ad must match what was passed to Encrypt
func (e *SIVEngine) Decrypt(ciphertext []byte, ad ...[]byte) ([]byte, error) {
	if len(ciphertext) < sivTagSize {
		return nil, ErrAuthFailed
	}

	var iv [16]byte
	copy(iv[:], ciphertext[:sivTagSize])
	plaintext := make([]byte, len(ciphertext)-sivTagSize)
	e.xorKeyStream(iv, plaintext, ciphertext[sivTagSize:])

	expected := e.s2v(plaintext, ad...)
	if subtle.ConstantTimeCompare(iv[:], expected[:]) != 1 {
		zero(plaintext)
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Seal implements ChunkCipher. The address is bound as an associated data element.
func (e *SIVEngine) Seal(address Address, plaintext, aad []byte) ([]byte, error) {
	return e.Encrypt(plaintext, aad, address[:])
}

// Open implements ChunkCipher
func (e *SIVEngine) Open(address Address, ciphertext, aad []byte) ([]byte, error) {
	return e.Decrypt(ciphertext, aad, address[:])
}

// NonceSize returns 0 since SIV doesn't use nonces
func (e *SIVEngine) NonceSize() int { return 0 }

// Overhead returns the SIV size (16 bytes)
func (e *SIVEngine) Overhead() int { return sivTagSize }

// destroy clears the CMAC subkeys; the AES key schedules are unreachable
func (e *SIVEngine) destroy() {
	zero(e.k1[:])
	zero(e.k2[:])
	e.mac, e.ctr = nil, nil
}

// s2v is the S2V construction from RFC 5297 section 2.4
func (e *SIVEngine) s2v(plaintext []byte, ad ...[]byte) [16]byte {
	var zeroBlock [16]byte
	d := e.cmac(zeroBlock[:])

	for _, a := range ad {
		d = xorBlock(dbl(d), e.cmac(a))
	}

	if len(plaintext) >= 16 {
		t := make([]byte, len(plaintext))
		copy(t, plaintext)
		tail := t[len(t)-16:]
		for i := range tail {
			tail[i] ^= d[i]
		}
		return e.cmac(t)
	}
	t := xorBlock(dbl(d), padBlock(plaintext))
	return e.cmac(t[:])
}

// cmac computes AES-CMAC (RFC 4493) under the S2V key
func (e *SIVEngine) cmac(data []byte) [16]byte {
	n := (len(data) + 15) / 16
	if n == 0 {
		n = 1
	}

	var last [16]byte
	if len(data) == 0 || len(data)%16 != 0 {
		last = padBlock(data[16*(n-1):])
		last = xorBlock(last, e.k2)
	} else {
		copy(last[:], data[16*(n-1):])
		last = xorBlock(last, e.k1)
	}

	var mac [16]byte
	for i := 0; i < n-1; i++ {
		for j := 0; j < 16; j++ {
			mac[j] ^= data[i*16+j]
		}
		e.mac.Encrypt(mac[:], mac[:])
	}
	mac = xorBlock(mac, last)
	e.mac.Encrypt(mac[:], mac[:])
	return mac
}

// xorKeyStream runs CTR mode with bits 31 and 63 of the IV cleared
func (e *SIVEngine) xorKeyStream(iv [16]byte, dst, src []byte) {
	iv[8] &= 0x7f
	iv[12] &= 0x7f
	cipher.NewCTR(e.ctr, iv[:]).XORKeyStream(dst, src)
}

type block16 = [16]byte

// dbl doubles a block in GF(2^128)
func dbl(b block16) block16 {
	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])

	var out block16
	binary.BigEndian.PutUint64(out[:8], hi<<1|lo>>63)
	binary.BigEndian.PutUint64(out[8:], lo<<1)
	if hi>>63 != 0 {
		out[15] ^= 0x87
	}
	return out
}

// padBlock applies 10* padding to a partial block
func padBlock(data []byte) block16 {
	var out block16
	copy(out[:], data)
	out[len(data)] = 0x80
	return out
}

func xorBlock(a, b block16) block16 {
	for i := range a {
		a[i] ^= b[i]
	}
	return a
}
