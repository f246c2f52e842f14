package mrtd

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aead/cmac"
)

// CipherSuite is the block cipher and MAC pair protecting a session.
type CipherSuite int

const (
	// Suite3DES is two-key 3DES in CBC mode with ISO 9797-1 MAC algorithm 3.
	Suite3DES CipherSuite = iota + 1
	// SuiteAES128 and its siblings use AES in CBC mode with 8-byte CMAC.
	SuiteAES128
	SuiteAES192
	SuiteAES256
)

const macLen = 8

func (s CipherSuite) String() string {
	switch s {
	case Suite3DES:
		return "3DES"
	case SuiteAES128:
		return "AES-128"
	case SuiteAES192:
		return "AES-192"
	case SuiteAES256:
		return "AES-256"
	default:
		return fmt.Sprintf("CipherSuite(%d)", int(s))
	}
}

// KeyLen is the session key length in bytes.
func (s CipherSuite) KeyLen() int {
	switch s {
	case Suite3DES, SuiteAES128:
		return 16
	case SuiteAES192:
		return 24
	case SuiteAES256:
		return 32
	}
	return 0
}

// BlockSize is the cipher block size, which is also the padding unit and
// the send sequence counter width.
func (s CipherSuite) BlockSize() int {
	if s == Suite3DES {
		return des.BlockSize
	}
	return aes.BlockSize
}

func (s CipherSuite) block(key []byte) (cipher.Block, error) {
	if len(key) != s.KeyLen() {
		return nil, fmt.Errorf("%s key must be %d bytes, got %d", s, s.KeyLen(), len(key))
	}
	if s == Suite3DES {
		k := make([]byte, 24)
		copy(k, key)
		copy(k[16:], key[:8])
		return des.NewTripleDESCipher(k)
	}
	return aes.NewCipher(key)
}

// EncryptCBC encrypts block-aligned data.
func (s CipherSuite) EncryptCBC(key, iv, data []byte) ([]byte, error) {
	if len(data)%s.BlockSize() != 0 {
		return nil, fmt.Errorf("CBC encrypt: data not block aligned")
	}
	block, err := s.block(key)
	if err != nil {
		return nil, err
	}
	if iv == nil {
		iv = make([]byte, s.BlockSize())
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// DecryptCBC decrypts block-aligned data.
func (s CipherSuite) DecryptCBC(key, iv, data []byte) ([]byte, error) {
	if len(data)%s.BlockSize() != 0 {
		return nil, fmt.Errorf("CBC decrypt: data not block aligned")
	}
	block, err := s.block(key)
	if err != nil {
		return nil, err
	}
	if iv == nil {
		iv = make([]byte, s.BlockSize())
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// encryptBlock is single-block ECB, used to derive the AES secure messaging IV.
func (s CipherSuite) encryptBlock(key, in []byte) ([]byte, error) {
	block, err := s.block(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, block.BlockSize())
	block.Encrypt(out, in)
	return out, nil
}

// MAC returns the 8-byte checksum of data. For 3DES data must already be
// padded to the block size; AES uses CMAC, which pads internally.
func (s CipherSuite) MAC(key, data []byte) ([]byte, error) {
	if s == Suite3DES {
		return retailMAC(key, data)
	}
	block, err := s.block(key)
	if err != nil {
		return nil, err
	}
	h, err := cmac.NewWithTagSize(block, macLen)
	if err != nil {
		return nil, err
	}
	if _, err := h.Write(data); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// retailMAC is ISO 9797-1 MAC algorithm 3 with single DES: CBC under Ka over
// every block, then decrypt with Kb and encrypt with Ka.
func retailMAC(key, data []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("retail MAC key must be 16 bytes, got %d", len(key))
	}
	if len(data) == 0 || len(data)%des.BlockSize != 0 {
		return nil, fmt.Errorf("retail MAC: data not block aligned")
	}
	ka, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, err
	}
	kb, err := des.NewCipher(key[8:16])
	if err != nil {
		return nil, err
	}
	h := make([]byte, des.BlockSize)
	for i := 0; i < len(data); i += des.BlockSize {
		xorBlock(h, h, data[i:i+des.BlockSize])
		ka.Encrypt(h, h)
	}
	kb.Decrypt(h, h)
	ka.Encrypt(h, h)
	return h, nil
}

// DeriveKey is the ICAO 9303 key derivation function H(secret || counter).
// Counter 1 yields the encryption key, 2 the MAC key and 3 the PACE
// password key. 3DES keys get odd DES parity.
func DeriveKey(secret []byte, s CipherSuite, counter uint32) []byte {
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], counter)
	var digest []byte
	switch s {
	case SuiteAES192, SuiteAES256:
		h := sha256.New()
		h.Write(secret)
		h.Write(c[:])
		digest = h.Sum(nil)
	default:
		h := sha1.New()
		h.Write(secret)
		h.Write(c[:])
		digest = h.Sum(nil)
	}
	key := append([]byte(nil), digest[:s.KeyLen()]...)
	if s == Suite3DES {
		adjustParity(key)
	}
	return key
}

// adjustParity sets the low bit of each byte so every byte has odd parity.
func adjustParity(key []byte) {
	for i, b := range key {
		b &= 0xFE
		ones := 0
		for v := b; v != 0; v >>= 1 {
			ones += int(v & 1)
		}
		if ones%2 == 0 {
			b |= 0x01
		}
		key[i] = b
	}
}

// padISO9797M2 appends 0x80 and zeros up to a multiple of blockSize.
func padISO9797M2(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

func unpadISO9797M2(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, errors.New("bad padding")
	}
	return data[:idx], nil
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		dst[i] = a[i] ^ b[i]
	}
}
