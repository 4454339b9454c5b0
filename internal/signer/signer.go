// Package signer computes the integrity tag appended to sensor control point
// commands.
//
// The tag is the last block of the AES-CBC encryption, under the device class
// key and an all-zero IV, of the SHA-256 digest of the command bytes. The
// firmware recomputes it before accepting a command.
//
// The scheme carries no nonce or counter, so an observer can replay any
// previously captured command. This is a limitation of the sensor protocol
// and is kept as is for wire compatibility.
package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Size is the length in bytes of a signature.
const Size = aes.BlockSize

// Key is signing key material. It formats as a redacted string so it cannot
// leak through logs.
type Key []byte

func (Key) String() string   { return "[redacted]" }
func (Key) GoString() string { return "signer.Key([redacted])" }

// ParseKey decodes a hex encoded AES-128, AES-192 or AES-256 key.
func ParseKey(s string) (Key, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key encoding: %w", err)
	}
	switch len(b) {
	case 16, 24, 32:
		return Key(b), nil
	default:
		return nil, fmt.Errorf("invalid signing key length: %d bytes", len(b))
	}
}

// Signer signs commands with a fixed key. It is safe for concurrent use.
type Signer struct {
	block cipher.Block
}

// New returns a Signer for key.
func New(key Key) (*Signer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create signing cipher: %w", err)
	}
	return &Signer{block: block}, nil
}

// Sign returns the 16 byte signature of data.
func (s *Signer) Sign(data []byte) []byte {
	sum := sha256.Sum256(data)
	var iv [aes.BlockSize]byte
	out := make([]byte, len(sum))
	cipher.NewCBCEncrypter(s.block, iv[:]).CryptBlocks(out, sum[:])
	return out[len(out)-Size:]
}

// Verify reports whether sig is the signature of data.
func (s *Signer) Verify(data, sig []byte) bool {
	return subtle.ConstantTimeCompare(s.Sign(data), sig) == 1
}
