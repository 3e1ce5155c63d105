// Package onion handles tor v3 hidden-service addresses.
package onion

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// Suffix terminates every hidden-service hostname.
	Suffix = ".onion"

	version   byte = 0x03
	idLength       = 56 // base32 of pubkey(32) || checksum(2) || version(1)
	rawLength      = ed25519.PublicKeySize + 2 + 1
)

var (
	ErrLength   = errors.New("onion: address must be 56 base32 characters")
	ErrEncoding = errors.New("onion: address is not valid base32")
	ErrVersion  = errors.New("onion: only v3 addresses are supported")
	ErrChecksum = errors.New("onion: checksum mismatch")
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Normalize lowercases s, strips whitespace and appends Suffix when s looks
// like a bare service ID.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) == idLength && !strings.Contains(s, ".") {
		s += Suffix
	}
	return s
}

// Validate checks that addr is a well-formed v3 onion hostname.
func Validate(addr string) error {
	id := strings.TrimSuffix(strings.ToLower(addr), Suffix)
	if len(id) != idLength {
		return ErrLength
	}
	raw, err := encoding.DecodeString(strings.ToUpper(id))
	if err != nil || len(raw) != rawLength {
		return ErrEncoding
	}
	pub := raw[:ed25519.PublicKeySize]
	sum := raw[ed25519.PublicKeySize : ed25519.PublicKeySize+2]
	if raw[rawLength-1] != version {
		return ErrVersion
	}
	if !bytes.Equal(sum, checksum(pub)) {
		return ErrChecksum
	}
	return nil
}

// Resolve normalizes s and validates the result.
func Resolve(s string) (string, error) {
	addr := Normalize(s)
	if err := Validate(addr); err != nil {
		return "", fmt.Errorf("%q: %w", s, err)
	}
	return addr, nil
}

// FromPublicKey derives the onion hostname of an ed25519 service key.
func FromPublicKey(pub ed25519.PublicKey) string {
	raw := make([]byte, 0, rawLength)
	raw = append(raw, pub...)
	raw = append(raw, checksum(pub)...)
	raw = append(raw, version)
	return strings.ToLower(encoding.EncodeToString(raw)) + Suffix
}

func checksum(pub []byte) []byte {
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pub)
	h.Write([]byte{version})
	return h.Sum(nil)[:2]
}
