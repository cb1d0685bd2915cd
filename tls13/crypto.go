package tls13

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// aeadState protects one direction of traffic: an AEAD keyed from a traffic
// secret, the derived IV, and the per-direction record sequence number. The
// sequence number starts at zero at each key epoch and must never repeat
// under one key; exhaustion is fatal.
type aeadState struct {
	aead cipher.AEAD
	iv   []byte
	seq  uint64
}

const seqExhausted = ^uint64(0)

// newAEADState creates the AEAD for a traffic key/IV pair.
func newAEADState(keys *TrafficKeys, cipherSuite uint16) (*aeadState, error) {
	var aead cipher.AEAD
	var err error

	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384:
		var block cipher.Block
		block, err = aes.NewCipher(keys.Key)
		if err != nil {
			return nil, err
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
	case TLS_CHACHA20_POLY1305_SHA256:
		aead, err = chacha20poly1305.New(keys.Key)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("tls13: unsupported cipher suite: 0x%04x", cipherSuite)
	}

	iv := make([]byte, len(keys.IV))
	copy(iv, keys.IV)
	return &aeadState{aead: aead, iv: iv}, nil
}

// nonce builds the per-record nonce: IV XOR big-endian sequence number in the
// trailing 8 bytes (RFC 8446 Section 5.3).
func (a *aeadState) nonce() []byte {
	nonce := make([]byte, len(a.iv))
	copy(nonce, a.iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(a.seq >> (8 * i))
	}
	return nonce
}

// seal encrypts plaintext with the record header as additional data and
// advances the sequence number.
func (a *aeadState) seal(plaintext, header []byte) ([]byte, error) {
	if a.seq == seqExhausted {
		return nil, &RecordAuthError{Reason: "send sequence number exhausted"}
	}
	ciphertext := a.aead.Seal(nil, a.nonce(), plaintext, header)
	a.seq++
	return ciphertext, nil
}

// open authenticates and decrypts ciphertext. The sequence number advances
// only on success; a tampered or replayed record fails the tag check.
func (a *aeadState) open(ciphertext, header []byte) ([]byte, error) {
	if a.seq == seqExhausted {
		return nil, &RecordAuthError{Reason: "receive sequence number exhausted"}
	}
	plaintext, err := a.aead.Open(nil, a.nonce(), ciphertext, header)
	if err != nil {
		return nil, &RecordAuthError{Reason: "AEAD tag mismatch"}
	}
	a.seq++
	return plaintext, nil
}
