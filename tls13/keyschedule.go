package tls13

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/hkdf"
)

// TLS 1.3 labels for HKDF-Expand-Label (RFC 8446 Section 7.1)
const (
	labelDerived           = "tls13 derived"
	labelClientHandshake   = "tls13 c hs traffic"
	labelServerHandshake   = "tls13 s hs traffic"
	labelClientApplication = "tls13 c ap traffic"
	labelServerApplication = "tls13 s ap traffic"
	labelFinishedKey       = "tls13 finished"
	labelTrafficKey        = "tls13 key"
	labelTrafficIV         = "tls13 iv"
)

// TrafficKeys holds a key and IV pair expanded from one traffic secret.
type TrafficKeys struct {
	Key []byte
	IV  []byte
}

// Zeroize overwrites the key material.
func (tk *TrafficKeys) Zeroize() {
	zeroize(tk.Key)
	zeroize(tk.IV)
}

// KeySchedule runs the chained extract/expand derivation of RFC 8446
// Section 7.1. Derivations are strictly ordered: handshake secrets need the
// ECDHE shared secret and the ClientHello..ServerHello transcript snapshot,
// application secrets need the snapshot through the server Finished. A
// derivation requested before its inputs exist fails with KeyScheduleError.
type KeySchedule struct {
	cipherSuite uint16
	hashFunc    func() hash.Hash
	hashSize    int
	keyLength   int
	ivLength    int

	earlySecret     []byte
	handshakeSecret []byte
	masterSecret    []byte

	clientHandshakeSecret []byte
	serverHandshakeSecret []byte
	clientAppSecret       []byte
	serverAppSecret       []byte

	clientFinishedKey []byte
	serverFinishedKey []byte
}

// NewKeySchedule creates a key schedule for the given cipher suite.
func NewKeySchedule(cipherSuite uint16) (*KeySchedule, error) {
	ks := &KeySchedule{cipherSuite: cipherSuite}

	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256:
		ks.hashFunc = sha256.New
		ks.hashSize = 32
		ks.keyLength = 16
		ks.ivLength = 12
	case TLS_AES_256_GCM_SHA384:
		ks.hashFunc = sha512.New384
		ks.hashSize = 48
		ks.keyLength = 32
		ks.ivLength = 12
	case TLS_CHACHA20_POLY1305_SHA256:
		ks.hashFunc = sha256.New
		ks.hashSize = 32
		ks.keyLength = 32
		ks.ivLength = 12
	default:
		return nil, fmt.Errorf("tls13: unsupported cipher suite: 0x%04x", cipherSuite)
	}

	return ks, nil
}

// CipherSuite returns the cipher suite this schedule derives for.
func (ks *KeySchedule) CipherSuite() uint16 { return ks.cipherSuite }

// HashFunc returns the suite hash constructor, for transcript use.
func (ks *KeySchedule) HashFunc() func() hash.Hash { return ks.hashFunc }

// hkdfExtract implements HKDF-Extract with the suite hash.
func (ks *KeySchedule) hkdfExtract(salt, ikm []byte) []byte {
	if salt == nil {
		salt = make([]byte, ks.hashSize)
	}
	if ikm == nil {
		ikm = make([]byte, ks.hashSize)
	}
	return hkdf.Extract(ks.hashFunc, ikm, salt)
}

// hkdfExpandLabel implements HKDF-Expand-Label from RFC 8446.
func (ks *KeySchedule) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	hkdfLabel := make([]byte, 0, 2+1+len(label)+1+len(context))
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))
	hkdfLabel = append(hkdfLabel, byte(len(label)))
	hkdfLabel = append(hkdfLabel, label...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	reader := hkdf.Expand(ks.hashFunc, secret, hkdfLabel)
	result := make([]byte, length)
	reader.Read(result)
	return result
}

// deriveSecret implements Derive-Secret: expand with the hash of messages as
// context. A nil messages slice means the hash of the empty string.
func (ks *KeySchedule) deriveSecret(secret []byte, label string, messages []byte) []byte {
	h := ks.hashFunc()
	h.Write(messages)
	return ks.hkdfExpandLabel(secret, label, h.Sum(nil), ks.hashSize)
}

// DeriveHandshakeSecrets consumes the ECDHE shared secret and the transcript
// snapshot through ServerHello, producing both handshake traffic secrets and
// the finished keys.
func (ks *KeySchedule) DeriveHandshakeSecrets(sharedSecret, transcriptHash []byte) error {
	if len(sharedSecret) == 0 {
		return &KeyScheduleError{Op: "handshake secrets", Reason: "shared secret absent"}
	}
	if len(transcriptHash) != ks.hashSize {
		return &KeyScheduleError{Op: "handshake secrets",
			Reason: fmt.Sprintf("transcript snapshot absent or wrong length %d", len(transcriptHash))}
	}

	// Early Secret = HKDF-Extract(0, 0)
	ks.earlySecret = ks.hkdfExtract(nil, nil)

	// Handshake Secret = HKDF-Extract(Derive-Secret(Early, "derived", ""), ECDHE)
	derived := ks.deriveSecret(ks.earlySecret, labelDerived, nil)
	ks.handshakeSecret = ks.hkdfExtract(derived, sharedSecret)

	ks.clientHandshakeSecret = ks.hkdfExpandLabel(ks.handshakeSecret, labelClientHandshake, transcriptHash, ks.hashSize)
	ks.serverHandshakeSecret = ks.hkdfExpandLabel(ks.handshakeSecret, labelServerHandshake, transcriptHash, ks.hashSize)

	ks.clientFinishedKey = ks.hkdfExpandLabel(ks.clientHandshakeSecret, labelFinishedKey, nil, ks.hashSize)
	ks.serverFinishedKey = ks.hkdfExpandLabel(ks.serverHandshakeSecret, labelFinishedKey, nil, ks.hashSize)

	return nil
}

// DeriveApplicationSecrets consumes the transcript snapshot through the
// server Finished, producing both application traffic secrets.
func (ks *KeySchedule) DeriveApplicationSecrets(transcriptHash []byte) error {
	if ks.handshakeSecret == nil {
		return &KeyScheduleError{Op: "application secrets", Reason: "handshake secret not derived"}
	}
	if len(transcriptHash) != ks.hashSize {
		return &KeyScheduleError{Op: "application secrets",
			Reason: fmt.Sprintf("transcript snapshot absent or wrong length %d", len(transcriptHash))}
	}

	// Master Secret = HKDF-Extract(Derive-Secret(Handshake, "derived", ""), 0)
	derived := ks.deriveSecret(ks.handshakeSecret, labelDerived, nil)
	ks.masterSecret = ks.hkdfExtract(derived, nil)

	ks.clientAppSecret = ks.hkdfExpandLabel(ks.masterSecret, labelClientApplication, transcriptHash, ks.hashSize)
	ks.serverAppSecret = ks.hkdfExpandLabel(ks.masterSecret, labelServerApplication, transcriptHash, ks.hashSize)

	return nil
}

// trafficKeys expands key and IV from one traffic secret.
func (ks *KeySchedule) trafficKeys(secret []byte) *TrafficKeys {
	return &TrafficKeys{
		Key: ks.hkdfExpandLabel(secret, labelTrafficKey, nil, ks.keyLength),
		IV:  ks.hkdfExpandLabel(secret, labelTrafficIV, nil, ks.ivLength),
	}
}

// HandshakeTrafficKeys returns the client and server handshake key/IV pairs.
func (ks *KeySchedule) HandshakeTrafficKeys() (client, server *TrafficKeys, err error) {
	if ks.clientHandshakeSecret == nil || ks.serverHandshakeSecret == nil {
		return nil, nil, &KeyScheduleError{Op: "handshake traffic keys", Reason: "handshake secrets not derived"}
	}
	return ks.trafficKeys(ks.clientHandshakeSecret), ks.trafficKeys(ks.serverHandshakeSecret), nil
}

// ApplicationTrafficKeys returns the client and server application key/IV pairs.
func (ks *KeySchedule) ApplicationTrafficKeys() (client, server *TrafficKeys, err error) {
	if ks.clientAppSecret == nil || ks.serverAppSecret == nil {
		return nil, nil, &KeyScheduleError{Op: "application traffic keys", Reason: "application secrets not derived"}
	}
	return ks.trafficKeys(ks.clientAppSecret), ks.trafficKeys(ks.serverAppSecret), nil
}

// ClientFinishedMAC computes the client Finished verify_data over the given
// transcript snapshot: HMAC(finished_key, transcript_hash).
func (ks *KeySchedule) ClientFinishedMAC(transcriptHash []byte) ([]byte, error) {
	if ks.clientFinishedKey == nil {
		return nil, &KeyScheduleError{Op: "client finished", Reason: "finished key not derived"}
	}
	mac := hmac.New(ks.hashFunc, ks.clientFinishedKey)
	mac.Write(transcriptHash)
	return mac.Sum(nil), nil
}

// ServerFinishedMAC computes the server Finished verify_data.
func (ks *KeySchedule) ServerFinishedMAC(transcriptHash []byte) ([]byte, error) {
	if ks.serverFinishedKey == nil {
		return nil, &KeyScheduleError{Op: "server finished", Reason: "finished key not derived"}
	}
	mac := hmac.New(ks.hashFunc, ks.serverFinishedKey)
	mac.Write(transcriptHash)
	return mac.Sum(nil), nil
}

// Zeroize overwrites every secret held by the schedule. Called on session
// teardown.
func (ks *KeySchedule) Zeroize() {
	zeroize(ks.earlySecret)
	zeroize(ks.handshakeSecret)
	zeroize(ks.masterSecret)
	zeroize(ks.clientHandshakeSecret)
	zeroize(ks.serverHandshakeSecret)
	zeroize(ks.clientAppSecret)
	zeroize(ks.serverAppSecret)
	zeroize(ks.clientFinishedKey)
	zeroize(ks.serverFinishedKey)
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
