package tls13

import "hash"

// Transcript accumulates the exact wire bytes of every handshake message, in
// order, into a running hash. Snapshots of the digest bind key derivations and
// signatures to the whole prior conversation, so update order matters and is
// the caller's responsibility. Record layer framing is never accumulated.
type Transcript struct {
	h hash.Hash
}

// NewTranscript creates a transcript over the cipher suite's hash.
func NewTranscript(newHash func() hash.Hash) *Transcript {
	return &Transcript{h: newHash()}
}

// Update appends one handshake message's wire bytes (including the 4-byte
// handshake header) to the transcript.
func (t *Transcript) Update(messageBytes []byte) {
	t.h.Write(messageBytes)
}

// Sum returns the digest of everything accumulated so far without mutating
// the transcript. Per the hash.Hash contract, Sum does not change the
// underlying state.
func (t *Transcript) Sum() []byte {
	return t.h.Sum(nil)
}
