// Package custody reaches the external security module that holds the
// client's private signing key. The key is created in the module, signs in
// the module, and its private half never crosses the wire in either
// direction; this process only ever holds an opaque handle and the public
// key.
package custody

// Wire protocol: one JSON request and one JSON response per connection, over
// TCP or vsock. []byte fields ride as base64 per encoding/json.

const (
	opCreateSigningKey = "create_signing_key"
	opSign             = "sign"
	opGetPublicKey     = "get_public_key"
)

// Module-side error codes carried in the response envelope.
const (
	codeHandleInvalid     = "handle_invalid"
	codeSignatureRejected = "signature_rejected"
	codeInternal          = "internal"
)

type request struct {
	Operation string `json:"operation"`
	Identity  string `json:"identity,omitempty"`
	Handle    string `json:"handle,omitempty"`
	Digest    []byte `json:"digest,omitempty"`
}

type response struct {
	Handle    string `json:"handle,omitempty"`
	Modulus   []byte `json:"modulus,omitempty"`
	Exponent  int    `json:"exponent,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}
