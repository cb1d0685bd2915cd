package custody

import (
	"context"
	"crypto"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mdlayher/vsock"
	"go.uber.org/zap"

	"github.com/YellowViking/sec-poc/shared"
)

// DialFunc opens a fresh connection to the security module. Every call uses
// one connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

// TCPDialer dials the module over TCP.
func TCPDialer(addr string) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// VsockDialer dials the module over vsock, for deployments where the module
// runs in the parent of an enclave.
func VsockDialer(cid, port uint32) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		return vsock.Dial(cid, port, nil)
	}
}

// DialerFromConfig builds the dialer the configuration names.
func DialerFromConfig(cfg *shared.Config) (DialFunc, error) {
	switch cfg.ModuleTransport {
	case "tcp":
		return TCPDialer(cfg.ModuleAddr), nil
	case "vsock":
		return VsockDialer(cfg.ModuleCID, cfg.ModulePort), nil
	default:
		return nil, fmt.Errorf("custody: unsupported module transport %q", cfg.ModuleTransport)
	}
}

// Client talks to the security module and tracks the handles it has been
// given. Safe for concurrent use.
type Client struct {
	dial DialFunc
	log  *zap.Logger

	mu      sync.Mutex
	handles map[string]*KeyHandle // identity -> handle
}

// NewClient creates a custody client over the given dialer.
func NewClient(dial DialFunc, logger *shared.Logger) *Client {
	log := zap.NewNop()
	if logger != nil {
		log = logger.Logger
	}
	return &Client{
		dial:    dial,
		log:     log,
		handles: map[string]*KeyHandle{},
	}
}

// CreateSigningKey asks the module for the signing key of identity, creating
// it on first use. The call is idempotent: repeated calls for one identity,
// from this client or a fresh one, resolve to the same module-side key. Only
// the handle and public key come back.
func (c *Client) CreateSigningKey(ctx context.Context, identity string) (*KeyHandle, error) {
	if identity == "" {
		return nil, fmt.Errorf("custody: empty identity")
	}

	// Single writer per identity: the map lookup and the module call happen
	// under the lock, so concurrent callers converge on one handle.
	c.mu.Lock()
	defer c.mu.Unlock()
	if handle, ok := c.handles[identity]; ok {
		return handle, nil
	}

	resp, err := c.call(ctx, &request{Operation: opCreateSigningKey, Identity: identity})
	if err != nil {
		return nil, err
	}
	public, err := publicFromResponse(resp)
	if err != nil {
		return nil, err
	}

	handle := &KeyHandle{client: c, id: resp.Handle, identity: identity, public: public}
	c.handles[identity] = handle
	c.log.Info("signing key ready",
		zap.String("identity", identity),
		zap.String("handle", resp.Handle),
		zap.Int("modulus_bits", public.N.BitLen()))
	return handle, nil
}

// GetPublic fetches the public key for a handle from the module.
func (c *Client) GetPublic(ctx context.Context, handle *KeyHandle) (*rsa.PublicKey, error) {
	resp, err := c.call(ctx, &request{Operation: opGetPublicKey, Handle: handle.id})
	if err != nil {
		return nil, err
	}
	return publicFromResponse(resp)
}

// Release drops the client-side mapping for a handle. The module keeps the
// key; a later CreateSigningKey for the same identity resolves to it again.
func (c *Client) Release(handle *KeyHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.handles[handle.identity]; ok && current == handle {
		delete(c.handles, handle.identity)
	}
	handle.released = true
}

// sign crosses the module boundary with a digest and returns the signature.
// The client verifies the signature against the cached public key before
// accepting it.
func (c *Client) sign(ctx context.Context, handle *KeyHandle, digest []byte) ([]byte, error) {
	if handle.released {
		return nil, &HandleInvalid{Handle: handle.id}
	}

	resp, err := c.call(ctx, &request{Operation: opSign, Handle: handle.id, Digest: digest})
	if err != nil {
		return nil, err
	}
	if len(resp.Signature) == 0 {
		return nil, &SignatureRejected{Reason: "module returned no signature"}
	}

	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(handle.public, crypto.SHA256, digest, resp.Signature, opts); err != nil {
		return nil, &SignatureRejected{Reason: "signature does not verify against held public key"}
	}
	return resp.Signature, nil
}

// call performs one request/response exchange, retrying transport failures
// with exponential backoff until the context expires. Module-reported policy
// errors are permanent.
func (c *Client) call(ctx context.Context, req *request) (*response, error) {
	var resp *response
	operation := func() error {
		r, err := c.roundTrip(ctx, req)
		if err != nil {
			var unavailable *ModuleUnavailable
			if errors.As(err, &unavailable) {
				c.log.Warn("security module unreachable, retrying", zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, req *request) (*response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, &ModuleUnavailable{Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, &ModuleUnavailable{Err: err}
	}
	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, &ModuleUnavailable{Err: err}
	}

	switch resp.ErrorCode {
	case "":
	case codeHandleInvalid:
		return nil, &HandleInvalid{Handle: req.Handle}
	case codeSignatureRejected:
		return nil, &SignatureRejected{Reason: resp.Error}
	default:
		return nil, fmt.Errorf("custody: module error: %s", resp.Error)
	}
	return &resp, nil
}

func publicFromResponse(resp *response) (*rsa.PublicKey, error) {
	if len(resp.Modulus) == 0 || resp.Exponent == 0 || resp.Handle == "" {
		return nil, fmt.Errorf("custody: malformed module response")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(resp.Modulus),
		E: resp.Exponent,
	}, nil
}

// KeyHandle is an opaque reference to a key living in the security module.
// It implements crypto.Signer, so CSR construction and the handshake accept
// it anywhere a private key is expected, even though no private material ever
// backs it locally.
type KeyHandle struct {
	client   *Client
	id       string
	identity string
	public   *rsa.PublicKey
	released bool
}

// ID returns the module-assigned handle identifier.
func (h *KeyHandle) ID() string { return h.id }

// Identity returns the identity the key was created for.
func (h *KeyHandle) Identity() string { return h.identity }

// Public returns the cached RSA public key.
func (h *KeyHandle) Public() crypto.PublicKey { return h.public }

// Sign implements crypto.Signer. digest must be a SHA-256 digest and opts
// must request RSA-PSS with SHA-256; the signature is produced module-side.
// The rand argument is unused: the module sources its own randomness.
func (h *KeyHandle) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return h.SignContext(context.Background(), digest, opts)
}

// SignContext is Sign with a caller-supplied context bounding the module
// exchange.
func (h *KeyHandle) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != crypto.SHA256 {
		return nil, &SignatureRejected{Reason: fmt.Sprintf("unsupported hash %v", opts.HashFunc())}
	}
	if pss, ok := opts.(*rsa.PSSOptions); ok {
		if pss.SaltLength != rsa.PSSSaltLengthEqualsHash && pss.SaltLength != pss.Hash.Size() {
			return nil, &SignatureRejected{Reason: "unsupported PSS salt length"}
		}
	} else {
		return nil, &SignatureRejected{Reason: "only RSA-PSS signing is supported"}
	}
	return h.client.sign(ctx, h, digest)
}
