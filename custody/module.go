package custody

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/YellowViking/sec-poc/shared"
)

// Module is a software security module: it owns the private keys, signs on
// request, and never releases private material over the wire. It serves the
// same protocol a hardware-backed module would, so the client cannot tell the
// difference. Safe for concurrent use.
type Module struct {
	log *zap.Logger

	mu         sync.Mutex
	byIdentity map[string]string     // identity -> handle
	keys       map[string]*moduleKey // handle -> key
}

type moduleKey struct {
	identity string
	private  *rsa.PrivateKey
}

// NewModule creates an empty module.
func NewModule(logger *shared.Logger) *Module {
	log := zap.NewNop()
	if logger != nil {
		log = logger.Logger
	}
	return &Module{
		log:        log,
		byIdentity: map[string]string{},
		keys:       map[string]*moduleKey{},
	}
}

// createSigningKey resolves the key for an identity, generating it on first
// use. Generation is two-phase internally, mirroring how a hardware module
// separates creation from public-part readout; callers see a single
// operation.
func (m *Module) createSigningKey(identity string) (*response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle, ok := m.byIdentity[identity]
	if !ok {
		var err error
		handle, err = m.createPrimary(identity)
		if err != nil {
			return nil, err
		}
	}
	return m.readPublic(handle)
}

// createPrimary generates the key and registers a fresh handle. Caller holds
// the lock.
func (m *Module) createPrimary(identity string) (string, error) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", err
	}
	handle := uuid.NewString()
	m.byIdentity[identity] = handle
	m.keys[handle] = &moduleKey{identity: identity, private: private}
	m.log.Info("signing key generated",
		zap.String("identity", identity),
		zap.String("handle", handle))
	return handle, nil
}

// readPublic builds the public-part response for a handle. Caller holds the
// lock.
func (m *Module) readPublic(handle string) (*response, error) {
	key, ok := m.keys[handle]
	if !ok {
		return nil, &HandleInvalid{Handle: handle}
	}
	pub := &key.private.PublicKey
	return &response{
		Handle:   handle,
		Modulus:  pub.N.Bytes(),
		Exponent: pub.E,
	}, nil
}

// sign applies the module's signing policy: a known handle and a
// digest-sized input, signed RSA-PSS-SHA256. Arbitrary-length messages are
// refused so the module only ever signs what the caller has already hashed.
func (m *Module) sign(handle string, digest []byte) (*response, error) {
	m.mu.Lock()
	key, ok := m.keys[handle]
	m.mu.Unlock()
	if !ok {
		return nil, &HandleInvalid{Handle: handle}
	}
	if len(digest) != crypto.SHA256.Size() {
		return nil, &SignatureRejected{Reason: "input is not a SHA-256 digest"}
	}

	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
	signature, err := rsa.SignPSS(rand.Reader, key.private, crypto.SHA256, digest, opts)
	if err != nil {
		return nil, err
	}
	m.log.Debug("digest signed", zap.String("handle", handle))
	return &response{Handle: handle, Signature: signature}, nil
}

func (m *Module) handle(req *request) *response {
	var resp *response
	var err error

	switch req.Operation {
	case opCreateSigningKey:
		if req.Identity == "" {
			return &response{ErrorCode: codeInternal, Error: "missing identity"}
		}
		resp, err = m.createSigningKey(req.Identity)
	case opSign:
		resp, err = m.sign(req.Handle, req.Digest)
	case opGetPublicKey:
		m.mu.Lock()
		resp, err = m.readPublic(req.Handle)
		m.mu.Unlock()
	default:
		return &response{ErrorCode: codeInternal, Error: "unknown operation " + req.Operation}
	}

	if err != nil {
		var invalid *HandleInvalid
		var rejected *SignatureRejected
		switch {
		case errors.As(err, &invalid):
			return &response{ErrorCode: codeHandleInvalid, Error: err.Error()}
		case errors.As(err, &rejected):
			return &response{ErrorCode: codeSignatureRejected, Error: err.Error()}
		default:
			m.log.Error("module operation failed", zap.Error(err))
			return &response{ErrorCode: codeInternal, Error: "internal error"}
		}
	}
	return resp
}

// ServeConn handles one request/response exchange and closes the connection.
func (m *Module) ServeConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	var req request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		m.log.Warn("malformed module request", zap.Error(err))
		return
	}
	resp := m.handle(&req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		m.log.Warn("writing module response", zap.Error(err))
	}
}

// Serve accepts connections until the listener closes or the context is
// cancelled.
func (m *Module) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go m.ServeConn(conn)
	}
}
