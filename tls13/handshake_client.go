// Package tls13 implements the TLS 1.3 handshake and record protection used
// by the proof of concept: a mutually-authenticated client whose private key
// lives behind a crypto.Signer (never in this process), and the minimal
// server counterpart.
package tls13

import (
	"context"
	"crypto"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/YellowViking/sec-poc/certs"
	"github.com/YellowViking/sec-poc/shared"
)

const (
	clientCertVerifyContext = "TLS 1.3, client CertificateVerify"
	serverCertVerifyContext = "TLS 1.3, server CertificateVerify"
)

// Config carries the material a handshake endpoint needs. The private key is
// reached only through Signer; no field ever holds private key bytes.
type Config struct {
	// ServerName is sent in (client) or expected from (server) SNI.
	ServerName string

	// CipherSuites to offer, in preference order. Defaults to
	// TLS_AES_128_GCM_SHA256, the only suite the reference deployment
	// negotiates; the schedule and record layer handle all three.
	CipherSuites []uint16

	// RootCAs anchors validation of the peer's chain.
	RootCAs *x509.CertPool

	// Certificate is the local DER chain, leaf first.
	Certificate [][]byte

	// Signer signs the CertificateVerify digest. For the client this is the
	// remote key handle; it must produce RSA-PSS-SHA256 signatures.
	Signer crypto.Signer

	// Time overrides the clock for chain validation. Nil means time.Now.
	Time func() time.Time

	Logger *shared.Logger
}

func (c *Config) cipherSuites() []uint16 {
	if len(c.CipherSuites) > 0 {
		return c.CipherSuites
	}
	return []uint16{TLS_AES_128_GCM_SHA256}
}

func (c *Config) now() time.Time {
	if c.Time != nil {
		return c.Time()
	}
	return time.Now()
}

func (c *Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger.Logger
	}
	return zap.NewNop()
}

// Client drives the TLS 1.3 handshake from the initiating side and carries
// application traffic afterwards. Not safe for concurrent use.
type Client struct {
	conn   net.Conn
	config *Config
	log    *zap.Logger

	rl         *RecordLayer
	ks         *KeySchedule
	transcript *Transcript
	state      HandshakeState

	peerCert *x509.Certificate
	recvBuf  []byte // undelivered application data
	hsBuf    []byte // handshake bytes pending reassembly
}

// NewClient wraps an established connection. The handshake does not start
// until Handshake is called.
func NewClient(conn net.Conn, config *Config) *Client {
	return &Client{
		conn:   conn,
		config: config,
		log:    config.logger(),
		rl:     NewRecordLayer(conn),
		state:  StateStart,
	}
}

// State returns the current handshake state.
func (c *Client) State() HandshakeState { return c.state }

// PeerCertificate returns the validated leaf after the handshake.
func (c *Client) PeerCertificate() *x509.Certificate { return c.peerCert }

// Handshake runs the full handshake. On any failure the session moves to
// StateFailed, a fatal alert is sent when the transport still works, secrets
// are zeroized, and the returned error says what went wrong. The context
// deadline bounds the whole exchange.
func (c *Client) Handshake(ctx context.Context) error {
	if c.state != StateStart {
		return &ProtocolError{State: c.state, Reason: "handshake already attempted"}
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return c.fail(err)
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.handshake(ctx); err != nil {
		return c.fail(err)
	}

	c.state = StateEstablished
	c.log.Info("handshake established",
		zap.String("peer_cn", c.peerCert.Subject.CommonName),
		zap.Uint16("cipher_suite", c.ks.CipherSuite()))
	return nil
}

func (c *Client) fail(err error) error {
	c.state = StateFailed
	// The closing alert is best effort and must not hang a dead session.
	c.conn.SetDeadline(time.Now().Add(time.Second))
	c.rl.sendAlertFor(err)
	if c.ks != nil {
		c.ks.Zeroize()
	}
	c.log.Error("handshake failed", zap.Error(err))
	return err
}

func (c *Client) handshake(ctx context.Context) error {
	ecdhKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return err
	}

	hello, err := c.sendClientHello(ecdhKey)
	if err != nil {
		return err
	}
	c.state = StateSentClientHello

	serverHello, rawServerHello, err := c.readServerHello(hello)
	if err != nil {
		return err
	}
	c.state = StateNegotiatedParams

	// The transcript starts only once the suite (and so the hash) is known.
	c.ks, err = NewKeySchedule(serverHello.cipherSuite)
	if err != nil {
		return err
	}
	c.transcript = NewTranscript(c.ks.HashFunc())
	c.transcript.Update(hello.marshal())
	c.transcript.Update(rawServerHello)

	peerKey, err := ecdh.X25519().NewPublicKey(serverHello.keyShare.data)
	if err != nil {
		return &ProtocolError{State: c.state, MsgType: typeServerHello,
			Reason: fmt.Sprintf("bad X25519 key share: %v", err)}
	}
	sharedSecret, err := ecdhKey.ECDH(peerKey)
	if err != nil {
		return err
	}
	defer zeroize(sharedSecret)

	if err := c.ks.DeriveHandshakeSecrets(sharedSecret, c.transcript.Sum()); err != nil {
		return err
	}
	clientKeys, serverKeys, err := c.ks.HandshakeTrafficKeys()
	if err != nil {
		return err
	}
	defer clientKeys.Zeroize()
	defer serverKeys.Zeroize()
	if err := c.rl.SetWriteKeys(clientKeys, c.ks.CipherSuite()); err != nil {
		return err
	}
	if err := c.rl.SetReadKeys(serverKeys, c.ks.CipherSuite()); err != nil {
		return err
	}
	c.state = StateHaveSharedSecret
	c.log.Debug("handshake keys installed", zap.Uint16("cipher_suite", c.ks.CipherSuite()))

	certRequest, err := c.readServerFlight()
	if err != nil {
		return err
	}
	c.state = StateReadyToRespond

	if err := c.sendClientFlight(ctx, certRequest); err != nil {
		return err
	}

	// Application keys for the send direction switch on only after the
	// client Finished; the receive direction switched when the server
	// Finished was verified.
	appClientKeys, _, err := c.ks.ApplicationTrafficKeys()
	if err != nil {
		return err
	}
	defer appClientKeys.Zeroize()
	return c.rl.SetWriteKeys(appClientKeys, c.ks.CipherSuite())
}

func (c *Client) sendClientHello(ecdhKey *ecdh.PrivateKey) (*clientHelloMsg, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, err
	}
	sessionID := make([]byte, 32)
	if _, err := rand.Read(sessionID); err != nil {
		return nil, err
	}

	hello := &clientHelloMsg{
		random:              random,
		sessionID:           sessionID,
		cipherSuites:        c.config.cipherSuites(),
		serverName:          c.config.ServerName,
		supportedGroups:     []uint16{groupX25519},
		signatureAlgorithms: []uint16{signatureRSAPSSSHA256},
		supportedVersions:   []uint16{VersionTLS13},
		keyShares:           []keyShare{{group: groupX25519, data: ecdhKey.PublicKey().Bytes()}},
	}
	return hello, c.rl.WriteRecord(recordTypeHandshake, hello.marshal())
}

// readServerHello consumes records until ServerHello arrives and checks the
// negotiation against what was offered.
func (c *Client) readServerHello(hello *clientHelloMsg) (*serverHelloMsg, []byte, error) {
	msgType, raw, body, err := c.readHandshakeMessage()
	if err != nil {
		return nil, nil, err
	}
	if msgType != typeServerHello {
		return nil, nil, &ProtocolError{State: c.state, MsgType: msgType, Reason: "expected ServerHello"}
	}

	serverHello, err := parseServerHello(body)
	if err != nil {
		return nil, nil, &ProtocolError{State: c.state, MsgType: msgType, Reason: err.Error()}
	}

	var offered bool
	for _, suite := range hello.cipherSuites {
		if suite == serverHello.cipherSuite {
			offered = true
		}
	}
	if !offered {
		return nil, nil, &ProtocolError{State: c.state, MsgType: msgType,
			Reason: fmt.Sprintf("server selected unoffered cipher suite 0x%04x", serverHello.cipherSuite)}
	}
	if serverHello.keyShare.group != groupX25519 {
		return nil, nil, &ProtocolError{State: c.state, MsgType: msgType,
			Reason: fmt.Sprintf("server selected unoffered group %d", serverHello.keyShare.group)}
	}
	return serverHello, raw, nil
}

// readServerFlight consumes EncryptedExtensions through server Finished,
// validating the chain and both proofs. Returns the CertificateRequest if the
// server sent one.
func (c *Client) readServerFlight() (*certificateRequestMsg, error) {
	msgType, raw, body, err := c.readHandshakeMessage()
	if err != nil {
		return nil, err
	}
	if msgType != typeEncryptedExtensions {
		return nil, &ProtocolError{State: c.state, MsgType: msgType, Reason: "expected EncryptedExtensions"}
	}
	if _, err := parseEncryptedExtensions(body); err != nil {
		return nil, &ProtocolError{State: c.state, MsgType: msgType, Reason: err.Error()}
	}
	c.transcript.Update(raw)

	msgType, raw, body, err = c.readHandshakeMessage()
	if err != nil {
		return nil, err
	}

	var certRequest *certificateRequestMsg
	if msgType == typeCertificateRequest {
		certRequest, err = parseCertificateRequest(body)
		if err != nil {
			return nil, &ProtocolError{State: c.state, MsgType: msgType, Reason: err.Error()}
		}
		c.transcript.Update(raw)
		c.state = StatePeerRequestsClientCert

		msgType, raw, body, err = c.readHandshakeMessage()
		if err != nil {
			return nil, err
		}
	}

	if msgType != typeCertificate {
		return nil, &ProtocolError{State: c.state, MsgType: msgType, Reason: "expected Certificate"}
	}
	certMsg, err := parseCertificate(body)
	if err != nil {
		return nil, &ProtocolError{State: c.state, MsgType: msgType, Reason: err.Error()}
	}
	c.transcript.Update(raw)

	c.peerCert, err = certs.ValidateChain(certMsg.chain, c.config.RootCAs, c.config.now())
	if err != nil {
		return nil, err
	}
	c.state = StateReceivedServerCert
	c.log.Debug("server chain validated", zap.String("peer_cn", c.peerCert.Subject.CommonName))

	// CertificateVerify signs the transcript through the Certificate message.
	signedTranscript := c.transcript.Sum()
	msgType, raw, body, err = c.readHandshakeMessage()
	if err != nil {
		return nil, err
	}
	if msgType != typeCertificateVerify {
		return nil, &ProtocolError{State: c.state, MsgType: msgType, Reason: "expected CertificateVerify"}
	}
	verify, err := parseCertificateVerify(body)
	if err != nil {
		return nil, &ProtocolError{State: c.state, MsgType: msgType, Reason: err.Error()}
	}
	if verify.scheme != signatureRSAPSSSHA256 {
		return nil, &ProtocolError{State: c.state, MsgType: msgType,
			Reason: fmt.Sprintf("unsupported signature scheme 0x%04x", verify.scheme)}
	}
	if err := verifyCertVerify(c.peerCert, serverCertVerifyContext, signedTranscript, verify.signature); err != nil {
		return nil, err
	}
	c.transcript.Update(raw)

	// Finished covers the transcript through CertificateVerify.
	macTranscript := c.transcript.Sum()
	msgType, raw, body, err = c.readHandshakeMessage()
	if err != nil {
		return nil, err
	}
	if msgType != typeFinished {
		return nil, &ProtocolError{State: c.state, MsgType: msgType, Reason: "expected Finished"}
	}
	finished, err := parseFinished(body)
	if err != nil {
		return nil, &ProtocolError{State: c.state, MsgType: msgType, Reason: err.Error()}
	}
	expected, err := c.ks.ServerFinishedMAC(macTranscript)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(expected, finished.verifyData) {
		return nil, &RecordAuthError{Reason: "server Finished verify_data mismatch"}
	}
	c.transcript.Update(raw)

	// The receive direction moves to application keys at the snapshot that
	// includes the server Finished.
	if err := c.ks.DeriveApplicationSecrets(c.transcript.Sum()); err != nil {
		return nil, err
	}
	_, appServerKeys, err := c.ks.ApplicationTrafficKeys()
	if err != nil {
		return nil, err
	}
	defer appServerKeys.Zeroize()
	return certRequest, c.rl.SetReadKeys(appServerKeys, c.ks.CipherSuite())
}

// sendClientFlight answers the server: Certificate and CertificateVerify when
// requested, then Finished. The CertificateVerify digest goes out to the
// remote signer; only the finished signature comes back.
func (c *Client) sendClientFlight(ctx context.Context, certRequest *certificateRequestMsg) error {
	if certRequest != nil {
		certMsg := &certificateMsg{context: certRequest.context, chain: c.config.Certificate}
		raw := certMsg.marshal()
		if err := c.rl.WriteRecord(recordTypeHandshake, raw); err != nil {
			return err
		}
		c.transcript.Update(raw)
		c.state = StateSentClientCert

		if len(c.config.Certificate) > 0 {
			if c.config.Signer == nil {
				return &ProtocolError{State: c.state, Reason: "certificate configured without a signer"}
			}
			signature, err := signCertVerify(ctx, c.config.Signer, clientCertVerifyContext, c.transcript.Sum())
			if err != nil {
				return err
			}
			verify := &certificateVerifyMsg{scheme: signatureRSAPSSSHA256, signature: signature}
			raw = verify.marshal()
			if err := c.rl.WriteRecord(recordTypeHandshake, raw); err != nil {
				return err
			}
			c.transcript.Update(raw)
			c.state = StateSentCertVerify
			c.log.Debug("client proof signed remotely")
		}
	}

	verifyData, err := c.ks.ClientFinishedMAC(c.transcript.Sum())
	if err != nil {
		return err
	}
	finished := &finishedMsg{verifyData: verifyData}
	raw := finished.marshal()
	if err := c.rl.WriteRecord(recordTypeHandshake, raw); err != nil {
		return err
	}
	c.transcript.Update(raw)
	c.state = StateSentFinished
	return nil
}

// readHandshakeMessage returns the next complete handshake message,
// reassembling across records and skipping compatibility ChangeCipherSpec.
// It returns the message type, the full wire bytes (for the transcript), and
// the body.
func (c *Client) readHandshakeMessage() (HandshakeType, []byte, []byte, error) {
	return readHandshakeMessage(c.rl, &c.hsBuf, &c.state)
}

func readHandshakeMessage(rl *RecordLayer, buf *[]byte, state *HandshakeState) (HandshakeType, []byte, []byte, error) {
	for {
		if len(*buf) >= 4 {
			bodyLen := int(readUint24((*buf)[1:4]))
			if bodyLen > maxHandshakeMessageLength {
				return 0, nil, nil, &ProtocolError{State: *state,
					Reason: fmt.Sprintf("handshake message of %d bytes exceeds limit", bodyLen)}
			}
			if len(*buf) >= 4+bodyLen {
				raw := (*buf)[:4+bodyLen]
				*buf = (*buf)[4+bodyLen:]
				msgType, body, err := splitHandshakeHeader(raw)
				if err != nil {
					return 0, nil, nil, &ProtocolError{State: *state, Reason: "malformed handshake header"}
				}
				return msgType, raw, body, nil
			}
		}

		contentType, payload, err := rl.ReadRecord()
		if err != nil {
			return 0, nil, nil, err
		}
		switch contentType {
		case recordTypeHandshake:
			*buf = append(*buf, payload...)
		case recordTypeChangeCipherSpec:
			// Middlebox compatibility, carries nothing.
		case recordTypeAlert:
			if len(payload) != 2 {
				return 0, nil, nil, &ProtocolError{State: *state, Reason: "malformed alert"}
			}
			return 0, nil, nil, &AlertError{Level: payload[0], Description: payload[1]}
		default:
			return 0, nil, nil, &ProtocolError{State: *state,
				Reason: fmt.Sprintf("unexpected record type %d during handshake", contentType)}
		}
	}
}

// signatureInput builds the to-be-signed blob of RFC 8446 Section 4.4.3:
// 64 spaces, the context string, a zero byte, then the transcript snapshot.
func signatureInput(contextString string, transcriptHash []byte) []byte {
	input := make([]byte, 0, 64+len(contextString)+1+len(transcriptHash))
	for i := 0; i < 64; i++ {
		input = append(input, 0x20)
	}
	input = append(input, contextString...)
	input = append(input, 0)
	input = append(input, transcriptHash...)
	return input
}

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// signCertVerify digests the signature input and hands the digest to the
// signer. For the remote key handle this is the only signing path.
func signCertVerify(ctx context.Context, signer crypto.Signer, contextString string, transcriptHash []byte) ([]byte, error) {
	digest := sha256.Sum256(signatureInput(contextString, transcriptHash))
	type contextSigner interface {
		SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error)
	}
	if cs, ok := signer.(contextSigner); ok {
		return cs.SignContext(ctx, digest[:], pssOptions)
	}
	return signer.Sign(rand.Reader, digest[:], pssOptions)
}

// verifyCertVerify checks a peer's CertificateVerify signature against its
// validated leaf.
func verifyCertVerify(cert *x509.Certificate, contextString string, transcriptHash, signature []byte) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return &certs.ChainInvalid{Index: 0, Reason: "leaf public key is not RSA"}
	}
	digest := sha256.Sum256(signatureInput(contextString, transcriptHash))
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, pssOptions); err != nil {
		return &RecordAuthError{Reason: "CertificateVerify signature invalid"}
	}
	return nil
}

// Read returns application data. A close_notify from the peer surfaces as
// io.EOF; post-handshake handshake messages the session does not support are
// protocol errors.
func (c *Client) Read(p []byte) (int, error) {
	if c.state != StateEstablished {
		return 0, &ProtocolError{State: c.state, Reason: "read before establishment"}
	}
	n, err := readApplicationData(c.rl, &c.recvBuf, p)
	if err != nil && err != io.EOF {
		c.state = StateFailed
	}
	return n, err
}

// Write sends application data, fragmenting to the record size limit.
func (c *Client) Write(p []byte) (int, error) {
	if c.state != StateEstablished {
		return 0, &ProtocolError{State: c.state, Reason: "write before establishment"}
	}
	return writeApplicationData(c.rl, p)
}

// Close sends close_notify, zeroizes the key schedule, and closes the
// transport. Safe to call in any state.
func (c *Client) Close() error {
	if c.state == StateEstablished {
		_ = c.rl.WriteAlert(alertLevelWarning, alertCloseNotify)
	}
	if c.ks != nil {
		c.ks.Zeroize()
	}
	c.state = StateFailed
	return c.conn.Close()
}
