package tls13

import (
	"context"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/YellowViking/sec-poc/certs"
)

// Server drives the responding side of the handshake. It always demands a
// client certificate and signs its own proof with the configured Signer
// (a local in-process key is fine on this side). Not safe for concurrent use.
type Server struct {
	conn   net.Conn
	config *Config
	log    *zap.Logger

	rl         *RecordLayer
	ks         *KeySchedule
	transcript *Transcript
	state      HandshakeState

	peerCert *x509.Certificate
	recvBuf  []byte
	hsBuf    []byte
}

// NewServer wraps an accepted connection.
func NewServer(conn net.Conn, config *Config) *Server {
	return &Server{
		conn:   conn,
		config: config,
		log:    config.logger(),
		rl:     NewRecordLayer(conn),
		state:  StateStart,
	}
}

// State returns the current handshake state.
func (s *Server) State() HandshakeState { return s.state }

// PeerCertificate returns the client's validated leaf after the handshake.
func (s *Server) PeerCertificate() *x509.Certificate { return s.peerCert }

// Handshake runs the responding side of the handshake, bounded by the
// context deadline. Failures send a fatal alert and zeroize secrets.
func (s *Server) Handshake(ctx context.Context) error {
	if s.state != StateStart {
		return &ProtocolError{State: s.state, Reason: "handshake already attempted"}
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetDeadline(deadline); err != nil {
			return s.fail(err)
		}
		defer s.conn.SetDeadline(time.Time{})
	}

	if err := s.handshake(ctx); err != nil {
		return s.fail(err)
	}

	s.state = StateEstablished
	s.log.Info("handshake established",
		zap.String("peer_cn", s.peerCert.Subject.CommonName),
		zap.Uint16("cipher_suite", s.ks.CipherSuite()))
	return nil
}

func (s *Server) fail(err error) error {
	s.state = StateFailed
	// The closing alert is best effort and must not hang a dead session.
	s.conn.SetDeadline(time.Now().Add(time.Second))
	s.rl.sendAlertFor(err)
	if s.ks != nil {
		s.ks.Zeroize()
	}
	s.log.Error("handshake failed", zap.Error(err))
	return err
}

func (s *Server) handshake(ctx context.Context) error {
	msgType, rawHello, body, err := s.readHandshakeMessage()
	if err != nil {
		return err
	}
	if msgType != typeClientHello {
		return &ProtocolError{State: s.state, MsgType: msgType, Reason: "expected ClientHello"}
	}
	hello, err := parseClientHello(body)
	if err != nil {
		return &ProtocolError{State: s.state, MsgType: msgType, Reason: err.Error()}
	}

	suite, clientShare, err := s.negotiate(hello)
	if err != nil {
		return err
	}
	s.state = StateNegotiatedParams

	ecdhKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	peerKey, err := ecdh.X25519().NewPublicKey(clientShare)
	if err != nil {
		return &ProtocolError{State: s.state, MsgType: typeClientHello,
			Reason: fmt.Sprintf("bad X25519 key share: %v", err)}
	}
	sharedSecret, err := ecdhKey.ECDH(peerKey)
	if err != nil {
		return err
	}
	defer zeroize(sharedSecret)

	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return err
	}
	serverHello := &serverHelloMsg{
		random:      random,
		sessionID:   hello.sessionID,
		cipherSuite: suite,
		keyShare:    keyShare{group: groupX25519, data: ecdhKey.PublicKey().Bytes()},
	}
	rawServerHello := serverHello.marshal()
	if err := s.rl.WriteRecord(recordTypeHandshake, rawServerHello); err != nil {
		return err
	}
	// Compatibility ChangeCipherSpec goes out in the clear before protection
	// switches on.
	if err := s.rl.WriteRecord(recordTypeChangeCipherSpec, []byte{1}); err != nil {
		return err
	}

	s.ks, err = NewKeySchedule(suite)
	if err != nil {
		return err
	}
	s.transcript = NewTranscript(s.ks.HashFunc())
	s.transcript.Update(rawHello)
	s.transcript.Update(rawServerHello)

	if err := s.ks.DeriveHandshakeSecrets(sharedSecret, s.transcript.Sum()); err != nil {
		return err
	}
	clientKeys, serverKeys, err := s.ks.HandshakeTrafficKeys()
	if err != nil {
		return err
	}
	defer clientKeys.Zeroize()
	defer serverKeys.Zeroize()
	if err := s.rl.SetWriteKeys(serverKeys, suite); err != nil {
		return err
	}
	if err := s.rl.SetReadKeys(clientKeys, suite); err != nil {
		return err
	}
	s.state = StateHaveSharedSecret

	if err := s.sendServerFlight(ctx); err != nil {
		return err
	}
	s.state = StateSentFinished

	return s.readClientFlight()
}

// negotiate checks the ClientHello against what this server supports and
// picks the cipher suite.
func (s *Server) negotiate(hello *clientHelloMsg) (uint16, []byte, error) {
	var is13 bool
	for _, v := range hello.supportedVersions {
		if v == VersionTLS13 {
			is13 = true
		}
	}
	if !is13 {
		return 0, nil, &ProtocolError{State: s.state, MsgType: typeClientHello,
			Reason: "client does not offer TLS 1.3"}
	}

	var hasPSS bool
	for _, algo := range hello.signatureAlgorithms {
		if algo == signatureRSAPSSSHA256 {
			hasPSS = true
		}
	}
	if !hasPSS {
		return 0, nil, &ProtocolError{State: s.state, MsgType: typeClientHello,
			Reason: "client does not offer rsa_pss_rsae_sha256"}
	}

	var suite uint16
	for _, mine := range s.config.cipherSuites() {
		for _, theirs := range hello.cipherSuites {
			if mine == theirs {
				suite = mine
				break
			}
		}
		if suite != 0 {
			break
		}
	}
	if suite == 0 {
		return 0, nil, &ProtocolError{State: s.state, MsgType: typeClientHello,
			Reason: "no common cipher suite"}
	}

	for _, share := range hello.keyShares {
		if share.group == groupX25519 {
			return suite, share.data, nil
		}
	}
	return 0, nil, &ProtocolError{State: s.state, MsgType: typeClientHello,
		Reason: "no X25519 key share"}
}

// sendServerFlight sends EncryptedExtensions through Finished and switches
// the send direction to application keys.
func (s *Server) sendServerFlight(ctx context.Context) error {
	for _, raw := range [][]byte{
		(&encryptedExtensionsMsg{}).marshal(),
		(&certificateRequestMsg{signatureAlgorithms: []uint16{signatureRSAPSSSHA256}}).marshal(),
		(&certificateMsg{chain: s.config.Certificate}).marshal(),
	} {
		if err := s.rl.WriteRecord(recordTypeHandshake, raw); err != nil {
			return err
		}
		s.transcript.Update(raw)
	}

	signature, err := signCertVerify(ctx, s.config.Signer, serverCertVerifyContext, s.transcript.Sum())
	if err != nil {
		return err
	}
	raw := (&certificateVerifyMsg{scheme: signatureRSAPSSSHA256, signature: signature}).marshal()
	if err := s.rl.WriteRecord(recordTypeHandshake, raw); err != nil {
		return err
	}
	s.transcript.Update(raw)

	verifyData, err := s.ks.ServerFinishedMAC(s.transcript.Sum())
	if err != nil {
		return err
	}
	raw = (&finishedMsg{verifyData: verifyData}).marshal()
	if err := s.rl.WriteRecord(recordTypeHandshake, raw); err != nil {
		return err
	}
	s.transcript.Update(raw)

	// Application secrets bind the transcript through the server Finished.
	// The send direction switches now; the receive direction stays on
	// handshake keys until the client's flight is verified.
	if err := s.ks.DeriveApplicationSecrets(s.transcript.Sum()); err != nil {
		return err
	}
	_, appServerKeys, err := s.ks.ApplicationTrafficKeys()
	if err != nil {
		return err
	}
	defer appServerKeys.Zeroize()
	return s.rl.SetWriteKeys(appServerKeys, s.ks.CipherSuite())
}

// readClientFlight verifies the client's Certificate, CertificateVerify, and
// Finished, then switches the receive direction to application keys.
func (s *Server) readClientFlight() error {
	msgType, raw, body, err := s.readHandshakeMessage()
	if err != nil {
		return err
	}
	if msgType != typeCertificate {
		return &ProtocolError{State: s.state, MsgType: msgType, Reason: "expected client Certificate"}
	}
	certMsg, err := parseCertificate(body)
	if err != nil {
		return &ProtocolError{State: s.state, MsgType: msgType, Reason: err.Error()}
	}
	s.transcript.Update(raw)

	s.peerCert, err = certs.ValidateChain(certMsg.chain, s.config.RootCAs, s.config.now())
	if err != nil {
		return err
	}

	signedTranscript := s.transcript.Sum()
	msgType, raw, body, err = s.readHandshakeMessage()
	if err != nil {
		return err
	}
	if msgType != typeCertificateVerify {
		return &ProtocolError{State: s.state, MsgType: msgType, Reason: "expected client CertificateVerify"}
	}
	verify, err := parseCertificateVerify(body)
	if err != nil {
		return &ProtocolError{State: s.state, MsgType: msgType, Reason: err.Error()}
	}
	if verify.scheme != signatureRSAPSSSHA256 {
		return &ProtocolError{State: s.state, MsgType: msgType,
			Reason: fmt.Sprintf("unsupported signature scheme 0x%04x", verify.scheme)}
	}
	if err := verifyCertVerify(s.peerCert, clientCertVerifyContext, signedTranscript, verify.signature); err != nil {
		return err
	}
	s.transcript.Update(raw)

	macTranscript := s.transcript.Sum()
	msgType, raw, body, err = s.readHandshakeMessage()
	if err != nil {
		return err
	}
	if msgType != typeFinished {
		return &ProtocolError{State: s.state, MsgType: msgType, Reason: "expected client Finished"}
	}
	finished, err := parseFinished(body)
	if err != nil {
		return &ProtocolError{State: s.state, MsgType: msgType, Reason: err.Error()}
	}
	expected, err := s.ks.ClientFinishedMAC(macTranscript)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, finished.verifyData) {
		return &RecordAuthError{Reason: "client Finished verify_data mismatch"}
	}
	s.transcript.Update(raw)

	appClientKeys, _, err := s.ks.ApplicationTrafficKeys()
	if err != nil {
		return err
	}
	defer appClientKeys.Zeroize()
	return s.rl.SetReadKeys(appClientKeys, s.ks.CipherSuite())
}

func (s *Server) readHandshakeMessage() (HandshakeType, []byte, []byte, error) {
	return readHandshakeMessage(s.rl, &s.hsBuf, &s.state)
}

// Read returns application data received from the client.
func (s *Server) Read(p []byte) (int, error) {
	if s.state != StateEstablished {
		return 0, &ProtocolError{State: s.state, Reason: "read before establishment"}
	}
	n, err := readApplicationData(s.rl, &s.recvBuf, p)
	if err != nil && err != io.EOF {
		s.state = StateFailed
	}
	return n, err
}

// Write sends application data to the client.
func (s *Server) Write(p []byte) (int, error) {
	if s.state != StateEstablished {
		return 0, &ProtocolError{State: s.state, Reason: "write before establishment"}
	}
	return writeApplicationData(s.rl, p)
}

// Close sends close_notify, zeroizes secrets, and closes the transport.
func (s *Server) Close() error {
	if s.state == StateEstablished {
		_ = s.rl.WriteAlert(alertLevelWarning, alertCloseNotify)
	}
	if s.ks != nil {
		s.ks.Zeroize()
	}
	s.state = StateFailed
	return s.conn.Close()
}
