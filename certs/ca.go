package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/YellowViking/sec-poc/shared"
)

// CA wire protocol: the client writes an 8-byte big-endian length followed by
// the CSR DER, the CA answers with an 8-byte big-endian length followed by
// the certificate DER. A zero-length answer means the CA refused to issue.

const maxFrameLength = 1 << 16

// CertificateDenied reports a CSR the CA refused.
type CertificateDenied struct {
	Identity string
}

func (e *CertificateDenied) Error() string {
	return fmt.Sprintf("certs: CA denied certificate for %q", e.Identity)
}

func writeFrame(conn net.Conn, payload []byte) error {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(payload)))
	if _, err := conn.Write(length[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	var length [8]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(length[:])
	if n == 0 {
		return nil, nil
	}
	if n > maxFrameLength {
		return nil, fmt.Errorf("certs: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// SubmitCSR sends a CSR to the CA and returns the issued certificate DER.
// identity is only used to label a denial.
func SubmitCSR(ctx context.Context, addr, identity string, csrDER []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("certs: dialing CA: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	if err := writeFrame(conn, csrDER); err != nil {
		return nil, fmt.Errorf("certs: submitting CSR: %w", err)
	}
	certDER, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("certs: reading CA response: %w", err)
	}
	if certDER == nil {
		return nil, &CertificateDenied{Identity: identity}
	}
	return certDER, nil
}

// Issuer is the certificate authority: a self-signed RSA root that issues
// one-year leaves against valid CSRs.
type Issuer struct {
	log *zap.Logger

	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
}

// NewIssuer generates a fresh self-signed root.
func NewIssuer(logger *shared.Logger) (*Issuer, error) {
	log := zap.NewNop()
	if logger != nil {
		log = logger.Logger
	}

	rootKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "SecPoC Root CA",
			Organization: []string{"fox"},
			Country:      []string{"US"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, err
	}
	rootCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	log.Info("root CA generated", zap.String("subject", rootCert.Subject.CommonName))
	return &Issuer{log: log, rootCert: rootCert, rootKey: rootKey}, nil
}

// Root returns the root certificate.
func (i *Issuer) Root() *x509.Certificate { return i.rootCert }

// RootPEM returns the root certificate PEM-encoded, for distribution as a
// trust anchor.
func (i *Issuer) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.rootCert.Raw})
}

// RootPool returns a pool holding only this issuer's root.
func (i *Issuer) RootPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(i.rootCert)
	return pool
}

// IssueFromCSR validates a CSR's proof-of-possession signature and issues a
// one-year client certificate carrying the CSR's subject and public key.
func (i *Issuer) IssueFromCSR(csrDER []byte) ([]byte, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("certs: unparseable CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("certs: CSR signature invalid: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, i.rootCert, csr.PublicKey, i.rootKey)
	if err != nil {
		return nil, fmt.Errorf("certs: issuing from CSR: %w", err)
	}
	i.log.Info("client certificate issued", zap.String("subject", csr.Subject.CommonName))
	return der, nil
}

// IssueServerCert generates a key and one-year server certificate for the
// given name, signed by the root. The server side keeps its key in-process.
func (i *Issuer) IssueServerCert(name string) ([]byte, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   name,
			Organization: []string{"fox"},
			Country:      []string{"US"},
		},
		DNSNames:    []string{name},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().AddDate(1, 0, 0),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, i.rootCert, &key.PublicKey, i.rootKey)
	if err != nil {
		return nil, nil, err
	}
	return der, key, nil
}

// ServeConn handles one CSR submission. Denials answer with a zero-length
// frame rather than an error the submitter could distinguish.
func (i *Issuer) ServeConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	csrDER, err := readFrame(conn)
	if err != nil || csrDER == nil {
		i.log.Warn("malformed CSR submission", zap.Error(err))
		return
	}

	certDER, err := i.IssueFromCSR(csrDER)
	if err != nil {
		i.log.Warn("CSR refused", zap.Error(err))
		_ = writeFrame(conn, nil)
		return
	}
	if err := writeFrame(conn, certDER); err != nil {
		i.log.Warn("writing issued certificate", zap.Error(err))
	}
}

// Serve accepts CSR submissions until the listener closes or the context is
// cancelled.
func (i *Issuer) Serve(ctx context.Context, listener net.Listener) error {
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
		go i.ServeConn(conn)
	}
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
