// Package certs covers the certificate lifecycle around the handshake: CSR
// construction over a remote signing key, submission to the CA over its
// length-framed TCP protocol, issuance, and chain validation.
package certs

import (
	"crypto/x509"
	"fmt"
	"time"
)

// ChainInvalid reports the first certificate in a presented chain that failed
// validation. Index 0 is the leaf.
type ChainInvalid struct {
	Index  int
	Reason string
}

func (e *ChainInvalid) Error() string {
	return fmt.Sprintf("certs: chain invalid at index %d: %s", e.Index, e.Reason)
}

// ValidateChain checks a DER chain as presented on the wire, leaf first,
// against a root pool: parseability, validity window at now, issuer/subject
// chaining with signature verification at each link, and anchoring of the
// final certificate in roots. An empty chain is invalid at index 0.
func ValidateChain(chain [][]byte, roots *x509.CertPool, now time.Time) (*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, &ChainInvalid{Index: 0, Reason: "empty certificate chain"}
	}

	parsed := make([]*x509.Certificate, len(chain))
	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, &ChainInvalid{Index: i, Reason: fmt.Sprintf("unparseable certificate: %v", err)}
		}
		parsed[i] = cert
	}

	for i, cert := range parsed {
		if now.Before(cert.NotBefore) {
			return nil, &ChainInvalid{Index: i, Reason: "certificate not yet valid"}
		}
		if now.After(cert.NotAfter) {
			return nil, &ChainInvalid{Index: i, Reason: "certificate expired"}
		}
	}

	// Check each presented link first so the failing index is precise, then
	// anchor the whole chain in the root pool.
	for i := 0; i+1 < len(parsed); i++ {
		if err := parsed[i].CheckSignatureFrom(parsed[i+1]); err != nil {
			return nil, &ChainInvalid{Index: i, Reason: fmt.Sprintf("signature not issued by next certificate: %v", err)}
		}
	}

	intermediates := x509.NewCertPool()
	for _, cert := range parsed[1:] {
		intermediates.AddCert(cert)
	}

	_, err := parsed[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, &ChainInvalid{Index: len(parsed) - 1, Reason: fmt.Sprintf("no path to trust anchor: %v", err)}
	}

	return parsed[0], nil
}
