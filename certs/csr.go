package certs

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
)

// BuildCSR creates a DER certificate signing request for an identity. The
// signer is typically a remote key handle: the CSR's proof-of-possession
// signature is produced in the security module, RSA-PSS-SHA256.
func BuildCSR(identity string, signer crypto.Signer) ([]byte, error) {
	if identity == "" {
		return nil, fmt.Errorf("certs: empty identity")
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   identity,
			Organization: []string{"fox"},
			Country:      []string{"US"},
		},
		SignatureAlgorithm: x509.SHA256WithRSAPSS,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nil, fmt.Errorf("certs: building CSR: %w", err)
	}
	return der, nil
}
