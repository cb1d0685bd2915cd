package certs

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"testing"
	"time"
)

func TestIssueFromCSR(t *testing.T) {
	issuer, err := NewIssuer(nil)
	if err != nil {
		t.Fatal(err)
	}

	key := testKey(t, 0)
	csrDER, err := BuildCSR("alice", key)
	if err != nil {
		t.Fatal(err)
	}

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		t.Fatal(err)
	}
	if csr.Subject.CommonName != "alice" {
		t.Errorf("CSR CN %q", csr.Subject.CommonName)
	}
	if len(csr.Subject.Organization) != 1 || csr.Subject.Organization[0] != "fox" {
		t.Errorf("CSR O %v", csr.Subject.Organization)
	}
	if csr.SignatureAlgorithm != x509.SHA256WithRSAPSS {
		t.Errorf("CSR signature algorithm %v", csr.SignatureAlgorithm)
	}

	certDER, err := issuer.IssueFromCSR(csrDER)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatal(err)
	}
	if cert.Subject.CommonName != "alice" {
		t.Errorf("certificate CN %q", cert.Subject.CommonName)
	}
	if len(cert.ExtKeyUsage) != 1 || cert.ExtKeyUsage[0] != x509.ExtKeyUsageClientAuth {
		t.Errorf("EKU %v, want clientAuth", cert.ExtKeyUsage)
	}
	year := time.Now().AddDate(1, 0, 0)
	if cert.NotAfter.Before(year.Add(-24*time.Hour)) || cert.NotAfter.After(year.Add(24*time.Hour)) {
		t.Errorf("NotAfter %v, want about one year out", cert.NotAfter)
	}

	if _, err := ValidateChain([][]byte{certDER}, issuer.RootPool(), time.Now()); err != nil {
		t.Fatalf("issued certificate does not validate against issuer root: %v", err)
	}
}

func TestIssueRejectsTamperedCSR(t *testing.T) {
	issuer, err := NewIssuer(nil)
	if err != nil {
		t.Fatal(err)
	}
	csrDER, err := BuildCSR("alice", testKey(t, 0))
	if err != nil {
		t.Fatal(err)
	}
	csrDER[len(csrDER)-10] ^= 0xff

	if _, err := issuer.IssueFromCSR(csrDER); err == nil {
		t.Fatal("tampered CSR accepted")
	}
}

func TestSubmitCSRProtocol(t *testing.T) {
	issuer, err := NewIssuer(nil)
	if err != nil {
		t.Fatal(err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go issuer.Serve(ctx, listener)

	submitCtx, cancelSubmit := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSubmit()

	csrDER, err := BuildCSR("alice", testKey(t, 0))
	if err != nil {
		t.Fatal(err)
	}
	certDER, err := SubmitCSR(submitCtx, listener.Addr().String(), "alice", csrDER)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatal(err)
	}
	if cert.Subject.CommonName != "alice" {
		t.Errorf("issued CN %q", cert.Subject.CommonName)
	}

	// The CA answers garbage with a zero-length frame: a typed denial.
	_, err = SubmitCSR(submitCtx, listener.Addr().String(), "mallory", []byte{0x01, 0x02, 0x03})
	var denied *CertificateDenied
	if !errors.As(err, &denied) {
		t.Fatalf("got %v, want CertificateDenied", err)
	}
	if denied.Identity != "mallory" {
		t.Errorf("denied identity %q", denied.Identity)
	}
}

func TestRootPEMRoundTrips(t *testing.T) {
	issuer, err := NewIssuer(nil)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(issuer.RootPEM()) {
		t.Fatal("root PEM did not parse")
	}
}
