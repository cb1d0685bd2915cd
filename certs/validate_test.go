package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"
)

var (
	keysOnce sync.Once
	testKeys []*rsa.PrivateKey
	keysErr  error
)

func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	keysOnce.Do(func() {
		for j := 0; j < 3; j++ {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				keysErr = err
				return
			}
			testKeys = append(testKeys, key)
		}
	})
	if keysErr != nil {
		t.Fatal(keysErr)
	}
	return testKeys[i]
}

type certSpec struct {
	cn        string
	notBefore time.Time
	notAfter  time.Time
	isCA      bool
}

func makeCert(t *testing.T, spec certSpec, parentDER []byte, key, parentKey *rsa.PrivateKey) []byte {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: spec.cn},
		NotBefore:             spec.notBefore,
		NotAfter:              spec.notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  spec.isCA,
	}
	parent := template
	if parentDER != nil {
		var err error
		parent, err = x509.ParseCertificate(parentDER)
		if err != nil {
			t.Fatal(err)
		}
		// CreateCertificate refuses to sign when parentKey doesn't match the
		// parent's public key; align them so forged fixtures can be built.
		// This is a no-op for honestly signed fixtures.
		parent.PublicKey = &parentKey.PublicKey
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatal(err)
	}
	return der
}

func TestValidateChain(t *testing.T) {
	now := time.Now()
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	rootKey, midKey, leafKey := testKey(t, 0), testKey(t, 1), testKey(t, 2)

	rootDER := makeCert(t, certSpec{cn: "root", notBefore: past, notAfter: future, isCA: true}, nil, rootKey, rootKey)
	midDER := makeCert(t, certSpec{cn: "mid", notBefore: past, notAfter: future, isCA: true}, rootDER, midKey, rootKey)
	leafDER := makeCert(t, certSpec{cn: "leaf", notBefore: past, notAfter: future}, midDER, leafKey, midKey)

	otherRootDER := makeCert(t, certSpec{cn: "other-root", notBefore: past, notAfter: future, isCA: true}, nil, midKey, midKey)
	leafUnderOtherRootDER := makeCert(t, certSpec{cn: "leaf", notBefore: past, notAfter: future}, otherRootDER, leafKey, midKey)

	expiredLeafDER := makeCert(t, certSpec{cn: "leaf", notBefore: past, notAfter: now.Add(-time.Hour)}, midDER, leafKey, midKey)
	futureMidDER := makeCert(t, certSpec{cn: "mid", notBefore: future, notAfter: future.Add(time.Hour), isCA: true}, rootDER, midKey, rootKey)
	leafOfFutureMidDER := makeCert(t, certSpec{cn: "leaf", notBefore: past, notAfter: future}, futureMidDER, leafKey, midKey)
	// Leaf claiming mid as issuer but signed by the wrong key.
	forgedLeafDER := makeCert(t, certSpec{cn: "leaf", notBefore: past, notAfter: future}, midDER, leafKey, rootKey)

	roots := x509.NewCertPool()
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatal(err)
	}
	roots.AddCert(rootCert)

	t.Run("valid chain", func(t *testing.T) {
		leaf, err := ValidateChain([][]byte{leafDER, midDER}, roots, now)
		if err != nil {
			t.Fatal(err)
		}
		if leaf.Subject.CommonName != "leaf" {
			t.Errorf("leaf CN %q", leaf.Subject.CommonName)
		}
	})

	t.Run("direct leaf under root", func(t *testing.T) {
		direct := makeCert(t, certSpec{cn: "direct", notBefore: past, notAfter: future}, rootDER, leafKey, rootKey)
		if _, err := ValidateChain([][]byte{direct}, roots, now); err != nil {
			t.Fatal(err)
		}
	})

	failures := []struct {
		name      string
		chain     [][]byte
		wantIndex int
	}{
		{"empty chain", nil, 0},
		{"garbage leaf", [][]byte{{0xde, 0xad}}, 0},
		{"expired leaf", [][]byte{expiredLeafDER, midDER}, 0},
		{"not yet valid intermediate", [][]byte{leafOfFutureMidDER, futureMidDER}, 1},
		{"forged link", [][]byte{forgedLeafDER, midDER}, 0},
		{"untrusted anchor", [][]byte{leafUnderOtherRootDER, otherRootDER}, 1},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateChain(tt.chain, roots, now)
			var chainErr *ChainInvalid
			if !errors.As(err, &chainErr) {
				t.Fatalf("got %v, want ChainInvalid", err)
			}
			if chainErr.Index != tt.wantIndex {
				t.Errorf("failing index %d, want %d", chainErr.Index, tt.wantIndex)
			}
		})
	}
}
