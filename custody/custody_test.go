package custody

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// pipeDialer serves every dialed connection from an in-process module.
func pipeDialer(m *Module) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go m.ServeConn(server)
		return client, nil
	}
}

func testClient(t *testing.T) (*Client, *Module) {
	t.Helper()
	module := NewModule(nil)
	return NewClient(pipeDialer(module), nil), module
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCreateSigningKeyIdempotent(t *testing.T) {
	client, module := testClient(t)
	ctx := testContext(t)

	first, err := client.CreateSigningKey(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	second, err := client.CreateSigningKey(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("repeated creation returned a different handle")
	}

	// A fresh client against the same module resolves to the same key.
	other := NewClient(pipeDialer(module), nil)
	third, err := other.CreateSigningKey(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if third.ID() != first.ID() {
		t.Errorf("handle %q from fresh client, want %q", third.ID(), first.ID())
	}
	a := first.Public().(*rsa.PublicKey)
	b := third.Public().(*rsa.PublicKey)
	if a.N.Cmp(b.N) != 0 || a.E != b.E {
		t.Error("public keys differ for one identity")
	}

	bob, err := client.CreateSigningKey(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if bob.ID() == first.ID() {
		t.Error("distinct identities share a handle")
	}
}

func TestConcurrentCreateConverges(t *testing.T) {
	client, _ := testClient(t)
	ctx := testContext(t)

	const workers = 8
	handles := make([]*KeyHandle, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := client.CreateSigningKey(ctx, "shared-identity")
			if err != nil {
				t.Error(err)
				return
			}
			handles[i] = handle
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("worker %d got a different handle", i)
		}
	}
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	client, _ := testClient(t)
	ctx := testContext(t)

	handle, err := client.CreateSigningKey(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	digest := sha256.Sum256([]byte("certificate verify input"))
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
	signature, err := handle.SignContext(ctx, digest[:], opts)
	if err != nil {
		t.Fatal(err)
	}

	pub := handle.Public().(*rsa.PublicKey)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, opts); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}

	// Two signatures over one digest differ: PSS salts are random, proof the
	// module signs fresh each call.
	again, err := handle.SignContext(ctx, digest[:], opts)
	if err != nil {
		t.Fatal(err)
	}
	if string(signature) == string(again) {
		t.Error("identical PSS signatures across calls")
	}
}

func TestSignPolicy(t *testing.T) {
	client, _ := testClient(t)
	ctx := testContext(t)

	handle, err := client.CreateSigningKey(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

	// Not a SHA-256 digest: the module refuses to sign raw messages.
	var rejected *SignatureRejected
	_, err = handle.SignContext(ctx, []byte("whole message, not a digest"), opts)
	if !errors.As(err, &rejected) {
		t.Fatalf("got %v, want SignatureRejected", err)
	}

	digest := sha256.Sum256([]byte("x"))
	_, err = handle.SignContext(ctx, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA512})
	if !errors.As(err, &rejected) {
		t.Fatalf("wrong hash: got %v, want SignatureRejected", err)
	}
	_, err = handle.SignContext(ctx, digest[:], crypto.SHA256)
	if !errors.As(err, &rejected) {
		t.Fatalf("non-PSS: got %v, want SignatureRejected", err)
	}
}

func TestUnknownHandle(t *testing.T) {
	module := NewModule(nil)
	resp := module.handle(&request{Operation: opSign, Handle: "no-such-handle", Digest: make([]byte, 32)})
	if resp.ErrorCode != codeHandleInvalid {
		t.Fatalf("error code %q, want %q", resp.ErrorCode, codeHandleInvalid)
	}
	resp = module.handle(&request{Operation: opGetPublicKey, Handle: "no-such-handle"})
	if resp.ErrorCode != codeHandleInvalid {
		t.Fatalf("error code %q, want %q", resp.ErrorCode, codeHandleInvalid)
	}
}

func TestReleaseDropsMapping(t *testing.T) {
	client, _ := testClient(t)
	ctx := testContext(t)

	handle, err := client.CreateSigningKey(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	client.Release(handle)

	digest := sha256.Sum256([]byte("x"))
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
	var invalid *HandleInvalid
	if _, err := handle.SignContext(ctx, digest[:], opts); !errors.As(err, &invalid) {
		t.Fatalf("got %v, want HandleInvalid", err)
	}

	// The module still owns the key: re-creating resolves to it.
	fresh, err := client.CreateSigningKey(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID() != handle.ID() {
		t.Error("module lost the key on client-side release")
	}
}

func TestNoPrivateMaterialOnWire(t *testing.T) {
	module := NewModule(nil)
	clientConn, serverConn := net.Pipe()
	go module.ServeConn(serverConn)
	defer clientConn.Close()

	if err := json.NewEncoder(clientConn).Encode(&request{Operation: opCreateSigningKey, Identity: "alice"}); err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.NewDecoder(clientConn).Decode(&raw); err != nil {
		t.Fatal(err)
	}

	allowed := map[string]bool{"handle": true, "modulus": true, "exponent": true}
	for key := range raw {
		if !allowed[key] {
			t.Errorf("unexpected response field %q", key)
		}
	}
}

func TestRetriesWhileModuleUnavailable(t *testing.T) {
	module := NewModule(nil)
	var attempts int
	dial := func(ctx context.Context) (net.Conn, error) {
		attempts++
		if attempts == 1 {
			return nil, fmt.Errorf("connection refused")
		}
		client, server := net.Pipe()
		go module.ServeConn(server)
		return client, nil
	}

	client := NewClient(dial, nil)
	ctx := testContext(t)
	if _, err := client.CreateSigningKey(ctx, "alice"); err != nil {
		t.Fatalf("creation did not survive a transient failure: %v", err)
	}
	if attempts < 2 {
		t.Fatalf("%d dial attempts, want at least 2", attempts)
	}
}

func TestUnavailableGivesUpWithContext(t *testing.T) {
	dial := func(ctx context.Context) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}
	client := NewClient(dial, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.CreateSigningKey(ctx, "alice")
	var unavailable *ModuleUnavailable
	if !errors.As(err, &unavailable) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want ModuleUnavailable or deadline", err)
	}
}
