package tls13

import (
	"bytes"
	"errors"
	"testing"
)

// duplex joins two record layers through in-memory buffers: what a writes, b
// reads.
type duplex struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (d *duplex) Read(p []byte) (int, error)  { return d.in.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.out.Write(p) }

func recordPair(t *testing.T) (*RecordLayer, *RecordLayer, *bytes.Buffer) {
	t.Helper()
	aToB := &bytes.Buffer{}
	bToA := &bytes.Buffer{}
	a := NewRecordLayer(&duplex{in: bToA, out: aToB})
	b := NewRecordLayer(&duplex{in: aToB, out: bToA})
	return a, b, aToB
}

func testKeys(t *testing.T) *TrafficKeys {
	t.Helper()
	return &TrafficKeys{
		Key: bytes.Repeat([]byte{0x11}, 16),
		IV:  bytes.Repeat([]byte{0x22}, 12),
	}
}

func TestRecordPlaintextRoundTrip(t *testing.T) {
	a, b, _ := recordPair(t)

	payload := []byte("hello record layer")
	if err := a.WriteRecord(recordTypeHandshake, payload); err != nil {
		t.Fatal(err)
	}
	contentType, got, err := b.ReadRecord()
	if err != nil {
		t.Fatal(err)
	}
	if contentType != recordTypeHandshake || !bytes.Equal(got, payload) {
		t.Fatalf("got type %d payload %q", contentType, got)
	}
}

func TestRecordEncryptedRoundTrip(t *testing.T) {
	for _, suite := range []uint16{TLS_AES_128_GCM_SHA256, TLS_CHACHA20_POLY1305_SHA256} {
		a, b, wire := recordPair(t)
		keys := &TrafficKeys{
			Key: bytes.Repeat([]byte{0x11}, 32),
			IV:  bytes.Repeat([]byte{0x22}, 12),
		}
		if suite == TLS_AES_128_GCM_SHA256 {
			keys.Key = keys.Key[:16]
		}
		if err := a.SetWriteKeys(keys, suite); err != nil {
			t.Fatal(err)
		}
		if err := b.SetReadKeys(keys, suite); err != nil {
			t.Fatal(err)
		}

		payload := []byte("sealed application bytes")
		if err := a.WriteRecord(recordTypeApplicationData, payload); err != nil {
			t.Fatal(err)
		}
		if bytes.Contains(wire.Bytes(), payload) {
			t.Fatalf("suite 0x%04x: plaintext visible on the wire", suite)
		}
		contentType, got, err := b.ReadRecord()
		if err != nil {
			t.Fatal(err)
		}
		if contentType != recordTypeApplicationData || !bytes.Equal(got, payload) {
			t.Fatalf("suite 0x%04x: got type %d payload %q", suite, contentType, got)
		}
	}
}

func TestRecordInnerContentType(t *testing.T) {
	a, b, wire := recordPair(t)
	keys := testKeys(t)
	if err := a.SetWriteKeys(keys, TLS_AES_128_GCM_SHA256); err != nil {
		t.Fatal(err)
	}
	if err := b.SetReadKeys(keys, TLS_AES_128_GCM_SHA256); err != nil {
		t.Fatal(err)
	}

	if err := a.WriteRecord(recordTypeHandshake, []byte("finished")); err != nil {
		t.Fatal(err)
	}
	// The outer record claims application_data; only the sealed inner type
	// says handshake.
	if wire.Bytes()[0] != recordTypeApplicationData {
		t.Fatalf("outer content type %d, want application_data", wire.Bytes()[0])
	}
	contentType, _, err := b.ReadRecord()
	if err != nil {
		t.Fatal(err)
	}
	if contentType != recordTypeHandshake {
		t.Fatalf("inner content type %d, want handshake", contentType)
	}
}

func TestRecordBitFlip(t *testing.T) {
	a, b, wire := recordPair(t)
	keys := testKeys(t)
	a.SetWriteKeys(keys, TLS_AES_128_GCM_SHA256)
	b.SetReadKeys(keys, TLS_AES_128_GCM_SHA256)

	if err := a.WriteRecord(recordTypeApplicationData, []byte("integrity matters")); err != nil {
		t.Fatal(err)
	}
	raw := wire.Bytes()
	raw[len(raw)-1] ^= 0x01

	_, _, err := b.ReadRecord()
	var authErr *RecordAuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, want RecordAuthError", err)
	}
}

func TestRecordReplay(t *testing.T) {
	a, b, wire := recordPair(t)
	keys := testKeys(t)
	a.SetWriteKeys(keys, TLS_AES_128_GCM_SHA256)
	b.SetReadKeys(keys, TLS_AES_128_GCM_SHA256)

	if err := a.WriteRecord(recordTypeApplicationData, []byte("once only")); err != nil {
		t.Fatal(err)
	}
	record := append([]byte(nil), wire.Bytes()...)

	if _, _, err := b.ReadRecord(); err != nil {
		t.Fatal(err)
	}

	// Replaying the identical record fails: the receiver's sequence number
	// has moved on, so the nonce no longer matches.
	wire.Write(record)
	_, _, err := b.ReadRecord()
	var authErr *RecordAuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("replay: got %v, want RecordAuthError", err)
	}
}

func TestRecordSequenceAdvances(t *testing.T) {
	a, b, wire := recordPair(t)
	keys := testKeys(t)
	a.SetWriteKeys(keys, TLS_AES_128_GCM_SHA256)
	b.SetReadKeys(keys, TLS_AES_128_GCM_SHA256)

	first := []byte("first")
	second := []byte("second")
	if err := a.WriteRecord(recordTypeApplicationData, first); err != nil {
		t.Fatal(err)
	}
	lenFirst := wire.Len()
	if err := a.WriteRecord(recordTypeApplicationData, second); err != nil {
		t.Fatal(err)
	}

	// Identical plaintext lengths, different sequence numbers, so the two
	// ciphertext bodies must differ beyond the headers.
	one := wire.Bytes()[recordHeaderLength:lenFirst]
	two := wire.Bytes()[lenFirst+recordHeaderLength:]
	if bytes.Equal(one[:len(first)], two[:len(first)]) {
		t.Error("consecutive records encrypted identically")
	}

	for _, want := range [][]byte{first, second} {
		_, got, err := b.ReadRecord()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestRecordRejectsUnprotectedUnderKeys(t *testing.T) {
	a, b, _ := recordPair(t)
	b.SetReadKeys(testKeys(t), TLS_AES_128_GCM_SHA256)

	// Writer has no keys, so this goes out in the clear.
	if err := a.WriteRecord(recordTypeHandshake, []byte("sneaky")); err != nil {
		t.Fatal(err)
	}
	_, _, err := b.ReadRecord()
	var authErr *RecordAuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, want RecordAuthError", err)
	}
}

func TestRecordChangeCipherSpecPassthrough(t *testing.T) {
	a, b, _ := recordPair(t)
	b.SetReadKeys(testKeys(t), TLS_AES_128_GCM_SHA256)

	if err := a.WriteRecord(recordTypeChangeCipherSpec, []byte{1}); err != nil {
		t.Fatal(err)
	}
	contentType, payload, err := b.ReadRecord()
	if err != nil {
		t.Fatal(err)
	}
	if contentType != recordTypeChangeCipherSpec || !bytes.Equal(payload, []byte{1}) {
		t.Fatalf("got type %d payload %v", contentType, payload)
	}
}

func TestRecordPaddingStripped(t *testing.T) {
	a, b, _ := recordPair(t)
	keys := testKeys(t)
	a.SetWriteKeys(keys, TLS_AES_128_GCM_SHA256)
	b.SetReadKeys(keys, TLS_AES_128_GCM_SHA256)

	// Seal a padded inner plaintext by hand: payload, content type, zeros.
	inner := append([]byte("padded"), recordTypeApplicationData, 0, 0, 0, 0)
	ciphertextLen := len(inner) + a.write.aead.Overhead()
	header := []byte{recordTypeApplicationData, 0x03, 0x03, byte(ciphertextLen >> 8), byte(ciphertextLen)}
	ciphertext, err := a.write.seal(inner, header)
	if err != nil {
		t.Fatal(err)
	}
	a.conn.Write(append(header, ciphertext...))

	contentType, payload, err := b.ReadRecord()
	if err != nil {
		t.Fatal(err)
	}
	if contentType != recordTypeApplicationData || !bytes.Equal(payload, []byte("padded")) {
		t.Fatalf("got type %d payload %q", contentType, payload)
	}
}

func TestRecordOversizedLength(t *testing.T) {
	_, b, _ := recordPair(t)
	b.SetReadKeys(testKeys(t), TLS_AES_128_GCM_SHA256)

	oversize := maxCiphertextLength + 1
	header := []byte{recordTypeApplicationData, 0x03, 0x03, byte(oversize >> 8), byte(oversize)}
	b.conn.(*duplex).in.Write(header)

	_, _, err := b.ReadRecord()
	var authErr *RecordAuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, want RecordAuthError", err)
	}
}
