package tls13

import (
	"errors"
	"fmt"
	"io"

	"github.com/YellowViking/sec-poc/certs"
)

// RecordLayer frames and deframes TLS records over a reliable byte stream.
// Before traffic keys are installed records pass in the clear (only the
// initial ClientHello/ServerHello exchange); afterwards every outgoing record
// is sealed and every incoming record opened with the AEAD of the current key
// epoch. Keys for each direction are installed independently, resetting that
// direction's sequence number to zero.
type RecordLayer struct {
	conn  io.ReadWriter
	read  *aeadState
	write *aeadState
}

// NewRecordLayer wraps a duplex byte stream.
func NewRecordLayer(conn io.ReadWriter) *RecordLayer {
	return &RecordLayer{conn: conn}
}

// SetWriteKeys installs sealing keys for the send direction and resets the
// send sequence number. Called at the handshake and application epochs.
func (rl *RecordLayer) SetWriteKeys(keys *TrafficKeys, cipherSuite uint16) error {
	state, err := newAEADState(keys, cipherSuite)
	if err != nil {
		return err
	}
	rl.write = state
	return nil
}

// SetReadKeys installs opening keys for the receive direction and resets the
// receive sequence number.
func (rl *RecordLayer) SetReadKeys(keys *TrafficKeys, cipherSuite uint16) error {
	state, err := newAEADState(keys, cipherSuite)
	if err != nil {
		return err
	}
	rl.read = state
	return nil
}

// Encrypted reports whether receive protection is active.
func (rl *RecordLayer) Encrypted() bool { return rl.read != nil }

// WriteRecord frames plaintext as a single record of the given content type.
// With write keys installed the plaintext is extended with the real content
// type byte, sealed, and sent as an application_data record with the legacy
// version, per RFC 8446 Section 5.2.
func (rl *RecordLayer) WriteRecord(contentType uint8, plaintext []byte) error {
	if len(plaintext) > maxPlaintextLength {
		return fmt.Errorf("tls13: record plaintext too long: %d", len(plaintext))
	}

	if rl.write == nil {
		header := []byte{contentType, 0x03, 0x03, byte(len(plaintext) >> 8), byte(len(plaintext))}
		_, err := rl.conn.Write(append(header, plaintext...))
		return err
	}

	inner := make([]byte, 0, len(plaintext)+1)
	inner = append(inner, plaintext...)
	inner = append(inner, contentType)

	ciphertextLen := len(inner) + rl.write.aead.Overhead()
	header := []byte{recordTypeApplicationData, 0x03, 0x03, byte(ciphertextLen >> 8), byte(ciphertextLen)}

	ciphertext, err := rl.write.seal(inner, header)
	if err != nil {
		return err
	}
	_, err = rl.conn.Write(append(header, ciphertext...))
	return err
}

// ReadRecord reads one record and returns its content type and plaintext.
// With read keys installed, application_data records are opened and the inner
// content type recovered after stripping padding; compatibility
// change_cipher_spec records pass through unprotected for the caller to skip.
// A failed tag check surfaces as RecordAuthError.
func (rl *RecordLayer) ReadRecord() (uint8, []byte, error) {
	header := make([]byte, recordHeaderLength)
	if _, err := io.ReadFull(rl.conn, header); err != nil {
		return 0, nil, err
	}

	contentType := header[0]
	length := int(header[3])<<8 | int(header[4])
	if length > maxCiphertextLength {
		return 0, nil, &RecordAuthError{Reason: "record overflow"}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(rl.conn, payload); err != nil {
		return 0, nil, err
	}

	if rl.read == nil || contentType == recordTypeChangeCipherSpec {
		return contentType, payload, nil
	}

	if contentType != recordTypeApplicationData {
		// Once protection is on, everything except compatibility CCS must
		// arrive sealed.
		return 0, nil, &RecordAuthError{Reason: fmt.Sprintf("unprotected record type %d under active keys", contentType)}
	}

	inner, err := rl.read.open(payload, header)
	if err != nil {
		return 0, nil, err
	}

	// Strip zero padding and recover the inner content type.
	i := len(inner) - 1
	for i >= 0 && inner[i] == 0 {
		i--
	}
	if i < 0 {
		return 0, nil, &RecordAuthError{Reason: "record is all padding"}
	}
	return inner[i], inner[:i], nil
}

// WriteAlert sends a one-record alert.
func (rl *RecordLayer) WriteAlert(level, description uint8) error {
	return rl.WriteRecord(recordTypeAlert, []byte{level, description})
}

// sendAlertFor maps a session-fatal error to the alert written to the peer.
// Unknown errors map to internal_error.
func (rl *RecordLayer) sendAlertFor(err error) {
	description := uint8(alertInternalError)
	var a alerter
	var chainErr *certs.ChainInvalid
	switch {
	case errors.As(err, &chainErr):
		description = alertBadCertificate
	case errors.As(err, &a):
		description = a.AlertDescription()
	}
	// Best effort: the session is already failed.
	_ = rl.WriteAlert(alertLevelFatal, description)
}
