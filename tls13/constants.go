package tls13

// TLS version constants (following Go's crypto/tls conventions)
const (
	VersionTLS12 = 0x0303
	VersionTLS13 = 0x0304
)

// Record layer content types
const (
	recordTypeChangeCipherSpec = 20
	recordTypeAlert            = 21
	recordTypeHandshake        = 22
	recordTypeApplicationData  = 23
)

// HandshakeType identifies a handshake message.
type HandshakeType uint8

const (
	typeClientHello         HandshakeType = 1
	typeServerHello         HandshakeType = 2
	typeNewSessionTicket    HandshakeType = 4
	typeEncryptedExtensions HandshakeType = 8
	typeCertificate         HandshakeType = 11
	typeCertificateRequest  HandshakeType = 13
	typeCertificateVerify   HandshakeType = 15
	typeFinished            HandshakeType = 20
)

// TLS 1.3 cipher suites. TLS_AES_128_GCM_SHA256 is the reference suite the
// handshake negotiates; the key schedule and AEAD support all three.
const (
	TLS_AES_128_GCM_SHA256       = 0x1301
	TLS_AES_256_GCM_SHA384       = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 = 0x1303
)

// Extension types
const (
	extensionServerName          = 0
	extensionSupportedGroups     = 10
	extensionSignatureAlgorithms = 13
	extensionSupportedVersions   = 43
	extensionKeyShare            = 51
)

// Supported groups
const (
	groupX25519 = 29
)

// Signature schemes
const (
	signatureRSAPSSSHA256 = 0x0804
)

// Alert levels
const (
	alertLevelWarning = 1
	alertLevelFatal   = 2
)

// Alert descriptions (RFC 8446, Section 6)
const (
	alertCloseNotify         = 0
	alertUnexpectedMessage   = 10
	alertBadRecordMAC        = 20
	alertRecordOverflow      = 22
	alertHandshakeFailure    = 40
	alertBadCertificate      = 42
	alertCertificateExpired  = 45
	alertIllegalParameter    = 47
	alertUnknownCA           = 48
	alertDecodeError         = 50
	alertDecryptError        = 51
	alertProtocolVersion     = 70
	alertInternalError       = 80
	alertMissingExtension    = 109
	alertCertificateRequired = 116
)

// Record size limits (RFC 8446, Section 5.1/5.2)
const (
	maxPlaintextLength  = 16384
	maxCiphertextLength = 16384 + 256
	recordHeaderLength  = 5

	// Cap on a reassembled handshake message. Certificate chains are the
	// largest message and stay far below this.
	maxHandshakeMessageLength = 65536
)

func handshakeTypeString(t HandshakeType) string {
	switch t {
	case typeClientHello:
		return "ClientHello"
	case typeServerHello:
		return "ServerHello"
	case typeNewSessionTicket:
		return "NewSessionTicket"
	case typeEncryptedExtensions:
		return "EncryptedExtensions"
	case typeCertificate:
		return "Certificate"
	case typeCertificateRequest:
		return "CertificateRequest"
	case typeCertificateVerify:
		return "CertificateVerify"
	case typeFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

func alertDescriptionString(d uint8) string {
	switch d {
	case alertCloseNotify:
		return "close_notify"
	case alertUnexpectedMessage:
		return "unexpected_message"
	case alertBadRecordMAC:
		return "bad_record_mac"
	case alertRecordOverflow:
		return "record_overflow"
	case alertHandshakeFailure:
		return "handshake_failure"
	case alertBadCertificate:
		return "bad_certificate"
	case alertCertificateExpired:
		return "certificate_expired"
	case alertIllegalParameter:
		return "illegal_parameter"
	case alertUnknownCA:
		return "unknown_ca"
	case alertDecodeError:
		return "decode_error"
	case alertDecryptError:
		return "decrypt_error"
	case alertProtocolVersion:
		return "protocol_version"
	case alertInternalError:
		return "internal_error"
	case alertMissingExtension:
		return "missing_extension"
	case alertCertificateRequired:
		return "certificate_required"
	default:
		return "unknown"
	}
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func readUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
