package tls13

import (
	"errors"
	"fmt"
)

// Handshake messages are marshaled without record framing: each Marshal
// returns type byte, 24-bit length, then the body. The record layer supplies
// the outer framing and the transcript accumulates exactly these bytes.

type keyShare struct {
	group uint16
	data  []byte
}

// handshakeMessage prepends the 4-byte handshake header to a body.
func handshakeMessage(msgType HandshakeType, body []byte) []byte {
	msg := make([]byte, 4+len(body))
	msg[0] = byte(msgType)
	putUint24(msg[1:4], uint32(len(body)))
	copy(msg[4:], body)
	return msg
}

// cursor is a bounds-checked reader over a message body. Any short read
// latches the error; callers check err once at the end of parsing.
type cursor struct {
	b   []byte
	err bool
}

func (c *cursor) bytes(n int) []byte {
	if c.err || len(c.b) < n {
		c.err = true
		return nil
	}
	v := c.b[:n]
	c.b = c.b[n:]
	return v
}

func (c *cursor) uint8() uint8 {
	v := c.bytes(1)
	if v == nil {
		return 0
	}
	return v[0]
}

func (c *cursor) uint16() uint16 {
	v := c.bytes(2)
	if v == nil {
		return 0
	}
	return uint16(v[0])<<8 | uint16(v[1])
}

func (c *cursor) uint24() uint32 {
	v := c.bytes(3)
	if v == nil {
		return 0
	}
	return readUint24(v)
}

func (c *cursor) vec8() []byte  { return c.bytes(int(c.uint8())) }
func (c *cursor) vec16() []byte { return c.bytes(int(c.uint16())) }
func (c *cursor) vec24() []byte { return c.bytes(int(c.uint24())) }

func (c *cursor) empty() bool { return len(c.b) == 0 }

var errDecode = errors.New("tls13: malformed handshake message")

// splitHandshakeHeader validates the 4-byte header and returns type and body.
// The caller guarantees data holds exactly one message.
func splitHandshakeHeader(data []byte) (HandshakeType, []byte, error) {
	if len(data) < 4 {
		return 0, nil, errDecode
	}
	if int(readUint24(data[1:4])) != len(data)-4 {
		return 0, nil, errDecode
	}
	return HandshakeType(data[0]), data[4:], nil
}

// ClientHello

type clientHelloMsg struct {
	random              []byte // 32 bytes
	sessionID           []byte
	cipherSuites        []uint16
	serverName          string
	supportedGroups     []uint16
	signatureAlgorithms []uint16
	supportedVersions   []uint16
	keyShares           []keyShare
}

func (m *clientHelloMsg) marshal() []byte {
	var b []byte
	// Legacy version pinned to TLS 1.2; the real version rides in
	// supported_versions.
	b = append(b, 0x03, 0x03)
	b = append(b, m.random...)
	b = append(b, byte(len(m.sessionID)))
	b = append(b, m.sessionID...)
	b = append(b, byte(len(m.cipherSuites)*2>>8), byte(len(m.cipherSuites)*2))
	for _, suite := range m.cipherSuites {
		b = append(b, byte(suite>>8), byte(suite))
	}
	b = append(b, 1, 0) // null compression only

	var extensions []byte
	if len(m.serverName) > 0 {
		extensions = append(extensions, 0, extensionServerName)
		extLen := len(m.serverName) + 5
		extensions = append(extensions, byte(extLen>>8), byte(extLen))
		listLen := len(m.serverName) + 3
		extensions = append(extensions, byte(listLen>>8), byte(listLen))
		extensions = append(extensions, 0) // name type: host_name
		extensions = append(extensions, byte(len(m.serverName)>>8), byte(len(m.serverName)))
		extensions = append(extensions, m.serverName...)
	}
	if len(m.supportedGroups) > 0 {
		extensions = append(extensions, 0, extensionSupportedGroups)
		groupsLen := len(m.supportedGroups) * 2
		extensions = append(extensions, byte((groupsLen+2)>>8), byte(groupsLen+2))
		extensions = append(extensions, byte(groupsLen>>8), byte(groupsLen))
		for _, group := range m.supportedGroups {
			extensions = append(extensions, byte(group>>8), byte(group))
		}
	}
	if len(m.signatureAlgorithms) > 0 {
		extensions = append(extensions, 0, extensionSignatureAlgorithms)
		algosLen := len(m.signatureAlgorithms) * 2
		extensions = append(extensions, byte((algosLen+2)>>8), byte(algosLen+2))
		extensions = append(extensions, byte(algosLen>>8), byte(algosLen))
		for _, algo := range m.signatureAlgorithms {
			extensions = append(extensions, byte(algo>>8), byte(algo))
		}
	}
	if len(m.supportedVersions) > 0 {
		extensions = append(extensions, 0, extensionSupportedVersions)
		versionsLen := len(m.supportedVersions) * 2
		extensions = append(extensions, byte((versionsLen+1)>>8), byte(versionsLen+1))
		extensions = append(extensions, byte(versionsLen))
		for _, v := range m.supportedVersions {
			extensions = append(extensions, byte(v>>8), byte(v))
		}
	}
	if len(m.keyShares) > 0 {
		extensions = append(extensions, 0, extensionKeyShare)
		var sharesLen int
		for _, ks := range m.keyShares {
			sharesLen += 4 + len(ks.data)
		}
		extensions = append(extensions, byte((sharesLen+2)>>8), byte(sharesLen+2))
		extensions = append(extensions, byte(sharesLen>>8), byte(sharesLen))
		for _, ks := range m.keyShares {
			extensions = append(extensions, byte(ks.group>>8), byte(ks.group))
			extensions = append(extensions, byte(len(ks.data)>>8), byte(len(ks.data)))
			extensions = append(extensions, ks.data...)
		}
	}

	b = append(b, byte(len(extensions)>>8), byte(len(extensions)))
	b = append(b, extensions...)

	return handshakeMessage(typeClientHello, b)
}

func parseClientHello(body []byte) (*clientHelloMsg, error) {
	m := &clientHelloMsg{}
	c := &cursor{b: body}

	c.uint16() // legacy version
	m.random = c.bytes(32)
	m.sessionID = c.vec8()

	suites := c.vec16()
	if c.err || len(suites)%2 != 0 {
		return nil, errDecode
	}
	for i := 0; i+1 < len(suites); i += 2 {
		m.cipherSuites = append(m.cipherSuites, uint16(suites[i])<<8|uint16(suites[i+1]))
	}

	c.vec8() // compression methods

	exts := &cursor{b: c.vec16()}
	if c.err {
		return nil, errDecode
	}
	for !exts.empty() && !exts.err {
		extType := exts.uint16()
		extData := &cursor{b: exts.vec16()}
		if exts.err {
			return nil, errDecode
		}
		switch extType {
		case extensionServerName:
			list := &cursor{b: extData.vec16()}
			for !list.empty() && !list.err {
				nameType := list.uint8()
				name := list.vec16()
				if nameType == 0 {
					m.serverName = string(name)
				}
			}
		case extensionSupportedGroups:
			groups := extData.vec16()
			for i := 0; i+1 < len(groups); i += 2 {
				m.supportedGroups = append(m.supportedGroups, uint16(groups[i])<<8|uint16(groups[i+1]))
			}
		case extensionSignatureAlgorithms:
			algos := extData.vec16()
			for i := 0; i+1 < len(algos); i += 2 {
				m.signatureAlgorithms = append(m.signatureAlgorithms, uint16(algos[i])<<8|uint16(algos[i+1]))
			}
		case extensionSupportedVersions:
			versions := extData.vec8()
			for i := 0; i+1 < len(versions); i += 2 {
				m.supportedVersions = append(m.supportedVersions, uint16(versions[i])<<8|uint16(versions[i+1]))
			}
		case extensionKeyShare:
			shares := &cursor{b: extData.vec16()}
			for !shares.empty() && !shares.err {
				group := shares.uint16()
				data := shares.vec16()
				if !shares.err {
					m.keyShares = append(m.keyShares, keyShare{group: group, data: data})
				}
			}
		}
	}
	if c.err || exts.err || len(m.random) != 32 {
		return nil, errDecode
	}
	return m, nil
}

// ServerHello

type serverHelloMsg struct {
	random      []byte // 32 bytes
	sessionID   []byte // echo of the client's
	cipherSuite uint16
	keyShare    keyShare
}

func (m *serverHelloMsg) marshal() []byte {
	var b []byte
	b = append(b, 0x03, 0x03)
	b = append(b, m.random...)
	b = append(b, byte(len(m.sessionID)))
	b = append(b, m.sessionID...)
	b = append(b, byte(m.cipherSuite>>8), byte(m.cipherSuite))
	b = append(b, 0) // null compression

	var extensions []byte
	// supported_versions: the selected version only
	extensions = append(extensions, 0, extensionSupportedVersions, 0, 2, 0x03, 0x04)
	// key_share: the single chosen entry
	shareLen := 4 + len(m.keyShare.data)
	extensions = append(extensions, 0, extensionKeyShare, byte(shareLen>>8), byte(shareLen))
	extensions = append(extensions, byte(m.keyShare.group>>8), byte(m.keyShare.group))
	extensions = append(extensions, byte(len(m.keyShare.data)>>8), byte(len(m.keyShare.data)))
	extensions = append(extensions, m.keyShare.data...)

	b = append(b, byte(len(extensions)>>8), byte(len(extensions)))
	b = append(b, extensions...)

	return handshakeMessage(typeServerHello, b)
}

func parseServerHello(body []byte) (*serverHelloMsg, error) {
	m := &serverHelloMsg{}
	c := &cursor{b: body}

	c.uint16() // legacy version
	m.random = c.bytes(32)
	m.sessionID = c.vec8()
	m.cipherSuite = c.uint16()
	c.uint8() // compression method

	var sawVersion bool
	exts := &cursor{b: c.vec16()}
	if c.err {
		return nil, errDecode
	}
	for !exts.empty() && !exts.err {
		extType := exts.uint16()
		extData := &cursor{b: exts.vec16()}
		if exts.err {
			return nil, errDecode
		}
		switch extType {
		case extensionSupportedVersions:
			if extData.uint16() == VersionTLS13 {
				sawVersion = true
			}
		case extensionKeyShare:
			m.keyShare.group = extData.uint16()
			m.keyShare.data = extData.vec16()
			if extData.err {
				return nil, errDecode
			}
		}
	}
	if c.err || exts.err || len(m.random) != 32 {
		return nil, errDecode
	}
	if !sawVersion {
		return nil, fmt.Errorf("tls13: peer did not negotiate TLS 1.3")
	}
	return m, nil
}

// EncryptedExtensions

type encryptedExtensionsMsg struct{}

func (m *encryptedExtensionsMsg) marshal() []byte {
	return handshakeMessage(typeEncryptedExtensions, []byte{0, 0})
}

func parseEncryptedExtensions(body []byte) (*encryptedExtensionsMsg, error) {
	c := &cursor{b: body}
	c.vec16()
	if c.err || !c.empty() {
		return nil, errDecode
	}
	return &encryptedExtensionsMsg{}, nil
}

// Certificate

type certificateMsg struct {
	context []byte
	chain   [][]byte // DER, leaf first
}

func (m *certificateMsg) marshal() []byte {
	var list []byte
	for _, cert := range m.chain {
		entry := make([]byte, 3)
		putUint24(entry, uint32(len(cert)))
		entry = append(entry, cert...)
		entry = append(entry, 0, 0) // no per-entry extensions
		list = append(list, entry...)
	}

	body := make([]byte, 0, 1+len(m.context)+3+len(list))
	body = append(body, byte(len(m.context)))
	body = append(body, m.context...)
	lenBytes := make([]byte, 3)
	putUint24(lenBytes, uint32(len(list)))
	body = append(body, lenBytes...)
	body = append(body, list...)

	return handshakeMessage(typeCertificate, body)
}

func parseCertificate(body []byte) (*certificateMsg, error) {
	m := &certificateMsg{}
	c := &cursor{b: body}

	m.context = c.vec8()
	list := &cursor{b: c.vec24()}
	if c.err {
		return nil, errDecode
	}
	for !list.empty() && !list.err {
		cert := list.vec24()
		list.vec16() // per-entry extensions, ignored
		if !list.err {
			m.chain = append(m.chain, cert)
		}
	}
	if list.err || !c.empty() {
		return nil, errDecode
	}
	return m, nil
}

// CertificateRequest

type certificateRequestMsg struct {
	context             []byte
	signatureAlgorithms []uint16
}

func (m *certificateRequestMsg) marshal() []byte {
	var extensions []byte
	algosLen := len(m.signatureAlgorithms) * 2
	extensions = append(extensions, 0, extensionSignatureAlgorithms)
	extensions = append(extensions, byte((algosLen+2)>>8), byte(algosLen+2))
	extensions = append(extensions, byte(algosLen>>8), byte(algosLen))
	for _, algo := range m.signatureAlgorithms {
		extensions = append(extensions, byte(algo>>8), byte(algo))
	}

	body := make([]byte, 0, 1+len(m.context)+2+len(extensions))
	body = append(body, byte(len(m.context)))
	body = append(body, m.context...)
	body = append(body, byte(len(extensions)>>8), byte(len(extensions)))
	body = append(body, extensions...)

	return handshakeMessage(typeCertificateRequest, body)
}

func parseCertificateRequest(body []byte) (*certificateRequestMsg, error) {
	m := &certificateRequestMsg{}
	c := &cursor{b: body}

	m.context = c.vec8()
	exts := &cursor{b: c.vec16()}
	if c.err {
		return nil, errDecode
	}
	for !exts.empty() && !exts.err {
		extType := exts.uint16()
		extData := &cursor{b: exts.vec16()}
		if exts.err {
			return nil, errDecode
		}
		if extType == extensionSignatureAlgorithms {
			algos := extData.vec16()
			for i := 0; i+1 < len(algos); i += 2 {
				m.signatureAlgorithms = append(m.signatureAlgorithms, uint16(algos[i])<<8|uint16(algos[i+1]))
			}
		}
	}
	if exts.err || len(m.signatureAlgorithms) == 0 {
		return nil, errDecode
	}
	return m, nil
}

// CertificateVerify

type certificateVerifyMsg struct {
	scheme    uint16
	signature []byte
}

func (m *certificateVerifyMsg) marshal() []byte {
	body := make([]byte, 0, 4+len(m.signature))
	body = append(body, byte(m.scheme>>8), byte(m.scheme))
	body = append(body, byte(len(m.signature)>>8), byte(len(m.signature)))
	body = append(body, m.signature...)
	return handshakeMessage(typeCertificateVerify, body)
}

func parseCertificateVerify(body []byte) (*certificateVerifyMsg, error) {
	m := &certificateVerifyMsg{}
	c := &cursor{b: body}
	m.scheme = c.uint16()
	m.signature = c.vec16()
	if c.err || !c.empty() || len(m.signature) == 0 {
		return nil, errDecode
	}
	return m, nil
}

// Finished

type finishedMsg struct {
	verifyData []byte
}

func (m *finishedMsg) marshal() []byte {
	return handshakeMessage(typeFinished, m.verifyData)
}

func parseFinished(body []byte) (*finishedMsg, error) {
	if len(body) == 0 {
		return nil, errDecode
	}
	return &finishedMsg{verifyData: body}, nil
}
