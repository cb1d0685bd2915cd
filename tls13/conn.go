package tls13

import (
	"fmt"
	"io"
)

// Application data plumbing shared by the client and server sides.

// readApplicationData fills p from buffered plaintext, reading more records
// as needed. close_notify maps to io.EOF. NewSessionTicket is accepted and
// dropped; any other post-handshake handshake message is a protocol error.
func readApplicationData(rl *RecordLayer, buf *[]byte, p []byte) (int, error) {
	for len(*buf) == 0 {
		contentType, payload, err := rl.ReadRecord()
		if err != nil {
			return 0, err
		}
		switch contentType {
		case recordTypeApplicationData:
			*buf = append(*buf, payload...)
		case recordTypeAlert:
			if len(payload) == 2 && payload[1] == alertCloseNotify {
				return 0, io.EOF
			}
			if len(payload) != 2 {
				return 0, &ProtocolError{State: StateEstablished, Reason: "malformed alert"}
			}
			return 0, &AlertError{Level: payload[0], Description: payload[1]}
		case recordTypeHandshake:
			msgType, _, err := splitHandshakeHeader(payload)
			if err != nil || msgType != typeNewSessionTicket {
				return 0, &ProtocolError{State: StateEstablished, MsgType: msgType,
					Reason: "unsupported post-handshake message"}
			}
		default:
			return 0, &ProtocolError{State: StateEstablished,
				Reason: fmt.Sprintf("unexpected record type %d", contentType)}
		}
	}

	n := copy(p, *buf)
	*buf = (*buf)[n:]
	return n, nil
}

// writeApplicationData fragments p across records.
func writeApplicationData(rl *RecordLayer, p []byte) (int, error) {
	var written int
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > maxPlaintextLength {
			chunk = chunk[:maxPlaintextLength]
		}
		if err := rl.WriteRecord(recordTypeApplicationData, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}
