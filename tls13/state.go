package tls13

// HandshakeState tracks progress through the handshake. Transitions are
// strictly forward; any protocol violation moves the machine to StateFailed
// and the connection is unusable afterwards.
type HandshakeState int

const (
	StateStart HandshakeState = iota
	StateSentClientHello
	StateNegotiatedParams
	StateHaveSharedSecret
	StatePeerRequestsClientCert
	StateReceivedServerCert
	StateReadyToRespond
	StateSentClientCert
	StateSentCertVerify
	StateSentFinished
	StateEstablished
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateSentClientHello:
		return "SentClientHello"
	case StateNegotiatedParams:
		return "NegotiatedParams"
	case StateHaveSharedSecret:
		return "HaveSharedSecret"
	case StatePeerRequestsClientCert:
		return "PeerRequestsClientCert"
	case StateReceivedServerCert:
		return "ReceivedServerCert"
	case StateReadyToRespond:
		return "ReadyToRespond"
	case StateSentClientCert:
		return "SentClientCert"
	case StateSentCertVerify:
		return "SentCertVerify"
	case StateSentFinished:
		return "SentFinished"
	case StateEstablished:
		return "Established"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
