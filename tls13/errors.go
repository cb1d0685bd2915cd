package tls13

import "fmt"

// ProtocolError reports a handshake message that is malformed or arrived
// outside its legal predecessor state. It is fatal to the session.
type ProtocolError struct {
	State   HandshakeState
	MsgType HandshakeType
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.MsgType != 0 {
		return fmt.Sprintf("tls13: protocol error in state %s: unexpected %s: %s",
			e.State, handshakeTypeString(e.MsgType), e.Reason)
	}
	return fmt.Sprintf("tls13: protocol error in state %s: %s", e.State, e.Reason)
}

// AlertDescription maps the error to the alert sent to the peer.
func (e *ProtocolError) AlertDescription() uint8 {
	return alertUnexpectedMessage
}

// RecordAuthError reports an AEAD tag or sequence mismatch on the record
// layer. It is fatal to the session. Only the generic bad_record_mac alert is
// surfaced to the peer, so the failure cause cannot be used as an oracle.
type RecordAuthError struct {
	Reason string
}

func (e *RecordAuthError) Error() string {
	return fmt.Sprintf("tls13: record authentication failed: %s", e.Reason)
}

func (e *RecordAuthError) AlertDescription() uint8 {
	return alertBadRecordMAC
}

// KeyScheduleError reports a derivation requested before its preconditions
// exist. It signals a state machine ordering bug and is fatal to the session.
type KeyScheduleError struct {
	Op     string
	Reason string
}

func (e *KeyScheduleError) Error() string {
	return fmt.Sprintf("tls13: key schedule: %s: %s", e.Op, e.Reason)
}

func (e *KeyScheduleError) AlertDescription() uint8 {
	return alertInternalError
}

// AlertError reports a fatal alert received from the peer.
type AlertError struct {
	Level       uint8
	Description uint8
}

func (e *AlertError) Error() string {
	level := "warning"
	if e.Level == alertLevelFatal {
		level = "fatal"
	}
	return fmt.Sprintf("tls13: received %s alert: %s", level, alertDescriptionString(e.Description))
}

// alerter is implemented by errors that carry a TLS alert for the peer.
type alerter interface {
	AlertDescription() uint8
}
