// Package rdperr defines the error kinds shared by the transport, iso, and
// dvc packages so callers can classify a failure with errors.Is/As instead
// of string-matching a message.
package rdperr

import "errors"

var (
	// ErrNetwork marks a non-recoverable transport failure. Sticky: once
	// observed, every subsequent transport operation fails until
	// ResetState is called.
	ErrNetwork = errors.New("network error")

	// ErrProtocol marks a malformed or unexpected frame: a bad length, an
	// unrecognized X.224 code, an unknown cbId, or an unknown DVC command.
	ErrProtocol = errors.New("protocol error")

	// ErrUserQuit marks cooperative cancellation via the UI poll hook.
	ErrUserQuit = errors.New("user quit")

	// ErrListenerNotFound marks a DVC dispatch or lookup miss.
	ErrListenerNotFound = errors.New("listener not found")

	// ErrListenerAlreadyRegistered marks a duplicate init_listener call
	// for a name that is already registered.
	ErrListenerAlreadyRegistered = errors.New("listener already registered")
)

// NegotiationFailure carries the textual reason derived from a server's
// RDP_NEG_FAILURE response. Two reasons are non-fatal (see Retryable);
// every other reason is fatal and surfaced with this human-readable string.
type NegotiationFailure struct {
	Reason  NegotiationFailureReason
	Message string
}

func (e *NegotiationFailure) Error() string {
	return "rdp negotiation failed: " + e.Message
}

// NegotiationFailureReason enumerates the six RDP_NEG_FAILURE reason codes
// defined by MS-RDPBCGR; the value itself is the wire byte.
type NegotiationFailureReason byte

const (
	ReasonSSLRequiredByServer             NegotiationFailureReason = 0x01
	ReasonSSLNotAllowedByServer           NegotiationFailureReason = 0x02
	ReasonSSLCertNotOnServer              NegotiationFailureReason = 0x03
	ReasonInconsistentFlags               NegotiationFailureReason = 0x04
	ReasonHybridRequiredByServer          NegotiationFailureReason = 0x05
	ReasonSSLWithUserAuthRequiredByServer NegotiationFailureReason = 0x06
)

// Retryable reports whether this failure reason permits falling back to
// plain RDP and retrying, per the negotiation state machine: only
// SSL_NOT_ALLOWED_BY_SERVER and SSL_CERT_NOT_ON_SERVER do.
func (r NegotiationFailureReason) Retryable() bool {
	switch r {
	case ReasonSSLNotAllowedByServer, ReasonSSLCertNotOnServer:
		return true
	default:
		return false
	}
}

// String returns a human-readable description of the failure reason,
// falling back to "unknown reason" for any value outside the six defined
// by MS-RDPBCGR.
func (r NegotiationFailureReason) String() string {
	switch r {
	case ReasonSSLRequiredByServer:
		return "SSL is required to connect to this server"
	case ReasonSSLNotAllowedByServer:
		return "SSL is not allowed by this server"
	case ReasonSSLCertNotOnServer:
		return "server's SSL certificate is not usable"
	case ReasonInconsistentFlags:
		return "inconsistent negotiation flags"
	case ReasonHybridRequiredByServer:
		return "CredSSP (NLA) is required to connect to this server"
	case ReasonSSLWithUserAuthRequiredByServer:
		return "SSL with user authentication is required by this server"
	default:
		return "unknown reason"
	}
}

// NewNegotiationFailure builds a NegotiationFailure from the wire reason
// byte, filling in the human-readable message from String().
func NewNegotiationFailure(reason NegotiationFailureReason) *NegotiationFailure {
	return &NegotiationFailure{Reason: reason, Message: reason.String()}
}
