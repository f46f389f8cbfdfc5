/*
OutFlow MTA - high-throughput outbound mail transfer agent.
Copyright © 2024 OutFlow MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package errs

import (
	"github.com/emersion/go-smtp"
)

// Kind classifies a delivery failure for scheduling and disposition
// purposes. It is orthogonal to Temporary: a Kind says WHY a transaction
// failed, Temporary says WHETHER it is worth retrying.
type Kind int

const (
	// KindUnspecified is the zero value; Temporary and SMTPError treat it
	// like KindInternal.
	KindUnspecified Kind = iota
	// KindTransport covers dial/TLS-handshake/read-write socket failures
	// before any SMTP reply was parsed.
	KindTransport
	// KindProtocolTransient covers 4xx SMTP replies and malformed-but-
	// retryable protocol exchanges.
	KindProtocolTransient
	// KindProtocolPermanent covers 5xx SMTP replies.
	KindProtocolPermanent
	// KindPolicyReject covers local policy decisions (PolicyHost.Reject,
	// suspend overlays) that never touched the network.
	KindPolicyReject
	// KindExpiration covers messages that exceeded their retry window.
	KindExpiration
	// KindShutdown covers work abandoned because the process is stopping.
	KindShutdown
	// KindInternal covers bugs, I/O errors against the spool, and anything
	// else that is not one of the above.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocolTransient:
		return "protocol_transient"
	case KindProtocolPermanent:
		return "protocol_permanent"
	case KindPolicyReject:
		return "policy_reject"
	case KindExpiration:
		return "expiration"
	case KindShutdown:
		return "shutdown"
	case KindInternal:
		return "internal"
	default:
		return "unspecified"
	}
}

// Temporary reports whether errors of this Kind should be retried by
// default. PolicyReject, ProtocolPermanent, Expiration and Shutdown are not;
// everything else is.
func (k Kind) Temporary() bool {
	switch k {
	case KindProtocolPermanent, KindPolicyReject, KindExpiration, KindShutdown:
		return false
	default:
		return true
	}
}

type kindErr struct {
	err  error
	kind Kind
}

func (k kindErr) Error() string  { return k.err.Error() }
func (k kindErr) Unwrap() error  { return k.err }
func (k kindErr) Temporary() bool { return k.kind.Temporary() }

// WithKind wraps err so that KindOf(err) and IsTemporary(err) both reflect
// kind. It does not remove any fields or Temporary override already present
// further down the chain; both are consulted by Fields/IsTemporary via their
// normal outer-wins traversal.
func WithKind(err error, kind Kind) error {
	return kindErr{err: err, kind: kind}
}

// KindOf returns the Kind attached via WithKind, walking the Unwrap chain
// and preferring the outermost classification. KindInternal is returned for
// errors with no attached Kind.
func KindOf(err error) Kind {
	for err != nil {
		if k, ok := err.(kindErr); ok {
			return k.kind
		}
		u, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindInternal
}

// SMTPError converts err into a *smtp.SMTPError suitable for storing in
// spool metadata and replaying to an injecting client. It mirrors the
// precedence rules used by the ready queue's delivery loop: an explicit
// smtp_code/smtp_enchcode field (attached by the dispatcher when it parsed
// a real server reply) wins over the Kind-derived default code, and a bare
// *smtp.SMTPError passed in as err is returned through unchanged. The
// message is the smtp_msg field if set and err.Error() otherwise, so the
// Kind-derived message text is always replaced.
func SMTPError(err error) *smtp.SMTPError {
	if err == nil {
		return nil
	}

	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		return smtpErr
	}

	res := &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 0, 0},
		Message:      "internal server error",
	}

	if IsTemporaryOrUnspec(err) {
		res.Code = 451
		res.EnhancedCode = smtp.EnhancedCode{4, 0, 0}
	}

	switch KindOf(err) {
	case KindPolicyReject:
		res.Code, res.EnhancedCode, res.Message = 550, smtp.EnhancedCode{5, 7, 1}, "rejected by policy"
	case KindExpiration:
		res.Code, res.EnhancedCode, res.Message = 554, smtp.EnhancedCode{5, 4, 7}, "delivery time expired"
	case KindTransport:
		res.Code, res.EnhancedCode, res.Message = 451, smtp.EnhancedCode{4, 4, 1}, "connection to remote host failed"
	}

	fields := Fields(err)
	if code, ok := fields["smtp_code"].(int); ok {
		res.Code = code
	}
	if ench, ok := fields["smtp_enchcode"].(smtp.EnhancedCode); ok {
		res.EnhancedCode = ench
	}
	if msg, ok := fields["smtp_msg"].(string); ok {
		res.Message = msg
	} else {
		res.Message = err.Error()
	}

	return res
}
