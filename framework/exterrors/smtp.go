package exterrors

import "fmt"

// EnhancedCode is an RFC 3463 enhanced status code, class/subject/detail.
type EnhancedCode [3]int

// SMTPError is an error annotated with the SMTP reply it should be reported
// to a peer as, plus a Misc field for the structured fields a caller wants
// attached to the disposition/log record without being part of the wire
// message itself.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string
	// Reason is a short machine-oriented classification distinct from
	// Message, used by DNS/network error wrapping where the wire message
	// alone does not say enough to classify the failure.
	Reason string
	Misc   map[string]interface{}
	Err    error
}

func (err *SMTPError) Error() string {
	if err.Reason != "" {
		return fmt.Sprintf("%d %d.%d.%d %s: %s", err.Code, err.EnhancedCode[0], err.EnhancedCode[1], err.EnhancedCode[2], err.Message, err.Reason)
	}
	return fmt.Sprintf("%d %d.%d.%d %s", err.Code, err.EnhancedCode[0], err.EnhancedCode[1], err.EnhancedCode[2], err.Message)
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

func (err *SMTPError) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"smtp_code":     err.Code,
		"smtp_enchcode": err.EnhancedCode,
		"smtp_msg":      err.Message,
	}
	for k, v := range err.Misc {
		fields[k] = v
	}
	return fields
}

// SMTPCode extracts the reply code a wrapped SMTPError carries, or one of
// the two defaults (tempDefault for a transient-looking cause, permDefault
// otherwise) when err carries none.
func SMTPCode(err error, tempDefault, permDefault int) int {
	var smtpErr *SMTPError
	for e := err; e != nil; {
		if se, ok := e.(*SMTPError); ok {
			smtpErr = se
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if smtpErr != nil {
		return smtpErr.Code
	}
	if IsTemporary(err) {
		return tempDefault
	}
	return permDefault
}

// SMTPEnchCode extracts the enhanced code a wrapped SMTPError carries, or
// def when err carries none.
func SMTPEnchCode(err error, def EnhancedCode) EnhancedCode {
	var smtpErr *SMTPError
	for e := err; e != nil; {
		if se, ok := e.(*SMTPError); ok {
			smtpErr = se
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if smtpErr != nil {
		return smtpErr.EnhancedCode
	}
	return def
}
