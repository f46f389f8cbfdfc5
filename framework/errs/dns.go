package errs

import (
	"net"
)

// UnwrapDNSErr extracts the underlying reason string from a *net.DNSError so
// it can be folded into a Msg/Error field set without leaking the resolver's
// internal server/name values, which are rarely useful in an operator log.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	dnsErr, ok := err.(*net.DNSError)
	if !ok {
		return "", map[string]interface{}{}
	}

	return dnsErr.Err, map[string]interface{}{}
}
