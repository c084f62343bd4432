package aresolv

import (
	"context"
	"errors"
	"net"
	"strings"
)

// NameResolver is the blocking lookup facility the worker delegates to.
// *net.Resolver satisfies it.
type NameResolver interface {
	// LookupIPAddr resolves a host to its IP addresses.
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	// LookupPort resolves a service name to a port for the given network.
	LookupPort(ctx context.Context, network, service string) (int, error)
}

// LookupCode classifies a failed lookup.
type LookupCode uint32

const (
	// LookupFailure is any lookup error not covered by a more specific code.
	LookupFailure LookupCode = iota + 1
	// LookupNotFound means the name definitively does not exist.
	LookupNotFound
	// LookupTemporary means the lookup failed but may succeed when retried.
	LookupTemporary
)

// LookupError is a failed lookup as reported in a Response. It is distinct
// from an empty result set: zero records with a nil Err means the name
// resolved to no usable addresses.
type LookupError struct {
	Code    LookupCode
	Message string
}

func (e *LookupError) Error() string {
	return "lookup failed: " + e.Message
}

func lookupErrorFrom(err error) *LookupError {
	code := LookupFailure

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			code = LookupNotFound
		case dnsErr.IsTemporary || dnsErr.IsTimeout:
			code = LookupTemporary
		}
	}

	msg := err.Error()
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}

	return &LookupError{Code: code, Message: msg}
}

// newResolver builds the lookup facility for the worker. With a nameserver
// set it queries that server directly instead of the system default.
func newResolver(nameserver string) *net.Resolver {
	if nameserver == "" {
		return net.DefaultResolver
	}

	if !strings.HasSuffix(nameserver, ":53") {
		nameserver += ":53"
	}
	dialer := func(ctx context.Context, network, address string) (net.Conn, error) {
		d := net.Dialer{}

		return d.DialContext(ctx, "udp", nameserver)
	}

	return &net.Resolver{PreferGo: true, Dial: dialer}
}
